package domain

import "time"

// Client statuses reported by deployment agents. The set is open; these are
// the values the dashboard and statistics know about.
const (
	ClientStatusPending    = "pending"
	ClientStatusInProgress = "in_progress"
	ClientStatusCompleted  = "completed"
	ClientStatusFailed     = "failed"
)

// Client is a registered deployment target.
type Client struct {
	ClientID          string
	DeviceName        *string
	DeploymentProfile *string
	Status            string
	EnrolledAt        time.Time
	LastSeen          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ClientUpsert carries the fields an incoming event may write to its client.
// Nil fields leave the stored value untouched.
type ClientUpsert struct {
	ClientID          string
	DeviceName        *string
	DeploymentProfile *string
	Status            *string
	ObservedAt        time.Time
}
