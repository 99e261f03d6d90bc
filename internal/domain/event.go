package domain

import (
	"encoding/json"
	"time"
)

// TelemetryEvent is an immutable fact reported by a client. PhaseName,
// PhaseOrder and DeviceName are populated from joins on read.
type TelemetryEvent struct {
	EventID            int64
	ClientID           string
	PhaseID            *int
	PhaseName          *string
	PhaseOrder         *int
	DeviceName         *string
	EventType          string
	EventTimestamp     time.Time
	ProgressPercentage *int
	Status             *string
	DurationSeconds    *int
	ErrorMessage       *string
	Metadata           json.RawMessage
	CreatedAt          time.Time
}

// EventInput is the ingestion document submitted by a client agent.
type EventInput struct {
	ClientID           string
	DeviceName         *string
	DeploymentProfile  *string
	PhaseName          *string
	EventType          string
	EventTimestamp     time.Time
	ProgressPercentage *int
	Status             *string
	DurationSeconds    *int
	ErrorMessage       *string
	Metadata           json.RawMessage
}

// EventFilter narrows an event query. Nil fields impose no constraint.
type EventFilter struct {
	ClientID  *string
	PhaseName *string
	Status    *string
	From      *time.Time
	To        *time.Time
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}
