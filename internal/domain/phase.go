package domain

import "time"

// DeploymentPhase is one stage of the provisioning flow.
type DeploymentPhase struct {
	PhaseID     int
	PhaseName   string
	PhaseOrder  int
	Description *string
	CreatedAt   time.Time
}
