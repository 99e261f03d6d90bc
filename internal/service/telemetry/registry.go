package telemetry

import (
	"context"
	"strings"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
)

// ClientWriter persists client upserts.
type ClientWriter interface {
	UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error
}

// DeriveClientStatus returns the status an event assigns to its client: the
// event's own non-blank status, or nil to leave the client unchanged.
func DeriveClientStatus(in domain.EventInput) *string {
	if in.Status == nil {
		return nil
	}
	status := strings.TrimSpace(*in.Status)
	if status == "" {
		return nil
	}
	return &status
}

// UpsertClient registers a client or merges the supplied fields into it.
func (s *Service) UpsertClient(ctx context.Context, store ClientWriter, upsert domain.ClientUpsert) error {
	upsert.ClientID = strings.TrimSpace(upsert.ClientID)
	if upsert.ClientID == "" {
		return invalid("client_id", "required")
	}
	upsert.DeviceName = trimmed(upsert.DeviceName)
	upsert.DeploymentProfile = trimmed(upsert.DeploymentProfile)
	upsert.Status = trimmed(upsert.Status)
	upsert.ObservedAt = upsert.ObservedAt.UTC()
	return store.UpsertClient(ctx, upsert)
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	value := strings.TrimSpace(*v)
	if value == "" {
		return nil
	}
	return &value
}
