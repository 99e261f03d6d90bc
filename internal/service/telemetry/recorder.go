package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

// RecordEvent validates an ingestion document and stores it together with
// the client upsert as one unit. It returns the new event id.
func (s *Service) RecordEvent(ctx context.Context, in domain.EventInput) (int64, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return 0, err
	}

	event := &domain.TelemetryEvent{
		ClientID:           in.ClientID,
		EventType:          in.EventType,
		EventTimestamp:     in.EventTimestamp,
		ProgressPercentage: in.ProgressPercentage,
		Status:             in.Status,
		DurationSeconds:    in.DurationSeconds,
		ErrorMessage:       in.ErrorMessage,
		Metadata:           in.Metadata,
	}
	err = s.store.InTx(ctx, func(store repository.IngestStore) error {
		if err := s.UpsertClient(ctx, store, domain.ClientUpsert{
			ClientID:          in.ClientID,
			DeviceName:        in.DeviceName,
			DeploymentProfile: in.DeploymentProfile,
			Status:            DeriveClientStatus(in),
			ObservedAt:        in.EventTimestamp,
		}); err != nil {
			return err
		}
		phaseID, err := s.ResolvePhase(ctx, store, in.PhaseName)
		if err != nil {
			return err
		}
		event.PhaseID = phaseID
		return store.InsertEvent(ctx, event)
	})
	if errors.Is(err, repository.ErrInvalidArgument) {
		s.logger.Warn("telemetry event rejected by store", "client_id", in.ClientID, "event_type", in.EventType, "error", err)
		return 0, invalid("event", "rejected by storage constraints")
	}
	if err != nil {
		s.logger.Error("record telemetry event failed", "client_id", in.ClientID, "event_type", in.EventType, "error", err)
		return 0, &StorageError{Op: "record_event", ID: in.ClientID, Err: err}
	}
	s.logger.Debug("telemetry event recorded", "client_id", in.ClientID, "event_id", event.EventID, "event_type", in.EventType)
	return event.EventID, nil
}

// Column widths of the clients and telemetry_events tables.
const (
	maxClientIDLen   = 255
	maxEventTypeLen  = 100
	maxDeviceNameLen = 255
	maxProfileLen    = 255
	maxPhaseNameLen  = 100
	maxStatusLen     = 50
)

func normalizeInput(in domain.EventInput) (domain.EventInput, error) {
	in.ClientID = strings.TrimSpace(in.ClientID)
	if in.ClientID == "" {
		return in, invalid("client_id", "required")
	}
	in.EventType = strings.TrimSpace(in.EventType)
	if in.EventType == "" {
		return in, invalid("event_type", "required")
	}
	if in.EventTimestamp.IsZero() {
		return in, invalid("event_timestamp", "required")
	}
	in.EventTimestamp = in.EventTimestamp.UTC()
	if p := in.ProgressPercentage; p != nil && (*p < 0 || *p > 100) {
		return in, invalid("progress_percentage", "must be between 0 and 100")
	}
	if d := in.DurationSeconds; d != nil && *d < 0 {
		return in, invalid("duration_seconds", "must not be negative")
	}
	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return in, err
	}
	in.Metadata = metadata
	in.DeviceName = trimmed(in.DeviceName)
	in.DeploymentProfile = trimmed(in.DeploymentProfile)
	in.PhaseName = trimmed(in.PhaseName)
	in.Status = trimmed(in.Status)
	if err := checkLengths(in); err != nil {
		return in, err
	}
	if in.ErrorMessage != nil && strings.TrimSpace(*in.ErrorMessage) == "" {
		in.ErrorMessage = nil
	}
	return in, nil
}

func checkLengths(in domain.EventInput) error {
	fields := []struct {
		name  string
		value *string
		max   int
	}{
		{"client_id", &in.ClientID, maxClientIDLen},
		{"event_type", &in.EventType, maxEventTypeLen},
		{"device_name", in.DeviceName, maxDeviceNameLen},
		{"deployment_profile", in.DeploymentProfile, maxProfileLen},
		{"phase_name", in.PhaseName, maxPhaseNameLen},
		{"status", in.Status, maxStatusLen},
	}
	for _, f := range fields {
		if f.value != nil && utf8.RuneCountInString(*f.value) > f.max {
			return invalid(f.name, fmt.Sprintf("must be at most %d characters", f.max))
		}
	}
	return nil
}

// normalizeMetadata accepts an absent value, JSON null or a JSON object.
func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, invalid("metadata", "must be a JSON object")
	}
	return append(json.RawMessage(nil), raw...), nil
}
