package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

// PhaseFinder resolves phase names.
type PhaseFinder interface {
	FindPhaseIDByName(ctx context.Context, name string) (int, error)
}

// ResolvePhase maps a phase name to its id. A blank or unknown name yields
// nil without error; only storage failures are returned.
func (s *Service) ResolvePhase(ctx context.Context, store PhaseFinder, name *string) (*int, error) {
	if name == nil {
		return nil, nil
	}
	phaseName := strings.TrimSpace(*name)
	if phaseName == "" {
		return nil, nil
	}
	id, err := store.FindPhaseIDByName(ctx, phaseName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("unknown deployment phase", "phase_name", phaseName)
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

// ListPhases returns the phase catalog ordered by phase_order.
func (s *Service) ListPhases(ctx context.Context) ([]domain.DeploymentPhase, error) {
	phases, err := s.store.ListPhases(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list_phases", Err: err}
	}
	return phases, nil
}
