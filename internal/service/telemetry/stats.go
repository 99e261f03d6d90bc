package telemetry

import (
	"context"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
)

const activeWindow = time.Hour

// ComputeStatistics summarises the fleet as of now. Nothing is cached.
func (s *Service) ComputeStatistics(ctx context.Context) (domain.Statistics, error) {
	var (
		stats domain.Statistics
		err   error
	)
	if stats.TotalClients, err = s.store.CountClients(ctx, ""); err != nil {
		return domain.Statistics{}, &StorageError{Op: "count_clients", Err: err}
	}
	if stats.ClientsByStatus, err = s.store.CountClientsByStatus(ctx); err != nil {
		return domain.Statistics{}, &StorageError{Op: "count_clients_by_status", Err: err}
	}
	since := s.now().UTC().Add(-activeWindow)
	if stats.ActiveLastHour, err = s.store.CountClientsSeenSince(ctx, since); err != nil {
		return domain.Statistics{}, &StorageError{Op: "count_active_clients", Err: err}
	}
	if stats.AvgCompletedDurationSeconds, err = s.store.AverageCompletedDuration(ctx); err != nil {
		return domain.Statistics{}, &StorageError{Op: "average_completed_duration", Err: err}
	}
	if stats.ClientsByStatus == nil {
		stats.ClientsByStatus = []domain.StatusCount{}
	}
	return stats, nil
}
