// Package telemetry records deployment telemetry and answers queries over
// clients, events and fleet statistics.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

const (
	defaultPageSize    = 100
	defaultMaxPageSize = 1000
	healthTimeout      = 2 * time.Second
)

// Service is the core of the telemetry API. It holds no mutable state of its
// own; the store is the only thing shared between requests.
type Service struct {
	store       repository.Store
	logger      *slog.Logger
	now         func() time.Time
	maxPageSize int
}

// New constructs a Service. maxPageSize <= 0 selects the default cap.
func New(store repository.Store, logger *slog.Logger, maxPageSize int) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxPageSize <= 0 {
		maxPageSize = defaultMaxPageSize
	}
	return &Service{
		store:       store,
		logger:      logger.With("component", "telemetry"),
		now:         time.Now,
		maxPageSize: maxPageSize,
	}
}

// MaxPageSize reports the configured listing cap.
func (s *Service) MaxPageSize() int {
	return s.maxPageSize
}

// Healthy pings the store.
func (s *Service) Healthy(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("telemetry service not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return s.store.Ping(ctx)
}
