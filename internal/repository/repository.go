package repository

import (
	"context"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
)

// ClientRepository persists deployment clients. List methods apply limit
// and offset as given; page defaults belong to the caller.
type ClientRepository interface {
	UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error
	GetClient(ctx context.Context, clientID string) (*domain.Client, error)
	ListClients(ctx context.Context, status string, limit, offset int) ([]domain.Client, error)
	CountClients(ctx context.Context, status string) (int64, error)
}

// PhaseRepository reads the deployment phase catalog.
type PhaseRepository interface {
	FindPhaseIDByName(ctx context.Context, name string) (int, error)
	ListPhases(ctx context.Context) ([]domain.DeploymentPhase, error)
}

// EventRepository appends and reads telemetry events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error
	QueryEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.TelemetryEvent, error)
	ListClientEvents(ctx context.Context, clientID string) ([]domain.TelemetryEvent, error)
}

// StatsRepository answers aggregate questions over current client state.
type StatsRepository interface {
	CountClientsByStatus(ctx context.Context) ([]domain.StatusCount, error)
	CountClientsSeenSince(ctx context.Context, since time.Time) (int64, error)
	AverageCompletedDuration(ctx context.Context) (*float64, error)
}

// IngestStore is the subset of the store available inside an ingestion transaction.
type IngestStore interface {
	UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error
	FindPhaseIDByName(ctx context.Context, name string) (int, error)
	InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error
}

// Transactor runs fn as a single all-or-nothing unit. When fn returns an
// error nothing it wrote is kept.
type Transactor interface {
	InTx(ctx context.Context, fn func(IngestStore) error) error
}

// Store is the full persistence surface used by the telemetry service.
type Store interface {
	ClientRepository
	PhaseRepository
	EventRepository
	StatsRepository
	Transactor
	Ping(ctx context.Context) error
}
