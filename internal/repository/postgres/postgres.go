package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

// querier is the statement surface shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool Pool
}

// New constructs a Repository.
func New(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Store       = (*Repository)(nil)
	_ repository.IngestStore = (*txStore)(nil)
)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InTx runs fn inside a database transaction, committing only when fn succeeds.
func (r *Repository) InTx(ctx context.Context, fn func(repository.IngestStore) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// txStore scopes ingestion statements to one transaction.
type txStore struct {
	q querier
}

func (s *txStore) UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error {
	return upsertClient(ctx, s.q, upsert)
}

func (s *txStore) FindPhaseIDByName(ctx context.Context, name string) (int, error) {
	return findPhaseIDByName(ctx, s.q, name)
}

func (s *txStore) InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	return insertEvent(ctx, s.q, event)
}

// UpsertClient inserts a client or merges supplied fields into the existing row.
func (r *Repository) UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error {
	return upsertClient(ctx, r.pool, upsert)
}

// FindPhaseIDByName looks up a phase by exact name.
func (r *Repository) FindPhaseIDByName(ctx context.Context, name string) (int, error) {
	return findPhaseIDByName(ctx, r.pool, name)
}

// InsertEvent appends a telemetry event outside of a transaction.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	return insertEvent(ctx, r.pool, event)
}

func upsertClient(ctx context.Context, q querier, upsert domain.ClientUpsert) error {
	const query = `INSERT INTO clients (client_id, device_name, deployment_profile, status, enrolled_at, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4::text, 'pending'), $5, $5, NOW(), NOW())
		ON CONFLICT (client_id) DO UPDATE SET
			device_name = COALESCE(EXCLUDED.device_name, clients.device_name),
			deployment_profile = COALESCE(EXCLUDED.deployment_profile, clients.deployment_profile),
			status = COALESCE($4::text, clients.status),
			last_seen = GREATEST(clients.last_seen, EXCLUDED.last_seen),
			updated_at = NOW()`
	_, err := q.Exec(ctx, query,
		upsert.ClientID,
		stringPtrToNil(upsert.DeviceName),
		stringPtrToNil(upsert.DeploymentProfile),
		stringPtrToNil(upsert.Status),
		upsert.ObservedAt.UTC(),
	)
	return mapPgError(err)
}

func findPhaseIDByName(ctx context.Context, q querier, name string) (int, error) {
	const query = `SELECT phase_id FROM deployment_phases WHERE phase_name = $1`
	var id int32
	if err := q.QueryRow(ctx, query, name).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return int(id), nil
}

func insertEvent(ctx context.Context, q querier, event *domain.TelemetryEvent) error {
	if event == nil {
		return fmt.Errorf("telemetry event required")
	}
	const query = `INSERT INTO telemetry_events (
		client_id,
		phase_id,
		event_type,
		event_timestamp,
		progress_percentage,
		status,
		duration_seconds,
		error_message,
		metadata
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9::jsonb, '{}'::jsonb)
	) RETURNING event_id, created_at`
	var (
		id      int64
		created time.Time
	)
	err := q.QueryRow(ctx, query,
		event.ClientID,
		intPtrToNil(event.PhaseID),
		event.EventType,
		event.EventTimestamp.UTC(),
		intPtrToNil(event.ProgressPercentage),
		stringPtrToNil(event.Status),
		intPtrToNil(event.DurationSeconds),
		stringPtrToNil(event.ErrorMessage),
		bytesToNil(event.Metadata),
	).Scan(&id, &created)
	if err != nil {
		return mapPgError(err)
	}
	event.EventID = id
	event.CreatedAt = created
	return nil
}

const clientColumns = `client_id, device_name, deployment_profile, status, enrolled_at, last_seen, created_at, updated_at`

// GetClient fetches a client by identifier.
func (r *Repository) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE client_id = $1`
	c, err := scanClient(r.pool.QueryRow(ctx, query, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListClients returns clients, most recently active first.
func (r *Repository) ListClients(ctx context.Context, status string, limit, offset int) ([]domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients
		WHERE ($1 = '' OR status = $1)
		ORDER BY last_seen DESC, client_id ASC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// CountClients counts clients matching the same predicate as ListClients.
func (r *Repository) CountClients(ctx context.Context, status string) (int64, error) {
	const query = `SELECT COUNT(1) FROM clients WHERE ($1 = '' OR status = $1)`
	var count int64
	if err := r.pool.QueryRow(ctx, query, strings.TrimSpace(status)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanClient(row pgx.Row) (*domain.Client, error) {
	var (
		c       domain.Client
		device  sql.NullString
		profile sql.NullString
	)
	if err := row.Scan(&c.ClientID, &device, &profile, &c.Status, &c.EnrolledAt, &c.LastSeen, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.DeviceName = nullStringPtr(device)
	c.DeploymentProfile = nullStringPtr(profile)
	return &c, nil
}

// ListPhases returns the phase catalog in phase order.
func (r *Repository) ListPhases(ctx context.Context) ([]domain.DeploymentPhase, error) {
	const query = `SELECT phase_id, phase_name, phase_order, description, created_at
		FROM deployment_phases ORDER BY phase_order, phase_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phases := make([]domain.DeploymentPhase, 0)
	for rows.Next() {
		var (
			p           domain.DeploymentPhase
			id, order   int32
			description sql.NullString
		)
		if err := rows.Scan(&id, &p.PhaseName, &order, &description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.PhaseID = int(id)
		p.PhaseOrder = int(order)
		p.Description = nullStringPtr(description)
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// CountClientsByStatus groups clients by their current status.
func (r *Repository) CountClientsByStatus(ctx context.Context) ([]domain.StatusCount, error) {
	const query = `SELECT status, COUNT(1) FROM clients GROUP BY status ORDER BY status`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]domain.StatusCount, 0)
	for rows.Next() {
		var sc domain.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

// CountClientsSeenSince counts clients whose last_seen is strictly after since.
func (r *Repository) CountClientsSeenSince(ctx context.Context, since time.Time) (int64, error) {
	const query = `SELECT COUNT(1) FROM clients WHERE last_seen > $1`
	var count int64
	if err := r.pool.QueryRow(ctx, query, since.UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AverageCompletedDuration returns the mean enrolment-to-last-seen span of
// completed clients in seconds, or nil when there are none.
func (r *Repository) AverageCompletedDuration(ctx context.Context) (*float64, error) {
	const query = `SELECT AVG(EXTRACT(EPOCH FROM (last_seen - enrolled_at)))::float8
		FROM clients WHERE status = $1`
	var avg sql.NullFloat64
	if err := r.pool.QueryRow(ctx, query, domain.ClientStatusCompleted).Scan(&avg); err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	value := avg.Float64
	return &value, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrNotFound, pgErr.ConstraintName)
		case "23514", "22P02", "22001":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

func nullInt32Ptr(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	value := int(v.Int32)
	return &value
}
