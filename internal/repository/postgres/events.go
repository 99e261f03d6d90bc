package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
)

const eventSelect = `SELECT
		te.event_id,
		te.client_id,
		te.phase_id,
		dp.phase_name,
		dp.phase_order,
		c.device_name,
		te.event_type,
		te.event_timestamp,
		te.progress_percentage,
		te.status,
		te.duration_seconds,
		te.error_message,
		te.metadata,
		te.created_at
	FROM telemetry_events te
	LEFT JOIN deployment_phases dp ON dp.phase_id = te.phase_id
	LEFT JOIN clients c ON c.client_id = te.client_id`

// Newest first; equal timestamps fall back to insertion order.
const eventOrder = ` ORDER BY te.event_timestamp DESC, te.event_id ASC`

// predicate accumulates AND-ed conditions with positional arguments.
type predicate struct {
	clauses []string
	args    []any
}

// add appends a condition; format receives the placeholder index.
func (p *predicate) add(format string, value any) {
	p.args = append(p.args, value)
	p.clauses = append(p.clauses, fmt.Sprintf(format, len(p.args)))
}

func (p *predicate) where() string {
	if len(p.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.clauses, " AND ")
}

func eventPredicate(filter domain.EventFilter) predicate {
	var p predicate
	if filter.ClientID != nil {
		p.add("te.client_id = $%d", *filter.ClientID)
	}
	if filter.PhaseName != nil {
		p.add("dp.phase_name = $%d", *filter.PhaseName)
	}
	if filter.Status != nil {
		p.add("te.status = $%d", *filter.Status)
	}
	if filter.From != nil {
		p.add("te.event_timestamp >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		p.add("te.event_timestamp <= $%d", filter.To.UTC())
	}
	return p
}

// QueryEvents returns events matching every supplied filter.
func (r *Repository) QueryEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.TelemetryEvent, error) {
	p := eventPredicate(filter)
	query := eventSelect + p.where() + eventOrder +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(p.args)+1, len(p.args)+2)
	args := append(p.args, limit, offset)
	return r.queryEvents(ctx, query, args...)
}

// ListClientEvents returns the complete event history of a client.
func (r *Repository) ListClientEvents(ctx context.Context, clientID string) ([]domain.TelemetryEvent, error) {
	p := eventPredicate(domain.EventFilter{ClientID: &clientID})
	return r.queryEvents(ctx, eventSelect+p.where()+eventOrder, p.args...)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]domain.TelemetryEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.TelemetryEvent, 0)
	for rows.Next() {
		var (
			e          domain.TelemetryEvent
			phaseID    sql.NullInt32
			phaseName  sql.NullString
			phaseOrder sql.NullInt32
			deviceName sql.NullString
			progress   sql.NullInt32
			status     sql.NullString
			duration   sql.NullInt32
			errMessage sql.NullString
			metadata   []byte
		)
		if err := rows.Scan(
			&e.EventID,
			&e.ClientID,
			&phaseID,
			&phaseName,
			&phaseOrder,
			&deviceName,
			&e.EventType,
			&e.EventTimestamp,
			&progress,
			&status,
			&duration,
			&errMessage,
			&metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.PhaseID = nullInt32Ptr(phaseID)
		e.PhaseName = nullStringPtr(phaseName)
		e.PhaseOrder = nullInt32Ptr(phaseOrder)
		e.DeviceName = nullStringPtr(deviceName)
		e.ProgressPercentage = nullInt32Ptr(progress)
		e.Status = nullStringPtr(status)
		e.DurationSeconds = nullInt32Ptr(duration)
		e.ErrorMessage = nullStringPtr(errMessage)
		if len(metadata) > 0 {
			e.Metadata = append([]byte(nil), metadata...)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
