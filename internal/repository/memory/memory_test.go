package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

func strPtr(v string) *string { return &v }

func TestUpsertClientInsertsThenMerges(t *testing.T) {
	ctx := context.Background()
	store := New()
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{
		ClientID:          "dev-1",
		DeviceName:        strPtr("LAPTOP-1"),
		DeploymentProfile: strPtr("Standard"),
		ObservedAt:        first,
	}))
	c, err := store.GetClient(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClientStatusPending, c.Status)
	assert.Equal(t, first, c.EnrolledAt)
	assert.Equal(t, first, c.LastSeen)

	// An older event with no device name keeps the stored name and last_seen.
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{
		ClientID:   "dev-1",
		Status:     strPtr("in_progress"),
		ObservedAt: first.Add(-time.Hour),
	}))
	c, err = store.GetClient(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "LAPTOP-1", *c.DeviceName)
	assert.Equal(t, "Standard", *c.DeploymentProfile)
	assert.Equal(t, "in_progress", c.Status)
	assert.Equal(t, first, c.EnrolledAt)
	assert.Equal(t, first, c.LastSeen)

	later := first.Add(2 * time.Hour)
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{
		ClientID:   "dev-1",
		DeviceName: strPtr("LAPTOP-1B"),
		ObservedAt: later,
	}))
	c, err = store.GetClient(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "LAPTOP-1B", *c.DeviceName)
	assert.Equal(t, "in_progress", c.Status)
	assert.Equal(t, later, c.LastSeen)
	assert.Equal(t, first, c.EnrolledAt)
}

func TestInTxRestoresStateOnError(t *testing.T) {
	ctx := context.Background()
	store := New()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx repository.IngestStore) error {
		require.NoError(t, tx.UpsertClient(ctx, domain.ClientUpsert{ClientID: "dev-1", ObservedAt: ts}))
		require.NoError(t, tx.InsertEvent(ctx, &domain.TelemetryEvent{ClientID: "dev-1", EventType: "start", EventTimestamp: ts}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetClient(ctx, "dev-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	events, err := store.QueryEvents(ctx, domain.EventFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Ids stay sequential after a rolled back unit.
	err = store.InTx(ctx, func(tx repository.IngestStore) error {
		if err := tx.UpsertClient(ctx, domain.ClientUpsert{ClientID: "dev-1", ObservedAt: ts}); err != nil {
			return err
		}
		e := &domain.TelemetryEvent{ClientID: "dev-1", EventType: "start", EventTimestamp: ts}
		if err := tx.InsertEvent(ctx, e); err != nil {
			return err
		}
		assert.Equal(t, int64(1), e.EventID)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertEventRequiresClient(t *testing.T) {
	store := New()
	err := store.InsertEvent(context.Background(), &domain.TelemetryEvent{ClientID: "ghost", EventType: "x", EventTimestamp: time.Now()})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFindPhaseIDByName(t *testing.T) {
	store := New()
	id, err := store.FindPhaseIDByName(context.Background(), "Apps Installation")
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	_, err = store.FindPhaseIDByName(context.Background(), "apps installation")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestQueryEventsOrderingAndJoins(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "dev-1", DeviceName: strPtr("LAPTOP-1"), ObservedAt: base}))

	phase := 6
	insert := func(ts time.Time, status *string, phaseID *int) int64 {
		e := &domain.TelemetryEvent{ClientID: "dev-1", EventType: "progress", EventTimestamp: ts, Status: status, PhaseID: phaseID}
		require.NoError(t, store.InsertEvent(ctx, e))
		return e.EventID
	}
	a := insert(base, nil, nil)
	b := insert(base.Add(time.Minute), strPtr("completed"), &phase)
	c := insert(base, nil, nil)

	events, err := store.QueryEvents(ctx, domain.EventFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{b, a, c}, []int64{events[0].EventID, events[1].EventID, events[2].EventID})
	assert.Equal(t, "Completion", *events[0].PhaseName)
	assert.Equal(t, 6, *events[0].PhaseOrder)
	assert.Equal(t, "LAPTOP-1", *events[0].DeviceName)
	assert.JSONEq(t, `{}`, string(events[1].Metadata))

	events, err = store.QueryEvents(ctx, domain.EventFilter{PhaseName: strPtr("Completion")}, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, b, events[0].EventID)

	events, err = store.QueryEvents(ctx, domain.EventFilter{PhaseName: strPtr("Unknown")}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	from, to := base, base
	events, err = store.QueryEvents(ctx, domain.EventFilter{From: &from, To: &to}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = store.QueryEvents(ctx, domain.EventFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].EventID)

	events, err = store.QueryEvents(ctx, domain.EventFilter{}, 10, 50)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	// Bounds are applied as given.
	events, err = store.QueryEvents(ctx, domain.EventFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = store.QueryEvents(ctx, domain.EventFilter{}, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListClientsOrderingAndCount(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{
			ClientID:   id,
			Status:     strPtr(domain.ClientStatusCompleted),
			ObservedAt: base.Add(time.Duration(i/2) * time.Hour),
		}))
	}
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "d", ObservedAt: base}))

	clients, err := store.ListClients(ctx, "completed", 10, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ClientID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	n, err := store.CountClients(ctx, "completed")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = store.CountClients(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	avg, err := store.AverageCompletedDuration(ctx)
	require.NoError(t, err)
	assert.Nil(t, avg)

	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "a", ObservedAt: base}))
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "a", Status: strPtr("completed"), ObservedAt: base.Add(time.Hour)}))
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "b", ObservedAt: base}))
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "b", Status: strPtr("completed"), ObservedAt: base.Add(2 * time.Hour)}))
	require.NoError(t, store.UpsertClient(ctx, domain.ClientUpsert{ClientID: "c", Status: strPtr("failed"), ObservedAt: base}))

	avg, err = store.AverageCompletedDuration(ctx)
	require.NoError(t, err)
	require.NotNil(t, avg)
	assert.InDelta(t, 5400.0, *avg, 0.001)

	counts, err := store.CountClientsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.StatusCount{{Status: "completed", Count: 2}, {Status: "failed", Count: 1}}, counts)

	seen, err := store.CountClientsSeenSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seen)
}

func TestListPhasesOrdered(t *testing.T) {
	phases, err := New().ListPhases(context.Background())
	require.NoError(t, err)
	require.Len(t, phases, 6)
	for i, p := range phases {
		assert.Equal(t, i+1, p.PhaseOrder)
	}
	assert.Equal(t, "Device Preparation", phases[0].PhaseName)
	assert.Equal(t, "Completion", phases[5].PhaseName)
}
