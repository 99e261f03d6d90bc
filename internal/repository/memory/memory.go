// Package memory keeps the telemetry store in process. It mirrors the
// postgres repository's semantics and is meant for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

var emptyMetadata = []byte("{}")

// Store is an in-memory repository.Store.
type Store struct {
	mu          sync.RWMutex
	clients     map[string]domain.Client
	phases      []domain.DeploymentPhase
	events      []domain.TelemetryEvent
	nextEventID int64
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// DefaultPhases returns the seeded deployment phase catalog.
func DefaultPhases() []domain.DeploymentPhase {
	type seed struct {
		name, description string
	}
	seeds := []seed{
		{"Device Preparation", "Initial device setup and preparation"},
		{"Device Setup", "Core device configuration"},
		{"Account Setup", "User account configuration"},
		{"Apps Installation", "Application deployment"},
		{"Policies Application", "Security and configuration policies"},
		{"Completion", "Final deployment stage"},
	}
	phases := make([]domain.DeploymentPhase, len(seeds))
	for i, s := range seeds {
		description := s.description
		phases[i] = domain.DeploymentPhase{
			PhaseID:     i + 1,
			PhaseName:   s.name,
			PhaseOrder:  i + 1,
			Description: &description,
		}
	}
	return phases
}

// New returns a Store seeded with DefaultPhases.
func New() *Store {
	return NewWithPhases(DefaultPhases())
}

// NewWithPhases returns a Store with the given phase catalog.
func NewWithPhases(phases []domain.DeploymentPhase) *Store {
	return &Store{
		clients: make(map[string]domain.Client),
		phases:  append([]domain.DeploymentPhase(nil), phases...),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for server-assigned timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// InTx runs fn under the store lock and restores the prior state if fn fails.
func (s *Store) InTx(ctx context.Context, fn func(repository.IngestStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := make(map[string]domain.Client, len(s.clients))
	for id, c := range s.clients {
		clients[id] = c
	}
	eventCount := len(s.events)
	nextID := s.nextEventID

	if err := fn(lockedStore{s: s}); err != nil {
		s.clients = clients
		s.events = s.events[:eventCount]
		s.nextEventID = nextID
		return err
	}
	return nil
}

// lockedStore exposes ingestion operations to InTx while the lock is held.
type lockedStore struct {
	s *Store
}

func (l lockedStore) UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error {
	return l.s.upsertLocked(upsert)
}

func (l lockedStore) FindPhaseIDByName(ctx context.Context, name string) (int, error) {
	return l.s.findPhaseLocked(name)
}

func (l lockedStore) InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	return l.s.insertLocked(event)
}

// UpsertClient inserts a client or merges supplied fields.
func (s *Store) UpsertClient(ctx context.Context, upsert domain.ClientUpsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(upsert)
}

// FindPhaseIDByName looks up a phase by exact name.
func (s *Store) FindPhaseIDByName(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPhaseLocked(name)
}

// InsertEvent appends an event.
func (s *Store) InsertEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(event)
}

func (s *Store) upsertLocked(upsert domain.ClientUpsert) error {
	if strings.TrimSpace(upsert.ClientID) == "" {
		return repository.ErrInvalidArgument
	}
	now := s.now().UTC()
	observed := upsert.ObservedAt.UTC()
	device := nonBlank(upsert.DeviceName)
	profile := nonBlank(upsert.DeploymentProfile)
	status := nonBlank(upsert.Status)

	existing, ok := s.clients[upsert.ClientID]
	if !ok {
		c := domain.Client{
			ClientID:          upsert.ClientID,
			DeviceName:        device,
			DeploymentProfile: profile,
			Status:            domain.ClientStatusPending,
			EnrolledAt:        observed,
			LastSeen:          observed,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if status != nil {
			c.Status = *status
		}
		s.clients[c.ClientID] = c
		return nil
	}
	if device != nil {
		existing.DeviceName = device
	}
	if profile != nil {
		existing.DeploymentProfile = profile
	}
	if status != nil {
		existing.Status = *status
	}
	if observed.After(existing.LastSeen) {
		existing.LastSeen = observed
	}
	existing.UpdatedAt = now
	s.clients[existing.ClientID] = existing
	return nil
}

func (s *Store) findPhaseLocked(name string) (int, error) {
	for _, p := range s.phases {
		if p.PhaseName == name {
			return p.PhaseID, nil
		}
	}
	return 0, repository.ErrNotFound
}

func (s *Store) insertLocked(event *domain.TelemetryEvent) error {
	if event == nil {
		return errors.New("telemetry event required")
	}
	if _, ok := s.clients[event.ClientID]; !ok {
		return repository.ErrNotFound
	}
	if event.PhaseID != nil && !s.hasPhase(*event.PhaseID) {
		return repository.ErrNotFound
	}
	s.nextEventID++
	stored := *event
	stored.EventID = s.nextEventID
	stored.EventTimestamp = event.EventTimestamp.UTC()
	stored.CreatedAt = s.now().UTC()
	stored.PhaseName, stored.PhaseOrder, stored.DeviceName = nil, nil, nil
	if len(event.Metadata) == 0 {
		stored.Metadata = append([]byte(nil), emptyMetadata...)
	} else {
		stored.Metadata = append([]byte(nil), event.Metadata...)
	}
	s.events = append(s.events, stored)

	event.EventID = stored.EventID
	event.CreatedAt = stored.CreatedAt
	return nil
}

func (s *Store) hasPhase(id int) bool {
	for _, p := range s.phases {
		if p.PhaseID == id {
			return true
		}
	}
	return false
}

// GetClient fetches a client by identifier.
func (s *Store) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// ListClients returns clients, most recently active first.
func (s *Store) ListClients(ctx context.Context, status string, limit, offset int) ([]domain.Client, error) {
	s.mu.RLock()
	matched := s.clientsWithStatus(strings.TrimSpace(status))
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeen.Equal(matched[j].LastSeen) {
			return matched[i].LastSeen.After(matched[j].LastSeen)
		}
		return matched[i].ClientID < matched[j].ClientID
	})
	return paginate(matched, limit, offset), nil
}

// CountClients counts clients matching the ListClients predicate.
func (s *Store) CountClients(ctx context.Context, status string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.clientsWithStatus(strings.TrimSpace(status)))), nil
}

func (s *Store) clientsWithStatus(status string) []domain.Client {
	matched := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if status != "" && c.Status != status {
			continue
		}
		matched = append(matched, c)
	}
	return matched
}

// ListPhases returns the phase catalog in phase order.
func (s *Store) ListPhases(ctx context.Context) ([]domain.DeploymentPhase, error) {
	s.mu.RLock()
	phases := append([]domain.DeploymentPhase(nil), s.phases...)
	s.mu.RUnlock()
	sort.SliceStable(phases, func(i, j int) bool {
		if phases[i].PhaseOrder != phases[j].PhaseOrder {
			return phases[i].PhaseOrder < phases[j].PhaseOrder
		}
		return phases[i].PhaseID < phases[j].PhaseID
	})
	return phases, nil
}

// QueryEvents returns events matching every supplied filter.
func (s *Store) QueryEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.TelemetryEvent, error) {
	return paginate(s.matchEvents(filter), limit, offset), nil
}

// ListClientEvents returns the complete event history of a client.
func (s *Store) ListClientEvents(ctx context.Context, clientID string) ([]domain.TelemetryEvent, error) {
	return s.matchEvents(domain.EventFilter{ClientID: &clientID}), nil
}

func (s *Store) matchEvents(filter domain.EventFilter) []domain.TelemetryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.TelemetryEvent, 0)
	for _, stored := range s.events {
		e := s.joined(stored)
		if !matches(filter, e) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].EventTimestamp.Equal(matched[j].EventTimestamp) {
			return matched[i].EventTimestamp.After(matched[j].EventTimestamp)
		}
		return matched[i].EventID < matched[j].EventID
	})
	return matched
}

func (s *Store) joined(stored domain.TelemetryEvent) domain.TelemetryEvent {
	e := stored
	e.Metadata = append([]byte(nil), stored.Metadata...)
	if stored.PhaseID != nil {
		for _, p := range s.phases {
			if p.PhaseID == *stored.PhaseID {
				name, order := p.PhaseName, p.PhaseOrder
				e.PhaseName, e.PhaseOrder = &name, &order
				break
			}
		}
	}
	if c, ok := s.clients[stored.ClientID]; ok && c.DeviceName != nil {
		device := *c.DeviceName
		e.DeviceName = &device
	}
	return e
}

func matches(filter domain.EventFilter, e domain.TelemetryEvent) bool {
	if filter.ClientID != nil && e.ClientID != *filter.ClientID {
		return false
	}
	if filter.PhaseName != nil && (e.PhaseName == nil || *e.PhaseName != *filter.PhaseName) {
		return false
	}
	if filter.Status != nil && (e.Status == nil || *e.Status != *filter.Status) {
		return false
	}
	if filter.From != nil && e.EventTimestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && e.EventTimestamp.After(*filter.To) {
		return false
	}
	return true
}

// CountClientsByStatus groups clients by their current status.
func (s *Store) CountClientsByStatus(ctx context.Context) ([]domain.StatusCount, error) {
	s.mu.RLock()
	byStatus := make(map[string]int64)
	for _, c := range s.clients {
		byStatus[c.Status]++
	}
	s.mu.RUnlock()

	counts := make([]domain.StatusCount, 0, len(byStatus))
	for status, n := range byStatus {
		counts = append(counts, domain.StatusCount{Status: status, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })
	return counts, nil
}

// CountClientsSeenSince counts clients whose last_seen is strictly after since.
func (s *Store) CountClientsSeenSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.clients {
		if c.LastSeen.After(since) {
			n++
		}
	}
	return n, nil
}

// AverageCompletedDuration returns the mean enrolment-to-last-seen span of
// completed clients in seconds, or nil when there are none.
func (s *Store) AverageCompletedDuration(ctx context.Context) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		sum float64
		n   int
	)
	for _, c := range s.clients {
		if c.Status != domain.ClientStatusCompleted {
			continue
		}
		sum += c.LastSeen.Sub(c.EnrolledAt).Seconds()
		n++
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 || offset < 0 || offset >= len(items) {
		return make([]T, 0)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return append(make([]T, 0, end-offset), items[offset:end]...)
}

func nonBlank(v *string) *string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	value := *v
	return &value
}
