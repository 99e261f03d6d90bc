package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository"
)

// ClientList is one page of clients plus the unpaginated total.
type ClientList struct {
	Clients []domain.Client
	Total   int64
	Limit   int
	Offset  int
}

// EventList is one page of events.
type EventList struct {
	Events []domain.TelemetryEvent
	Limit  int
	Offset int
}

// ClientDetail is a client with its complete event history.
type ClientDetail struct {
	Client domain.Client
	Events []domain.TelemetryEvent
}

// NormalizePage applies the default page size, the configured cap and a
// non-negative offset.
func (s *Service) NormalizePage(page domain.Page) domain.Page {
	if page.Limit <= 0 {
		page.Limit = defaultPageSize
	}
	if page.Limit > s.maxPageSize {
		page.Limit = s.maxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

// ListClients returns clients, optionally filtered by status, most recently
// active first.
func (s *Service) ListClients(ctx context.Context, status *string, page domain.Page) (ClientList, error) {
	page = s.NormalizePage(page)
	filter := ""
	if v := trimmed(status); v != nil {
		filter = *v
	}
	clients, err := s.store.ListClients(ctx, filter, page.Limit, page.Offset)
	if err != nil {
		return ClientList{}, &StorageError{Op: "list_clients", Err: err}
	}
	total, err := s.store.CountClients(ctx, filter)
	if err != nil {
		return ClientList{}, &StorageError{Op: "count_clients", Err: err}
	}
	return ClientList{Clients: clients, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// QueryEvents returns events matching every supplied filter.
func (s *Service) QueryEvents(ctx context.Context, filter domain.EventFilter, page domain.Page) (EventList, error) {
	page = s.NormalizePage(page)
	filter.ClientID = trimmed(filter.ClientID)
	filter.PhaseName = trimmed(filter.PhaseName)
	filter.Status = trimmed(filter.Status)
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return EventList{}, invalid("from_date", "must not be after to_date")
	}
	events, err := s.store.QueryEvents(ctx, filter, page.Limit, page.Offset)
	if err != nil {
		return EventList{}, &StorageError{Op: "query_events", Err: err}
	}
	return EventList{Events: events, Limit: page.Limit, Offset: page.Offset}, nil
}

// GetClientDetail returns a client and its complete event history.
func (s *Service) GetClientDetail(ctx context.Context, clientID string) (ClientDetail, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return ClientDetail{}, invalid("client_id", "required")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ClientDetail{}, &NotFoundError{Entity: "client", ID: clientID}
		}
		return ClientDetail{}, &StorageError{Op: "get_client", ID: clientID, Err: err}
	}
	events, err := s.store.ListClientEvents(ctx, clientID)
	if err != nil {
		return ClientDetail{}, &StorageError{Op: "list_client_events", ID: clientID, Err: err}
	}
	return ClientDetail{Client: *client, Events: events}, nil
}
