package httpx

import (
	"encoding/json"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
)

// ingestPayload is the POST /api/telemetry body.
type ingestPayload struct {
	ClientID           string          `json:"client_id"`
	DeviceName         *string         `json:"device_name"`
	DeploymentProfile  *string         `json:"deployment_profile"`
	PhaseName          *string         `json:"phase_name"`
	EventType          string          `json:"event_type"`
	EventTimestamp     string          `json:"event_timestamp"`
	ProgressPercentage *int            `json:"progress_percentage"`
	Status             *string         `json:"status"`
	DurationSeconds    *int            `json:"duration_seconds"`
	ErrorMessage       *string         `json:"error_message"`
	Metadata           json.RawMessage `json:"metadata"`
}

type clientView struct {
	ClientID          string  `json:"client_id"`
	DeviceName        *string `json:"device_name"`
	DeploymentProfile *string `json:"deployment_profile"`
	Status            string  `json:"status"`
	EnrolledAt        string  `json:"enrolled_at"`
	LastSeen          string  `json:"last_seen"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type eventView struct {
	EventID            int64           `json:"event_id"`
	ClientID           string          `json:"client_id"`
	DeviceName         *string         `json:"device_name,omitempty"`
	PhaseID            *int            `json:"phase_id"`
	PhaseName          *string         `json:"phase_name"`
	PhaseOrder         *int            `json:"phase_order"`
	EventType          string          `json:"event_type"`
	EventTimestamp     string          `json:"event_timestamp"`
	ProgressPercentage *int            `json:"progress_percentage"`
	Status             *string         `json:"status"`
	DurationSeconds    *int            `json:"duration_seconds"`
	ErrorMessage       *string         `json:"error_message"`
	Metadata           json.RawMessage `json:"metadata"`
	CreatedAt          string          `json:"created_at"`
}

type phaseView struct {
	PhaseID     int     `json:"phase_id"`
	PhaseName   string  `json:"phase_name"`
	PhaseOrder  int     `json:"phase_order"`
	Description *string `json:"description"`
}

type statusCountView struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type statsView struct {
	TotalClients                int64             `json:"total_clients"`
	ClientsByStatus             []statusCountView `json:"clients_by_status"`
	ActiveLastHour              int64             `json:"active_last_hour"`
	AvgCompletedDurationSeconds *float64          `json:"avg_completed_duration_seconds"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toClientView(c domain.Client) clientView {
	return clientView{
		ClientID:          c.ClientID,
		DeviceName:        c.DeviceName,
		DeploymentProfile: c.DeploymentProfile,
		Status:            c.Status,
		EnrolledAt:        formatTime(c.EnrolledAt),
		LastSeen:          formatTime(c.LastSeen),
		CreatedAt:         formatTime(c.CreatedAt),
		UpdatedAt:         formatTime(c.UpdatedAt),
	}
}

func toClientViews(clients []domain.Client) []clientView {
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, toClientView(c))
	}
	return out
}

// toEventViews shapes events; withDevice controls whether the joined device
// name is included, which only the cross-client query needs.
func toEventViews(events []domain.TelemetryEvent, withDevice bool) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{
			EventID:            e.EventID,
			ClientID:           e.ClientID,
			PhaseID:            e.PhaseID,
			PhaseName:          e.PhaseName,
			PhaseOrder:         e.PhaseOrder,
			EventType:          e.EventType,
			EventTimestamp:     formatTime(e.EventTimestamp),
			ProgressPercentage: e.ProgressPercentage,
			Status:             e.Status,
			DurationSeconds:    e.DurationSeconds,
			ErrorMessage:       e.ErrorMessage,
			Metadata:           e.Metadata,
			CreatedAt:          formatTime(e.CreatedAt),
		}
		if withDevice {
			v.DeviceName = e.DeviceName
		}
		if len(v.Metadata) == 0 {
			v.Metadata = json.RawMessage("{}")
		}
		out = append(out, v)
	}
	return out
}

func toPhaseViews(phases []domain.DeploymentPhase) []phaseView {
	out := make([]phaseView, 0, len(phases))
	for _, p := range phases {
		out = append(out, phaseView{
			PhaseID:     p.PhaseID,
			PhaseName:   p.PhaseName,
			PhaseOrder:  p.PhaseOrder,
			Description: p.Description,
		})
	}
	return out
}

func toStatsView(s domain.Statistics) statsView {
	counts := make([]statusCountView, 0, len(s.ClientsByStatus))
	for _, c := range s.ClientsByStatus {
		counts = append(counts, statusCountView{Status: c.Status, Count: c.Count})
	}
	return statsView{
		TotalClients:                s.TotalClients,
		ClientsByStatus:             counts,
		ActiveLastHour:              s.ActiveLastHour,
		AvgCompletedDurationSeconds: s.AvgCompletedDurationSeconds,
	}
}
