package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/repository/memory"
	"github.com/nimbus/autopilot-telemetry/internal/service/telemetry"
)

const testAPIKey = "s3cret-key"

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	if opts.APIKey == "" {
		opts.APIKey = testAPIKey
	}
	svc := telemetry.New(memory.New(), nil, 0)
	r := NewRouter(nil, svc, nil, opts)
	t.Cleanup(r.Close)
	return r
}

func do(t *testing.T, r *Router, method, target, body string, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.5:41234"
	if withKey {
		req.Header.Set(apiKeyHeader, testAPIKey)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	r := newTestRouter(t, Options{})

	body := `{
		"client_id": "dev-1",
		"device_name": "LAPTOP-1",
		"phase_name": "Apps Installation",
		"event_type": "phase_progress",
		"event_timestamp": "2024-05-01T10:00:00Z",
		"progress_percentage": 50,
		"status": "in_progress",
		"metadata": {"app": "office"}
	}`
	rec := do(t, r, http.MethodPost, "/api/telemetry", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp["success"] != true || resp["message"] != "Telemetry data received" {
		t.Fatalf("unexpected ingest response %v", resp)
	}
	if id, ok := resp["event_id"].(float64); !ok || id < 1 {
		t.Fatalf("expected event id, got %v", resp["event_id"])
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	rec = do(t, r, http.MethodGet, "/api/telemetry?client_id=dev-1&phase_name=Apps+Installation&limit=5000", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp = decode(t, rec)
	events := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0].(map[string]any)
	if event["phase_name"] != "Apps Installation" || event["device_name"] != "LAPTOP-1" {
		t.Fatalf("expected joined fields, got %v", event)
	}
	if event["event_timestamp"] != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected timestamp %v", event["event_timestamp"])
	}
	if meta := event["metadata"].(map[string]any); meta["app"] != "office" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if resp["limit"] != float64(1000) || resp["offset"] != float64(0) {
		t.Fatalf("expected normalized page echoed, got %v/%v", resp["limit"], resp["offset"])
	}
}

func TestIngestValidationErrors(t *testing.T) {
	r := newTestRouter(t, Options{})
	cases := []struct {
		name, body, want string
		code             int
	}{
		{"empty body", ``, "no data provided", http.StatusBadRequest},
		{"bad json", `{"client_id":`, "invalid JSON body", http.StatusBadRequest},
		{"missing client", `{"event_type":"x","event_timestamp":"2024-05-01T10:00:00Z"}`, "client_id", http.StatusBadRequest},
		{"missing type", `{"client_id":"a","event_timestamp":"2024-05-01T10:00:00Z"}`, "event_type", http.StatusBadRequest},
		{"missing timestamp", `{"client_id":"a","event_type":"x"}`, "event_timestamp", http.StatusBadRequest},
		{"bad timestamp", `{"client_id":"a","event_type":"x","event_timestamp":"yesterday"}`, "event_timestamp", http.StatusBadRequest},
		{"bad timestamp reports client first", `{"event_type":"x","event_timestamp":"yesterday"}`, "client_id", http.StatusBadRequest},
		{"progress", `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z","progress_percentage":120}`, "progress_percentage", http.StatusBadRequest},
		{"long status", `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z","status":"` + strings.Repeat("s", 60) + `"}`, "status: must be at most 50 characters", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/telemetry", tc.body, true)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
			if msg, _ := decode(t, rec)["error"].(string); !strings.Contains(msg, tc.want) {
				t.Fatalf("expected error mentioning %q, got %q", tc.want, msg)
			}
		})
	}

	rec := do(t, r, http.MethodGet, "/api/clients", "", true)
	if total := decode(t, rec)["total"]; total != float64(0) {
		t.Fatalf("expected no clients after rejected submissions, got %v", total)
	}
}

func TestIngestBodyTooLarge(t *testing.T) {
	r := newTestRouter(t, Options{})
	huge := `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z","metadata":{"blob":"` +
		strings.Repeat("a", maxIngestBodyBytes) + `"}}`
	rec := do(t, r, http.MethodPost, "/api/telemetry", huge, true)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	r := newTestRouter(t, Options{})
	for _, target := range []string{"/api/telemetry", "/api/clients", "/api/clients/dev-1", "/api/deployment-phases", "/api/stats"} {
		rec := do(t, r, http.MethodGet, target, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(apiKeyHeader, "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to be open, got %d", rec.Code)
	}
}

func TestClientsListAndDetail(t *testing.T) {
	r := newTestRouter(t, Options{})
	for i, ts := range []string{"2024-05-01T10:00:00Z", "2024-05-01T11:00:00Z"} {
		body := `{"client_id":"dev-1","device_name":"NAME-` + string(rune('A'+i)) + `","event_type":"progress","event_timestamp":"` + ts + `","status":"in_progress"}`
		if rec := do(t, r, http.MethodPost, "/api/telemetry", body, true); rec.Code != http.StatusCreated {
			t.Fatalf("ingest %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, r, http.MethodGet, "/api/clients?status=in_progress&limit=-3&offset=-1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["total"] != float64(1) || resp["limit"] != float64(100) || resp["offset"] != float64(0) {
		t.Fatalf("unexpected list envelope %v", resp)
	}
	client := resp["clients"].([]any)[0].(map[string]any)
	if client["device_name"] != "NAME-B" || client["enrolled_at"] != "2024-05-01T10:00:00Z" || client["last_seen"] != "2024-05-01T11:00:00Z" {
		t.Fatalf("unexpected client %v", client)
	}

	rec = do(t, r, http.MethodGet, "/api/clients/dev-1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp = decode(t, rec)
	events := resp["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if _, ok := events[0].(map[string]any)["device_name"]; ok {
		t.Fatalf("detail events should not repeat device name")
	}

	rec = do(t, r, http.MethodGet, "/api/clients/ghost", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueryParamErrors(t *testing.T) {
	r := newTestRouter(t, Options{})
	cases := map[string]string{
		"/api/telemetry?limit=ten":                                                   "limit",
		"/api/telemetry?offset=1.5":                                                  "offset",
		"/api/telemetry?from_date=tomorrow":                                          "from_date",
		"/api/telemetry?to_date=soon":                                                "to_date",
		"/api/telemetry?from_date=2024-05-02T00:00:00Z&to_date=2024-05-01T00:00:00Z": "from_date",
		"/api/clients?limit=x":                                                       "limit",
	}
	for target, want := range cases {
		rec := do(t, r, http.MethodGet, target, "", true)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
		if msg, _ := decode(t, rec)["error"].(string); !strings.Contains(msg, want) {
			t.Fatalf("%s: expected error mentioning %q, got %q", target, want, msg)
		}
	}
}

func TestPhasesAndStats(t *testing.T) {
	r := newTestRouter(t, Options{})
	rec := do(t, r, http.MethodGet, "/api/deployment-phases", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	phases := decode(t, rec)["phases"].([]any)
	if len(phases) != 6 {
		t.Fatalf("expected 6 phases, got %d", len(phases))
	}

	rec = do(t, r, http.MethodGet, "/api/stats", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decode(t, rec)
	if v, ok := stats["avg_completed_duration_seconds"]; !ok || v != nil {
		t.Fatalf("expected explicit null average, got %v (present=%v)", v, ok)
	}
	if stats["total_clients"] != float64(0) {
		t.Fatalf("expected 0 clients, got %v", stats["total_clients"])
	}
	if _, ok := stats["clients_by_status"].([]any); !ok {
		t.Fatalf("expected clients_by_status array, got %v", stats["clients_by_status"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r := newTestRouter(t, Options{})
	rec := do(t, r, http.MethodDelete, "/api/telemetry", "", true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/api/stats", "", true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	r := newTestRouter(t, Options{IngestPerMinute: 2})
	body := `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z"}`
	for i := 0; i < 2; i++ {
		rec := do(t, r, http.MethodPost, "/api/telemetry", body, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("expected rate limit header, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
	rec := do(t, r, http.MethodPost, "/api/telemetry", body, true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected 0 remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Reads draw from a separate budget.
	rec = do(t, r, http.MethodGet, "/api/telemetry", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reads unaffected, got %d", rec.Code)
	}
}

func TestIngestRateLimitIgnoresForwardedFor(t *testing.T) {
	r := newTestRouter(t, Options{IngestPerMinute: 1})
	body := `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z"}`
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/telemetry", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.5:41234"
		req.Header.Set(apiKeyHeader, testAPIKey)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		want := http.StatusTooManyRequests
		if i == 0 {
			want = http.StatusCreated
		}
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

// brokenService fails every storage-backed call.
type brokenService struct {
	*telemetry.Service
}

var errDatabaseDown = errors.New(`pq: password authentication failed for user "telemetry"`)

func (brokenService) RecordEvent(context.Context, domain.EventInput) (int64, error) {
	return 0, &telemetry.StorageError{Op: "record_event", ID: "a", Err: errDatabaseDown}
}

func (brokenService) ComputeStatistics(context.Context) (domain.Statistics, error) {
	return domain.Statistics{}, &telemetry.StorageError{Op: "count_clients", Err: errDatabaseDown}
}

func (brokenService) Healthy(context.Context) error { return errDatabaseDown }

func TestStorageFailuresAreOpaque(t *testing.T) {
	r := NewRouter(nil, brokenService{Service: telemetry.New(memory.New(), nil, 0)}, nil, Options{APIKey: testAPIKey})
	t.Cleanup(r.Close)

	body := `{"client_id":"a","event_type":"x","event_timestamp":"2024-05-01T10:00:00Z"}`
	for _, tc := range []struct{ method, target, body string }{
		{http.MethodPost, "/api/telemetry", body},
		{http.MethodGet, "/api/stats", ""},
	} {
		rec := do(t, r, tc.method, tc.target, tc.body, true)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", tc.target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "password") {
			t.Fatalf("%s: storage detail leaked: %s", tc.target, rec.Body.String())
		}
	}

	rec := do(t, r, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["status"] != "unhealthy" || resp["database"] != "disconnected" {
		t.Fatalf("unexpected health payload %v", resp)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("password")) {
		t.Fatalf("health leaked error text: %s", rec.Body.String())
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2024-05-01T10:00:00Z", "2024-05-01T12:00:00+02:00", "2024-05-01T10:00:00", "2024-05-01 10:00:00"} {
		got, err := parseTimestamp(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	if _, err := parseTimestamp("01/05/2024"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}
