package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbus/autopilot-telemetry/internal/domain"
	"github.com/nimbus/autopilot-telemetry/internal/service/telemetry"
)

// TelemetryService is the core surface the router exposes over HTTP.
type TelemetryService interface {
	RecordEvent(ctx context.Context, in domain.EventInput) (int64, error)
	QueryEvents(ctx context.Context, filter domain.EventFilter, page domain.Page) (telemetry.EventList, error)
	ListClients(ctx context.Context, status *string, page domain.Page) (telemetry.ClientList, error)
	GetClientDetail(ctx context.Context, clientID string) (telemetry.ClientDetail, error)
	ListPhases(ctx context.Context) ([]domain.DeploymentPhase, error)
	ComputeStatistics(ctx context.Context) (domain.Statistics, error)
	Healthy(ctx context.Context) error
}

// Options tunes authentication and rate limits.
type Options struct {
	APIKey          string
	IngestPerMinute int
	ReadPerMinute   int
}

// Router wires HTTP endpoints to the telemetry service.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	svc         TelemetryService
	limiter     RateLimiter
	apiKey      string
	ingestLimit int
	readLimit   int
	now         func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	ingestResults      *prometheus.CounterVec
}

const (
	rateWindow1m       = time.Minute
	rateGroupIngest    = "ingest"
	rateGroupRead      = "read"
	maxIngestBodyBytes = 1 << 20
	requestIDHeader    = "X-Request-ID"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc TelemetryService, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "http"),
		svc:         svc,
		limiter:     limiter,
		apiKey:      strings.TrimSpace(opts.APIKey),
		ingestLimit: opts.IngestPerMinute,
		readLimit:   opts.ReadPerMinute,
		now:         time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.apiKey == "" {
		r.logger.Warn("api key not configured; endpoints are unauthenticated")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/api/health", r.audit(r.instrument("/api/health", r.handleHealth)))
	r.mux.Handle("/metrics", metricsHandler())
	r.mux.HandleFunc("/api/telemetry", r.audit(r.instrument("/api/telemetry", r.requireAPIKey(r.handleTelemetry))))
	r.mux.HandleFunc("/api/clients", r.audit(r.instrument("/api/clients", r.requireAPIKey(r.readRoute(r.handleClients)))))
	r.mux.HandleFunc("/api/clients/", r.audit(r.instrument("/api/clients/{client_id}", r.requireAPIKey(r.readRoute(r.handleClientDetail)))))
	r.mux.HandleFunc("/api/deployment-phases", r.audit(r.instrument("/api/deployment-phases", r.requireAPIKey(r.readRoute(r.handlePhases)))))
	r.mux.HandleFunc("/api/stats", r.audit(r.instrument("/api/stats", r.requireAPIKey(r.readRoute(r.handleStats)))))
}

func (r *Router) readRoute(next http.HandlerFunc) http.HandlerFunc {
	return r.withRateLimit(rateGroupRead, r.readLimit, next)
}

func (r *Router) handleTelemetry(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit(rateGroupIngest, r.ingestLimit, r.handleIngest)(w, req)
	case http.MethodGet:
		r.readRoute(r.handleQueryEvents)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	var payload ingestPayload
	body := http.MaxBytesReader(w, req.Body, maxIngestBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		r.recordIngest(ingestRejected)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "no data provided")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	in := domain.EventInput{
		ClientID:           payload.ClientID,
		DeviceName:         payload.DeviceName,
		DeploymentProfile:  payload.DeploymentProfile,
		PhaseName:          payload.PhaseName,
		EventType:          payload.EventType,
		ProgressPercentage: payload.ProgressPercentage,
		Status:             payload.Status,
		DurationSeconds:    payload.DurationSeconds,
		ErrorMessage:       payload.ErrorMessage,
		Metadata:           payload.Metadata,
	}
	if raw := strings.TrimSpace(payload.EventTimestamp); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil && strings.TrimSpace(payload.ClientID) != "" && strings.TrimSpace(payload.EventType) != "" {
			r.recordIngest(ingestRejected)
			writeError(w, http.StatusBadRequest, "invalid event_timestamp: expected RFC 3339")
			return
		}
		in.EventTimestamp = ts
	}

	id, err := r.svc.RecordEvent(req.Context(), in)
	if err != nil {
		var verr *telemetry.ValidationError
		if errors.As(err, &verr) {
			r.recordIngest(ingestRejected)
		} else {
			r.recordIngest(ingestFailed)
		}
		r.writeServiceError(w, req, err)
		return
	}
	r.recordIngest(ingestAccepted)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"message":  "Telemetry data received",
		"event_id": id,
	})
}

func (r *Router) handleQueryEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	page, ok := parsePage(w, q)
	if !ok {
		return
	}
	filter := domain.EventFilter{
		ClientID:  optionalParam(q, "client_id"),
		PhaseName: optionalParam(q, "phase_name"),
		Status:    optionalParam(q, "status"),
	}
	var err error
	if filter.From, err = optionalTimeParam(q, "from_date"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from_date: expected RFC 3339")
		return
	}
	if filter.To, err = optionalTimeParam(q, "to_date"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to_date: expected RFC 3339")
		return
	}
	list, err := r.svc.QueryEvents(req.Context(), filter, page)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": toEventViews(list.Events, true),
		"limit":  list.Limit,
		"offset": list.Offset,
	})
}

func (r *Router) handleClients(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	page, ok := parsePage(w, q)
	if !ok {
		return
	}
	list, err := r.svc.ListClients(req.Context(), optionalParam(q, "status"), page)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": toClientViews(list.Clients),
		"total":   list.Total,
		"limit":   list.Limit,
		"offset":  list.Offset,
	})
}

func (r *Router) handleClientDetail(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	clientID := strings.TrimPrefix(req.URL.Path, "/api/clients/")
	if strings.TrimSpace(clientID) == "" || strings.Contains(clientID, "/") {
		r.notFound(w)
		return
	}
	detail, err := r.svc.GetClientDetail(req.Context(), clientID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client": toClientView(detail.Client),
		"events": toEventViews(detail.Events, false),
	})
}

func (r *Router) handlePhases(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	phases, err := r.svc.ListPhases(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phases": toPhaseViews(phases)})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.svc.ComputeStatistics(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsView(stats))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, database, code := "healthy", "connected", http.StatusOK
	if err := r.svc.Healthy(req.Context()); err != nil {
		r.logger.Error("health check failed", "error", err)
		status, database, code = "unhealthy", "disconnected", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"database":  database,
		"timestamp": r.now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		actor := "anonymous"
		if a, ok := actorFromContext(ctx); ok {
			actor = a
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// parsePage reads limit and offset; normalization happens in the service.
func parsePage(w http.ResponseWriter, q url.Values) (domain.Page, bool) {
	var page domain.Page
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name+": expected integer")
			return domain.Page{}, false
		}
		*p.dst = v
	}
	return page, true
}

func optionalParam(q url.Values, name string) *string {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil
	}
	return &v
}

func optionalTimeParam(q url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Accepted layouts, tried in order. Zoneless values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
