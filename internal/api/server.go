// Package api exposes the HTTP surface of the detection engine: event
// intake, alert queries and lifecycle updates, CSV export, statistics and
// long-poll update streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/aggregate"
	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/config"
	"lolbin-sentinel/internal/export"
	"lolbin-sentinel/internal/metrics"
	"lolbin-sentinel/internal/pipeline"
	"lolbin-sentinel/internal/queue"
	"lolbin-sentinel/internal/rules"
	"lolbin-sentinel/internal/schema"
	"lolbin-sentinel/internal/stream"
)

const (
	maxPayloadBytes  = 10 * 1024 * 1024
	maxBatchEvents   = 1000
	defaultListLimit = 100
	maxListLimit     = 1000

	defaultExportDays = 7
)

// Server wires the engine components behind HTTP handlers.
type Server struct {
	cfg        *config.Config
	pipeline   *pipeline.Pipeline
	store      alertstore.Store
	hub        *stream.Hub
	aggregator *aggregate.Aggregator
	dispatcher statsReporter
	metrics    *metrics.Metrics
	limiter    *rateLimiter
	logger     *slog.Logger
	startTime  time.Time

	reloadRules func() (int, error)
}

// statsReporter is the slice of the dispatcher the stats endpoint needs.
type statsReporter interface {
	Stats() map[string]interface{}
}

// New creates a Server over the given components.
func New(cfg *config.Config, p *pipeline.Pipeline, store alertstore.Store, hub *stream.Hub,
	agg *aggregate.Aggregator, dispatcher statsReporter, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		pipeline:   p,
		store:      store,
		hub:        hub,
		aggregator: agg,
		dispatcher: dispatcher,
		metrics:    m,
		limiter:    newRateLimiter(cfg.RateLimit, logger),
		logger:     logger,
		startTime:  time.Now(),
	}
}

// OnRulesReload installs the callback behind PUT /v1/rules/reload. It
// returns the size of the catalog after a successful reload.
func (s *Server) OnRulesReload(fn func() (int, error)) {
	s.reloadRules = fn
}

// Handler returns the fully wired HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /v1/alerts/export", s.handleExport)
	mux.HandleFunc("GET /v1/alerts/updates", s.handleUpdates)
	mux.HandleFunc("GET /v1/alerts/{id}", s.handleGetAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/status", s.handleSetStatus)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("PUT /v1/rules/reload", s.handleRulesReload)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	h = authMiddleware(s.cfg.Auth, h)
	h = s.limiter.middleware(h)
	return h
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.limiter.stop()
}

// ingestRequest is the POST /v1/events body.
type ingestRequest struct {
	Events []*schema.Event `json:"events"`
}

// ingestResponse reports per-batch intake results.
type ingestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large", "")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body", err.Error())
		return
	}

	if len(req.Events) == 0 {
		writeJSONError(w, http.StatusBadRequest, "EMPTY_BATCH", "no events provided", "")
		return
	}
	if len(req.Events) > maxBatchEvents {
		writeJSONError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("batch size exceeds maximum of %d", maxBatchEvents), "")
		return
	}

	var accepted, rejected int
	var errs []string
	for i, event := range req.Events {
		if event == nil {
			rejected++
			errs = append(errs, fmt.Sprintf("event[%d]: null event", i))
			continue
		}
		if event.EventID == uuid.Nil {
			event.EventID = uuid.New()
		}
		if err := s.pipeline.Submit(event); err != nil {
			rejected++
			switch {
			case errors.Is(err, pipeline.ErrInvalidEvent):
				errs = append(errs, fmt.Sprintf("event[%d]: %v", i, err))
			case errors.Is(err, queue.ErrQueueFull):
				errs = append(errs, fmt.Sprintf("event[%d]: queue full", i))
			default:
				errs = append(errs, fmt.Sprintf("event[%d]: %v", i, err))
			}
			continue
		}
		accepted++
	}

	resp := ingestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// parseFilter builds an alert filter from list query parameters. Shared by
// the list and export endpoints.
func parseFilter(r *http.Request) (alertstore.Filter, error) {
	var f alertstore.Filter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		st := alertstore.Status(v)
		if !st.IsValid() {
			return f, fmt.Errorf("invalid status: %s", v)
		}
		f.Status = &st
	}
	if v := q.Get("severity"); v != "" {
		sev := rules.Severity(v)
		if !sev.IsValid() {
			return f, fmt.Errorf("invalid severity: %s", v)
		}
		f.Severity = &sev
	}
	f.HostID = q.Get("host")

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since timestamp: %s", v)
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until timestamp: %s", v)
		}
		f.Until = &t
	}

	f.Limit = defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("invalid limit: %s", v)
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset: %s", v)
		}
		f.Offset = n
	}
	return f, nil
}

type listResponse struct {
	Alerts []*alertstore.Alert `json:"alerts"`
	Count  int                 `json:"count"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), "")
		return
	}

	alerts, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("alert list failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list alerts", "")
		return
	}
	if alerts == nil {
		alerts = []*alertstore.Alert{}
	}
	writeJSON(w, http.StatusOK, listResponse{Alerts: alerts, Count: len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "invalid alert id", "")
		return
	}

	alert, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, alertstore.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "alert not found", "")
			return
		}
		s.logger.Error("alert get failed", "alert_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load alert", "")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// statusRequest is the POST /v1/alerts/{id}/status body.
type statusRequest struct {
	Status alertstore.Status `json:"status"`
	Actor  string            `json:"actor"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", "invalid alert id", "")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body", err.Error())
		return
	}
	if !req.Status.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "INVALID_STATUS",
			fmt.Sprintf("invalid status: %s", req.Status), "")
		return
	}
	if req.Actor == "" {
		writeJSONError(w, http.StatusBadRequest, "MISSING_ACTOR", "actor is required", "")
		return
	}

	alert, err := s.store.SetStatus(r.Context(), id, req.Status, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, alertstore.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "alert not found", "")
		case errors.Is(err, alertstore.ErrInvalidTransition):
			writeJSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), "")
		default:
			s.logger.Error("status update failed", "alert_id", id, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to update status", "")
		}
		return
	}

	s.logger.Info("alert status changed",
		"alert_id", id,
		"status", alert.Status,
		"actor", req.Actor,
	)
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), "")
		return
	}
	// Export ignores pagination unless explicitly requested.
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}

	// The export window is trailing days over first_seen_at, not the list
	// filter's last_seen window.
	days := defaultExportDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_FILTER", "invalid days: "+v, "")
			return
		}
		days = n
	}

	alerts, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("alert export failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list alerts", "")
		return
	}
	if days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		kept := alerts[:0]
		for _, a := range alerts {
			if !a.FirstSeenAt.Before(cutoff) {
				kept = append(kept, a)
			}
		}
		alerts = kept
	}

	filename := fmt.Sprintf("alerts-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteCSV(w, alerts); err != nil {
		s.logger.Error("csv write failed", "error", err)
	}
}

// statsResponse combines the rolling alert statistics with pipeline and
// delivery counters.
type statsResponse struct {
	aggregate.Report
	Queue    queue.Metrics          `json:"queue"`
	Dispatch map[string]interface{} `json:"dispatch,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.aggregator.Snapshot(r.Context(), time.Now().UTC())
	if err != nil {
		s.logger.Error("stats snapshot failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to compute statistics", "")
		return
	}

	resp := statsResponse{
		Report: report,
		Queue:  s.pipeline.Queue().Stats(),
	}
	if s.dispatcher != nil {
		resp.Dispatch = s.dispatcher.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadRules == nil {
		writeJSONError(w, http.StatusNotImplemented, "NOT_SUPPORTED", "rule reload is not configured", "")
		return
	}

	count, err := s.reloadRules()
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "RELOAD_FAILED", err.Error(), "")
		return
	}

	s.logger.Info("rule catalog reloaded via api", "rules", count)
	writeJSON(w, http.StatusOK, map[string]any{"rules": count})
}

// updatesResponse is the long-poll body. Cursor is the position the client
// should resume from.
type updatesResponse struct {
	Cursor stream.Cursor  `json:"cursor"`
	Events []stream.Event `json:"events"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	var cursor stream.Cursor
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_CURSOR", "invalid cursor", "")
			return
		}
		cursor = stream.Cursor(n)
	}

	timeout := s.cfg.Server.LongPollTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	events := s.hub.Wait(ctx, cursor)
	resp := updatesResponse{Events: events}
	if len(events) > 0 {
		resp.Cursor = events[len(events)-1].Cursor
	} else {
		resp.Cursor = s.hub.Latest()
		resp.Events = []stream.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	qm := s.pipeline.Queue().Stats()

	status := "healthy"
	if qm.Capacity > 0 && qm.Depth > int(float64(qm.Capacity)*0.9) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    qm.Depth,
		"queue_capacity": qm.Capacity,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
