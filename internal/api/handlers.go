// Package api exposes the HTTP surface of the pipeline: exception ingestion,
// the audit query endpoints over the event log, and the dead-letter operator
// endpoints. Every data-plane request is scoped to the tenant carried in the
// bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/exceptions/internal/auth"
	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/event"
	"example.com/exceptions/internal/persistence"
	"example.com/exceptions/internal/publisher"
)

// EventPublisher is the publisher slice the handlers need.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt event.Event, opts ...publisher.PublishOption) error
}

// Handler coordinates HTTP requests with the pipeline stores and publisher.
type Handler struct {
	pub    EventPublisher
	events persistence.EventStore
	dlq    persistence.DeadLetterStore
}

// NewHandler builds a Handler.
func NewHandler(pub EventPublisher, events persistence.EventStore, dlq persistence.DeadLetterStore) *Handler {
	return &Handler{pub: pub, events: events, dlq: dlq}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/exceptions", h.exceptions)
	mux.HandleFunc("/v1/events", h.listEvents)
	mux.HandleFunc("/v1/events/", h.eventByID)
	mux.HandleFunc("/v1/dlq", h.listDeadLetters)
	mux.HandleFunc("/v1/dlq/transitions", h.transitionDeadLetters)
	mux.HandleFunc("/v1/dlq/replay", h.replayDeadLetters)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) exceptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeExceptionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope exceptions:write required")
		return
	}

	var req IngestExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	payload := make(map[string]any, len(req.Payload)+3)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["source_system"] = req.SourceSystem
	payload["exception_type"] = req.ExceptionType
	if req.Severity != "" {
		payload["severity"] = req.Severity
	}

	opts := []event.Option{}
	if req.CorrelationID != "" {
		opts = append(opts, event.WithCorrelationID(req.CorrelationID))
	}
	evt, err := event.New(event.TypeExceptionIngested, claims.TenantID, payload, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.pub.Publish(r.Context(), broker.TopicExceptions, evt); err != nil {
		if errors.Is(err, publisher.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant rate limit exceeded")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, IngestExceptionResponse{
		EventID:       evt.EventID,
		CorrelationID: evt.CorrelationID,
		Status:        "accepted",
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	page, pageSize := parsePagination(r)

	var result persistence.EventPage
	if exceptionID := r.URL.Query().Get("exception_id"); exceptionID != "" {
		filter.ExceptionID = ""
		result, err = h.events.ByException(r.Context(), exceptionID, claims.TenantID, filter, page, pageSize)
	} else {
		result, err = h.events.ByTenant(r.Context(), claims.TenantID, filter, page, pageSize)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) eventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing event id")
		return
	}

	evt, err := h.events.Get(r.Context(), id, claims.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if evt == nil {
		writeError(w, http.StatusNotFound, "not_found", "event not found")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireDLQScope(w, r)
	if !ok {
		return
	}

	filter := persistence.DeadLetterFilter{
		EventType:  r.URL.Query().Get("event_type"),
		WorkerType: r.URL.Query().Get("worker_type"),
		Status:     r.URL.Query().Get("status"),
	}
	page, pageSize := parsePagination(r)

	result, err := h.dlq.List(r.Context(), claims.TenantID, filter, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) transitionDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireDLQScope(w, r)
	if !ok {
		return
	}

	var req DLQTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	updated, err := h.dlq.Transition(r.Context(), claims.TenantID, req.EventIDs, req.Status)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "invalid_transition", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DLQTransitionResponse{Updated: updated})
}

// replayDeadLetters republishes dead-lettered events as fresh events: new
// event_id, original correlation_id, and metadata.replay_of pointing at the
// exhausted event. Replayed entries move to retrying.
func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := requireDLQScope(w, r)
	if !ok {
		return
	}

	var req DLQReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.EventIDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "event_ids is required")
		return
	}

	resp := DLQReplayResponse{Results: make([]DLQReplayResult, 0, len(req.EventIDs))}
	for _, id := range req.EventIDs {
		result := h.replayOne(r.Context(), claims.TenantID, id)
		if result.Error == "" {
			resp.Replayed++
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) replayOne(ctx context.Context, tenantID, eventID string) DLQReplayResult {
	result := DLQReplayResult{EventID: eventID}

	entry, err := h.dlq.Get(ctx, tenantID, eventID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if entry == nil {
		result.Error = "dead letter entry not found"
		return result
	}
	if entry.Status != persistence.DLQPending && entry.Status != persistence.DLQRetrying {
		result.Error = "entry is " + entry.Status + ", only pending or retrying entries can be replayed"
		return result
	}

	// The event log keeps the authoritative envelope; fall back to the
	// dead-letter copy when the log entry predates the store.
	correlationID := ""
	payload := entry.Payload
	if original, err := h.events.Get(ctx, eventID, tenantID); err == nil && original != nil {
		correlationID = original.CorrelationID
		payload = original.Payload
	}

	replay, err := event.New(entry.EventType, tenantID, payload,
		event.WithExceptionID(entry.ExceptionID),
		event.WithCorrelationID(correlationID),
		event.WithMetadata(map[string]any{"replay_of": eventID}),
		event.WithEventID(uuid.NewString()),
	)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if err := h.pub.Publish(ctx, entry.OriginalTopic, replay); err != nil {
		result.Error = err.Error()
		return result
	}

	if _, err := h.dlq.Transition(ctx, tenantID, []string{eventID}, persistence.DLQRetrying); err != nil {
		result.Error = err.Error()
		return result
	}

	result.NewEventID = replay.EventID
	return result
}

func requireReadScope(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeEventsRead) && !claims.HasScope(auth.ScopeExceptionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope events:read required")
		return nil, false
	}
	return claims, true
}

func requireDLQScope(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeDLQManage) {
		writeError(w, http.StatusForbidden, "forbidden", "scope dlq:manage required")
		return nil, false
	}
	return claims, true
}

func parseEventFilter(r *http.Request) (persistence.EventFilter, error) {
	q := r.URL.Query()
	filter := persistence.EventFilter{
		EventType:     q.Get("event_type"),
		CorrelationID: q.Get("correlation_id"),
	}

	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid from timestamp, want RFC3339")
		}
		filter.From = &parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("invalid to timestamp, want RFC3339")
		}
		filter.To = &parsed
	}
	if raw := q.Get("version"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, errors.New("invalid version")
		}
		filter.Version = parsed
	}
	return filter, nil
}

func parsePagination(r *http.Request) (int, int) {
	page, pageSize := 1, 50
	if raw := r.URL.Query().Get("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

// IngestExceptionRequest is the payload for POST /v1/exceptions.
type IngestExceptionRequest struct {
	SourceSystem  string         `json:"source_system"`
	ExceptionType string         `json:"exception_type"`
	Severity      string         `json:"severity,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// Validate ensures request correctness.
func (r IngestExceptionRequest) Validate() error {
	if strings.TrimSpace(r.SourceSystem) == "" {
		return errors.New("source_system is required")
	}
	if strings.TrimSpace(r.ExceptionType) == "" {
		return errors.New("exception_type is required")
	}
	return nil
}

// IngestExceptionResponse acknowledges an accepted exception.
type IngestExceptionResponse struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// DLQTransitionRequest moves dead-letter entries between operator statuses.
type DLQTransitionRequest struct {
	EventIDs []string `json:"event_ids"`
	Status   string   `json:"status"`
}

// Validate ensures request correctness.
func (r DLQTransitionRequest) Validate() error {
	if len(r.EventIDs) == 0 {
		return errors.New("event_ids is required")
	}
	switch r.Status {
	case persistence.DLQPending, persistence.DLQRetrying, persistence.DLQSucceeded, persistence.DLQDiscarded:
		return nil
	default:
		return errors.New("unknown status")
	}
}

// DLQTransitionResponse reports how many entries changed status.
type DLQTransitionResponse struct {
	Updated int `json:"updated"`
}

// DLQReplayRequest republishes dead-lettered events.
type DLQReplayRequest struct {
	EventIDs []string `json:"event_ids"`
}

// DLQReplayResult is the per-entry outcome of a replay request.
type DLQReplayResult struct {
	EventID    string `json:"event_id"`
	NewEventID string `json:"new_event_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DLQReplayResponse summarises a replay request.
type DLQReplayResponse struct {
	Replayed int               `json:"replayed"`
	Results  []DLQReplayResult `json:"results"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
