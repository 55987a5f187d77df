// Package httpapi serves a diagnostics and control API for a sync queue.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/syncq/internal/driver"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/model"
)

const maxBodyBytes = 1 << 20

// Queue is the engine surface the API exposes.
type Queue interface {
	Enqueue(ctx context.Context, dataType model.DataType, kind model.OperationKind, table string, data json.RawMessage, opts ...engine.EnqueueOption) (string, error)
	AllOperations() []model.SyncOperation
	OperationsByStatus(status model.SyncStatus) []model.SyncOperation
	Get(id string) (model.SyncOperation, bool)
	QueueCount() int
	Stats() engine.Stats
	RemoveOperation(ctx context.Context, id string) error
	RetryFailedOperations(ctx context.Context) (int, error)
	ClearCompleted(ctx context.Context) (int, error)
	ResetOperation(ctx context.Context, id string) error
}

// Handler serves the API.
type Handler struct {
	queue   Queue
	trigger func() bool
	last    func() (driver.DrainRecord, bool)
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithTrigger wires POST /api/v1/sync/trigger to fn, usually
// driver.Scheduler.Trigger.
func WithTrigger(fn func() bool) Option {
	return func(h *Handler) { h.trigger = fn }
}

// WithLastDrain wires GET /api/v1/sync/last to fn, usually
// driver.Scheduler.Last.
func WithLastDrain(fn func() (driver.DrainRecord, bool)) Option {
	return func(h *Handler) { h.last = fn }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(q Queue, opts ...Option) *Handler {
	h := &Handler{queue: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/operations", h.listOperations)
		r.Post("/operations", h.enqueue)
		r.Get("/operations/count", h.count)
		r.Post("/operations/retry", h.retry)
		r.Post("/operations/clear-completed", h.clearCompleted)
		r.Get("/operations/{id}", h.getOperation)
		r.Delete("/operations/{id}", h.removeOperation)
		r.Post("/operations/{id}/reset", h.resetOperation)
		r.Get("/stats", h.stats)
		r.Post("/sync/trigger", h.triggerSync)
		r.Get("/sync/last", h.lastSync)
	})

	return r
}

// NewServer wraps the handler in an http.Server.
func NewServer(addr string, h *Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"unsynced": h.queue.QueueCount(),
	})
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeJSON(w, http.StatusOK, h.queue.AllOperations())
		return
	}
	status, err := model.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.queue.OperationsByStatus(status))
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, ok := h.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such operation: "+id)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.queue.QueueCount()})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// enqueueRequest is the POST /api/v1/operations body.
type enqueueRequest struct {
	DataType   model.DataType      `json:"dataType"`
	Operation  model.OperationKind `json:"operation"`
	Table      string              `json:"table"`
	Data       json.RawMessage     `json:"data"`
	Priority   *int                `json:"priority,omitempty"`
	MaxRetries *int                `json:"maxRetries,omitempty"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body: "+err.Error())
		return
	}

	var opts []engine.EnqueueOption
	if req.Priority != nil {
		opts = append(opts, engine.WithPriority(model.SyncPriority(*req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, engine.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.queue.Enqueue(r.Context(), req.DataType, req.Operation, req.Table, req.Data, opts...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	case engine.IsPersistError(err):
		// Queued in memory; storage will catch up on the next write.
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "warning": err.Error()})
	default:
		h.writeQueueError(w, err)
	}
}

func (h *Handler) removeOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.RemoveOperation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.ResetOperation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryFailedOperations(r.Context())
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) clearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ClearCompleted(r.Context())
	if err != nil {
		h.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "sync driver is not configured")
		return
	}
	queued := h.trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func (h *Handler) lastSync(w http.ResponseWriter, r *http.Request) {
	if h.last == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "sync driver is not configured")
		return
	}
	rec, ok := h.last()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no drain has run yet")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeQueueError(w http.ResponseWriter, err error) {
	var qe *engine.QueueError
	if !errors.As(err, &qe) {
		h.logger.Error("unexpected queue error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch qe.Code {
	case engine.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodePersistFailed:
		status = http.StatusServiceUnavailable
	case engine.ErrCodeLocked, engine.ErrCodeReadOnly:
		status = http.StatusConflict
	}
	writeError(w, status, string(qe.Code), qe.Error())
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
