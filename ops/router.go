// Package ops serves the operational HTTP surface of a jobgate process:
// health, Prometheus metrics and a few read-mostly admin endpoints.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mohans/jobgate/coord"
	"github.com/mohans/jobgate/logger"
)

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type handler struct {
	store  Pinger
	coord  *coord.Coordinator
	cache  *coord.Cache
	logger *slog.Logger
}

// NewRouter builds the ops router. cache, when set, serves task reads
// before the store; metrics may be nil to omit /metrics.
func NewRouter(store Pinger, c *coord.Coordinator, cache *coord.Cache, metrics http.Handler, log *slog.Logger) *chi.Mux {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{store: store, coord: c, cache: cache, logger: log.With("component", "ops")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tasks/{id}", h.getTask)
		r.Patch("/tasks/{id}", h.patchTask)
		r.Get("/users/{id}/active", h.getActive)
		r.Post("/users/{id}/release", h.release)
	})
	return r
}

// withRequestLogger carries chi's request ID into the logger context.
func withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logger.FromContext(r.Context(), h.logger).Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.cache != nil {
		if t, ok := h.cache.Get(id); ok {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	t, err := h.coord.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.cache != nil {
		h.cache.Put(t)
	}
	writeJSON(w, http.StatusOK, t)
}

// patchTask merges the JSON body into the task record. Generators use it to
// report progress and results.
func (h *handler) patchTask(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	var fields coord.Fields
	if err := dec.Decode(&fields); err != nil || len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a non-empty JSON object"})
		return
	}
	t, err := h.coord.Update(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) getActive(w http.ResponseWriter, r *http.Request) {
	t, err := h.coord.GetActive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active task"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.coord.Release(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context(), h.logger).Info("user released by operator", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coord.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coord.ErrFinished), errors.Is(err, coord.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, coord.ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, coord.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error("ops request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
