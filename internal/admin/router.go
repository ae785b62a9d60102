// Package admin serves the operator surface of the dashsync binary: metrics,
// health, and manual invalidation.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/broadcast"
	"github.com/p-blackswan/dashsync/internal/cache"
	"github.com/p-blackswan/dashsync/internal/health"
	"github.com/p-blackswan/dashsync/internal/requestid"
)

// Invalidator is the mutation-side invalidation helper.
type Invalidator interface {
	Invalidate(target string, endpoints ...string) broadcast.Event
	Acknowledge(path string) broadcast.Event
}

// CacheStats reports the response cache contents.
type CacheStats interface {
	Stats() cache.Stats
}

// Options wires the admin router.
type Options struct {
	Checker     *health.Checker
	Metrics     http.Handler
	Invalidator Invalidator
	Cache       CacheStats
	Timeout     time.Duration
}

// NewRouter builds the admin http.Handler.
func NewRouter(opts Options, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "admin").Logger()

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		requestID,
		logging(logger),
	)
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}

	r.Get("/health", health.LivenessHandler())
	if opts.Checker != nil {
		r.Get("/ready", opts.Checker.ReadinessHandler())
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Invalidator != nil {
		h := &invalidationHandler{inv: opts.Invalidator}
		r.Post("/invalidate", h.invalidate)
		r.Post("/acknowledge", h.acknowledge)
	}
	if opts.Cache != nil {
		r.Get("/cache", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": opts.Cache.Stats()})
		})
	}
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestid.Header)
		if id == "" {
			id = requestid.FromContext(r.Context())
		}
		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.WithRequestID(r.Context(), id)))
	})
}

func logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", requestid.FromContext(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("admin request")
		})
	}
}

type invalidationHandler struct {
	inv Invalidator
}

type invalidateRequest struct {
	Target    string   `json:"target"`
	Endpoints []string `json:"endpoints"`
}

func (h *invalidationHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid JSON body"})
		return
	}
	ev := h.inv.Invalidate(req.Target, req.Endpoints...)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": ev})
}

func (h *invalidationHandler) acknowledge(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "path is required"})
		return
	}
	ev := h.inv.Acknowledge(path)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": ev})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
