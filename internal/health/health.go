// Package health reports whether the backend and the credential store are
// usable.
//
// A session can only be kept alive while the credential store answers, so a
// store failure takes the process out of rotation. A backend that answers
// with 5xx is degraded: cached reads still serve and the request executor
// retries, so the process stays ready and says so.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the state of one dependency, or of the process as a whole.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Result is the outcome of one check.
type Result struct {
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the outcome of one pass over every registered check. Status is
// the worst status of any check, or ok when nothing is registered.
type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]Result `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Ready reports whether the process should take traffic.
func (r Report) Ready() bool {
	return r.Status != StatusDown
}

// Checker runs the registered checks and keeps the latest report.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a health checker with a 5s per-check timeout.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		last:    Report{Status: StatusOK, Checks: map[string]Result{}},
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named check, replacing any check with the same name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes every check concurrently and records the report. A check
// whose status differs from the previous run is logged once.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			s := f(checkCtx)
			mu.Lock()
			results[n] = Result{Status: s, LatencyMS: time.Since(start).Milliseconds()}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{Status: StatusOK, Checks: results, CheckedAt: time.Now()}
	for _, r := range results {
		if r.Status.rank() > report.Status.rank() {
			report.Status = r.Status
		}
	}

	c.mu.Lock()
	prev := c.last
	c.last = report
	c.mu.Unlock()

	c.logTransitions(prev, report)
	return report
}

func (c *Checker) logTransitions(prev, cur Report) {
	for name, r := range cur.Checks {
		before, seen := prev.Checks[name]
		if !seen {
			before = Result{Status: StatusOK}
		}
		if before.Status == r.Status {
			continue
		}
		ev := c.logger.Warn()
		if r.Status == StatusOK {
			ev = c.logger.Info()
		}
		ev.Str("check", name).
			Str("from", string(before.Status)).
			Str("to", string(r.Status)).
			Msg("dependency status changed")
	}
}

// Last returns the most recent report.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.last
	out.Checks = make(map[string]Result, len(c.last.Checks))
	for k, v := range c.last.Checks {
		out.Checks[k] = v
	}
	return out
}

// IsReady runs every check and reports whether no dependency is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Run(ctx).Ready()
}

// LivenessHandler returns an HTTP handler for /health.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /ready. It answers 200 with
// "ready" or "degraded", and 503 with "not_ready" once any check is down.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		state, code := "ready", http.StatusOK
		switch report.Status {
		case StatusDegraded:
			state = "degraded"
		case StatusDown:
			state, code = "not_ready", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     state,
			"checks":     report.Checks,
			"checked_at": report.CheckedAt,
		})
	}
}
