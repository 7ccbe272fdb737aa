// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 503 when a required
// check fails or the server is draining. Failing optional checks mark the
// instance "degraded" but keep it in rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Probe states reported in the "status" fields.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is one named readiness check.
type Checker struct {
	// Name labels the check in the response, e.g. "backends".
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string        `json:"status"`
	Uptime string        `json:"uptime,omitempty"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	started  time.Time
	draining atomic.Bool
}

// New returns a [Handler] evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		started:  time.Now(),
	}
}

// SetCheckTimeout overrides [DefaultCheckTimeout]. Non-positive values are
// ignored.
func (h *Handler) SetCheckTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// SetDraining marks the server as shutting down. While draining, /readyz
// answers 503 without running checks so that load balancers stop sending new
// streams.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz reports liveness and uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs the checks and reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}

	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every check concurrently, each under its own timeout, and
// folds the results into a [Report]. Results keep registration order.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() { results[i] = h.run(ctx, c) })
	}
	wg.Wait()

	rep := Report{Status: StatusOK, Checks: results}
	for i, res := range results {
		if res.Status == StatusOK {
			continue
		}
		if !h.checkers[i].Optional {
			rep.Status = StatusFail
			break
		}
		rep.Status = StatusDegraded
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Name:      c.Name,
		Status:    StatusOK,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
