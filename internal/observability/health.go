package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// HealthHandler serves liveness and readiness. Readiness requires the app to
// be marked ready and every dependency check to pass.
type HealthHandler struct {
	checks  []namedCheck
	timeout time.Duration
	ready   atomic.Bool
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{timeout: 2 * time.Second}
}

// WithCheck adds a dependency probed by Ready. A nil checker is ignored so
// optional dependencies can be passed unconditionally.
func (h *HealthHandler) WithCheck(name string, checker HealthChecker) *HealthHandler {
	if checker != nil {
		h.checks = append(h.checks, namedCheck{name: name, checker: checker})
		sort.Slice(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	}
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string, len(h.checks)+1)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for _, c := range h.checks {
		if err := c.checker.Ping(ctx); err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
