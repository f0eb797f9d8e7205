package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/health"
)

// HealthReporter is satisfied by *health.Checker.
type HealthReporter interface {
	Check(ctx context.Context) health.Report
	Ready() bool
	BreakerState() breaker.State
}

// Dependency is an infrastructure component probed by the readiness check.
// A critical dependency being down makes the service not ready; any other
// only degrades it.
type Dependency struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthHandler struct {
	reporter HealthReporter
	deps     []Dependency
	env      string
	version  string
}

func NewHealthHandler(reporter HealthReporter, deps []Dependency, env, version string) *HealthHandler {
	return &HealthHandler{
		reporter: reporter,
		deps:     deps,
		env:      env,
		version:  version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version,omitempty"`
	Env            string            `json:"env,omitempty"`
	CircuitBreaker breaker.State     `json:"circuitBreaker"`
	Dependencies   map[string]string `json:"dependencies"`
}

// Status reports adapter and breaker health. Only an unhealthy service answers 503.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	report := h.reporter.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, report)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(h.deps))
	status := "ok"

	for _, dep := range h.deps {
		depCtx, depCancel := context.WithTimeout(ctx, 1*time.Second)
		err := dep.Check(depCtx)
		depCancel()

		if err == nil {
			deps[dep.Name] = "ok"
			continue
		}

		deps[dep.Name] = "down"
		if dep.Critical {
			status = "error"
		} else if status == "ok" {
			status = "degraded"
		}
	}

	state := h.reporter.BreakerState()
	if !h.reporter.Ready() {
		status = "error"
	}

	resp := ReadinessResponse{
		Status:         status,
		Version:        h.version,
		Env:            h.env,
		CircuitBreaker: state,
		Dependencies:   deps,
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}
