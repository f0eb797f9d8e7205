// Package health derives the service status from the adapter and the circuit breaker.
package health

import (
	"context"
	"time"

	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/retry"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// AdapterProbe is the part of adapter.Adapter the checker needs.
type AdapterProbe interface {
	Name() string
	HealthCheck(ctx context.Context) bool
}

// BreakerStats is satisfied by *breaker.Breaker.
type BreakerStats interface {
	Stats() breaker.Stats
}

type AdapterReport struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

type RetryReport struct {
	MaxAttempts     int     `json:"maxAttempts"`
	BaseDelayMs     int64   `json:"baseDelayMs"`
	MaxDelayMs      int64   `json:"maxDelayMs"`
	ExponentialBase float64 `json:"exponentialBase"`
}

type Report struct {
	Status         Status        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	Adapter        AdapterReport `json:"adapter"`
	CircuitBreaker breaker.Stats `json:"circuitBreaker"`
	Retry          RetryReport   `json:"retryConfig"`
}

// Derive maps adapter health and breaker state to the overall status.
// A failing adapter wins over any breaker state.
func Derive(adapterHealthy bool, state breaker.State) Status {
	if !adapterHealthy {
		return StatusUnhealthy
	}
	if state == breaker.StateOpen || state == breaker.StateHalfOpen {
		return StatusDegraded
	}
	return StatusHealthy
}

type Checker struct {
	adapter AdapterProbe
	breaker BreakerStats
	retry   retry.Options
	timeout time.Duration
	now     func() time.Time
}

func NewChecker(adapter AdapterProbe, cb BreakerStats, retryOpts retry.Options, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		adapter: adapter,
		breaker: cb,
		retry:   retryOpts,
		timeout: timeout,
		now:     time.Now,
	}
}

// Check probes the adapter directly, bypassing the breaker, so an open circuit
// does not hide whether the external system has come back.
func (c *Checker) Check(ctx context.Context) Report {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	healthy := c.adapter.HealthCheck(probeCtx)
	stats := c.breaker.Stats()

	return Report{
		Status:    Derive(healthy, stats.State),
		Timestamp: c.now().UTC(),
		Adapter: AdapterReport{
			Name:    c.adapter.Name(),
			Healthy: healthy,
		},
		CircuitBreaker: stats,
		Retry: RetryReport{
			MaxAttempts:     c.retry.MaxAttempts,
			BaseDelayMs:     c.retry.BaseDelay.Milliseconds(),
			MaxDelayMs:      c.retry.MaxDelay.Milliseconds(),
			ExponentialBase: c.retry.ExponentialBase,
		},
	}
}

// Ready is false while the breaker is OPEN.
func (c *Checker) Ready() bool {
	return c.breaker.Stats().State != breaker.StateOpen
}

func (c *Checker) BreakerState() breaker.State {
	return c.breaker.Stats().State
}
