// Package breaker isolates callers from a failing external dependency.
//
// A Breaker wraps sony/gobreaker with the CLOSED/OPEN/HALF_OPEN policy used for the
// scheduling adapter: consecutive failures trip it, a cooldown moves it to HALF_OPEN
// on the next call, and a run of successes closes it again. One Breaker is shared by
// every call routed to the same adapter.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without invoking the operation while the breaker rejects calls.
var ErrCircuitOpen = errors.New("service unavailable: circuit breaker is open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	SuccessThreshold uint32        // successes in HALF_OPEN that close it
	Timeout          time.Duration // time OPEN before a probe is allowed
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State            State      `json:"state"`
	Failures         uint32     `json:"failures"`
	Successes        uint32     `json:"successes"`
	LastFailureTime  *time.Time `json:"lastFailureTime,omitempty"`
	LastStateChange  time.Time  `json:"lastStateChange"`
	FailureThreshold uint32     `json:"failureThreshold"`
	SuccessThreshold uint32     `json:"successThreshold"`
	Timeout          string     `json:"timeout"`
}

type Breaker struct {
	name   string
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger

	mu              sync.Mutex
	lastFailure     time.Time
	lastStateChange time.Time
}

func New(name string, cfg Config, logger zerolog.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	b := &Breaker{
		name:            name,
		cfg:             cfg,
		logger:          logger.With().Str("component", "circuit_breaker").Str("breaker", name).Logger(),
		lastStateChange: time.Now(),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0, // never clear counts while CLOSED
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: b.onStateChange,
	})

	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op unless the circuit is open. Errors from op are recorded as
// failures and returned unchanged; a rejected call returns ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		if err := op(ctx); err != nil {
			b.recordFailure()
			return nil, err
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Warn().Str("state", string(b.State())).Msg("call rejected by circuit breaker")
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	return err
}

// Run is Execute for operations that produce a value.
func Run[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T

	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})

	return result, err
}

// State reports the current state, applying the OPEN to HALF_OPEN cooldown check.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

func (b *Breaker) Stats() Stats {
	// read gobreaker first: it may fire onStateChange, which takes b.mu
	state := b.cb.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:            convertState(state),
		Failures:         counts.ConsecutiveFailures,
		Successes:        counts.ConsecutiveSuccesses,
		LastStateChange:  b.lastStateChange,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		Timeout:          b.cfg.Timeout.String(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}

	return s
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()
}

// onStateChange runs under gobreaker's lock; it must not call back into b.cb.
func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	b.lastStateChange = time.Now()
	b.mu.Unlock()

	event := b.logger.Info()
	if to == gobreaker.StateOpen {
		event = b.logger.Error()
	}

	event.
		Str("from", string(convertState(from))).
		Str("to", string(convertState(to))).
		Msg("circuit breaker state changed")
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
