// Package retry runs fallible operations with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// JitterFactor is the +/- fraction applied around each computed delay.
const JitterFactor = 0.25

// Options holds retry configuration.
type Options struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultOptions returns the stock configuration: 3 attempts, 1s base, 30s cap, factor 2.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}
}

// Option overrides Options for a single call.
type Option func(*Options)

func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) { o.BaseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(o *Options) { o.MaxDelay = d }
}

func WithExponentialBase(f float64) Option {
	return func(o *Options) { o.ExponentialBase = f }
}

// Delay returns the unjittered wait after the given failed attempt (1-based):
// BaseDelay * ExponentialBase^(attempt-1), clamped to [0, MaxDelay].
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(o.BaseDelay) * math.Pow(o.ExponentialBase, float64(attempt-1))
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	if d > float64(o.MaxDelay) || math.IsInf(d, 1) {
		return o.MaxDelay
	}

	return time.Duration(d)
}

// JitteredDelay perturbs Delay(attempt) uniformly within +/-25%, floored at 0.
// r must be in [0, 1).
func (o Options) JitteredDelay(attempt int, r float64) time.Duration {
	d := float64(o.Delay(attempt))
	j := d * (1 + (2*r-1)*JitterFactor)
	if j < 0 {
		return 0
	}

	return time.Duration(j)
}

// ExhaustedError is returned when every attempt failed. It unwraps to the last cause.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Executor is stateless apart from its defaults and is safe for concurrent use.
type Executor struct {
	defaults Options
	logger   zerolog.Logger

	// timer and random are swapped in tests.
	timer  func() backoff.Timer
	random func() float64
}

func NewExecutor(defaults Options, logger zerolog.Logger) *Executor {
	if defaults.MaxAttempts < 1 {
		defaults.MaxAttempts = 1
	}

	return &Executor{
		defaults: defaults,
		logger:   logger.With().Str("component", "retry").Logger(),
		random:   rand.Float64,
	}
}

// Options returns the executor's default configuration.
func (e *Executor) Options() Options {
	return e.defaults
}

// Execute invokes op until it succeeds or MaxAttempts is reached. Delays between
// attempts follow Options.JitteredDelay. The context only bounds the waits.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error, overrides ...Option) error {
	opts := e.defaults
	for _, o := range overrides {
		o(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	attempts := 0
	operation := func() error {
		attempts++
		return op(ctx)
	}

	notify := func(err error, next time.Duration) {
		e.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", opts.MaxAttempts).
			Dur("next_delay", next).
			Msg("operation failed, retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&exponentialBackOff{opts: opts, random: e.random}, uint64(opts.MaxAttempts-1)),
		ctx,
	)

	var timer backoff.Timer
	if e.timer != nil {
		timer = e.timer()
	}

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("retry aborted after %d attempts: %w", attempts, err)
	}

	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error), overrides ...Option) (T, error) {
	var result T

	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, overrides...)

	return result, err
}

// exponentialBackOff adapts Options to backoff.BackOff.
type exponentialBackOff struct {
	opts    Options
	random  func() float64
	attempt int
}

func (b *exponentialBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.opts.JitteredDelay(b.attempt, b.random())
}

func (b *exponentialBackOff) Reset() {
	b.attempt = 0
}
