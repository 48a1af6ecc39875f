// Package retry provides a bounded exponential-backoff executor with
// transient/permanent error classification.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/anchorhold/vaultstream/pkg/fault"
)

// Config bounds the retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomization factor applied to each interval (0..1).
	Jitter float64
}

// DefaultConfig mirrors the production listener defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClassifier overrides the retryability predicate. The default treats
// fault.KindTransient as retryable and everything else as permanent.
func WithClassifier(retryable func(error) bool) Option {
	return func(e *Executor) { e.retryable = retryable }
}

// WithNotify registers a callback invoked before each sleep with the failed
// attempt's error and the upcoming backoff interval.
func WithNotify(notify func(err error, next time.Duration)) Option {
	return func(e *Executor) { e.notify = notify }
}

// Executor runs operations under the configured retry policy.
type Executor struct {
	cfg       Config
	retryable func(error) bool
	notify    func(error, time.Duration)
}

// New builds an Executor. Zero or missing config fields fall back to
// DefaultConfig values.
func New(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	e := &Executor{cfg: cfg, retryable: fault.IsTransient}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do executes op until it succeeds, fails permanently, or exhausts
// MaxAttempts. It returns the number of attempts actually made together with
// the final error, nil on success. Non-retryable errors propagate after a
// single attempt with no sleep.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := 0
	wrapped := func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !e.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.Multiplier = e.cfg.Multiplier
	bo.RandomizationFactor = e.cfg.Jitter

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(e.cfg.MaxAttempts),
	}
	if e.notify != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(e.notify))
	}

	_, err := backoff.Retry(ctx, wrapped, retryOpts...)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
	}
	return attempts, err
}
