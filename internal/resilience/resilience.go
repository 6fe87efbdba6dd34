// Package resilience wraps external network calls with bounded
// retry-with-backoff and a circuit breaker, so a flaky provider cannot
// cascade into unbounded latency on every query.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the circuit breaker is short-circuiting calls
// after repeated failures.
var ErrOpen = errors.New("circuit open")

const (
	defaultMaxRetries      = 2
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	defaultOpenTimeout     = 30 * time.Second
	defaultTripThreshold   = 5
)

// Caller executes operations through a circuit breaker with capped
// exponential retry. Retries stop immediately once the breaker opens.
type Caller struct {
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
}

// Option tunes a Caller.
type Option func(*settings)

type settings struct {
	maxRetries    uint64
	tripThreshold uint32
	openTimeout   time.Duration
}

// WithMaxRetries caps the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxRetries = uint64(n)
		}
	}
}

// WithTripThreshold sets the consecutive-failure count that opens the breaker.
func WithTripThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.tripThreshold = uint32(n)
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing again.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.openTimeout = d
		}
	}
}

// NewCaller creates a Caller named for diagnostics.
func NewCaller(name string, opts ...Option) *Caller {
	s := settings{
		maxRetries:    defaultMaxRetries,
		tripThreshold: defaultTripThreshold,
		openTimeout:   defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: s.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.tripThreshold
		},
	})

	return &Caller{breaker: cb, maxRetries: s.maxRetries}
}

// Do runs op through the breaker, retrying transient failures with capped
// exponential backoff. An open breaker is reported as ErrOpen without
// further attempts. Context cancellation stops the retry loop.
func (c *Caller) Do(ctx context.Context, op func() error) error {
	attempt := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, op()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Retrying through an open breaker would just spin.
			return backoff.Permanent(errors.Join(ErrOpen, err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval

	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
}
