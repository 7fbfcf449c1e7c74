// internal/storage/resilient.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
)

var ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

const (
	defaultMaxAttempts     = 4
	defaultInitialInterval = 20 * time.Millisecond
	defaultMaxInterval     = time.Second
	defaultTripAfter       = 5
	defaultOpenTimeout     = 30 * time.Second

	logMsgRetrying     = "retrying store call"
	logMsgBreakerState = "store circuit breaker changed state"
	logAttrError       = "error"
	logAttrDelay       = "delay"
	logAttrFrom        = "from"
	logAttrTo          = "to"
)

// Logger is the subset of *slog.Logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Resilient wraps a store with retries and a circuit breaker. Every call runs
// inside the breaker; failed calls are retried with exponential backoff until
// they succeed, the breaker opens or the attempts run out. Errors that cannot
// heal by retrying are returned at once.
type Resilient struct {
	next        catalog.Store
	breaker     *gobreaker.CircuitBreaker
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	logger      Logger
}

type resilientConfig struct {
	name            string
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	tripAfter       uint32
	openTimeout     time.Duration
	logger          Logger
}

// ResilientOption configures NewResilient.
type ResilientOption func(*resilientConfig) error

// WithMaxAttempts sets how many times a call is tried, the first one included.
func WithMaxAttempts(n int) ResilientOption {
	return func(c *resilientConfig) error {
		if n <= 0 {
			return ErrInvalidMaxAttempts
		}
		c.maxAttempts = n
		return nil
	}
}

// WithBackoff sets the first and the largest delay between attempts.
func WithBackoff(initial, maxInterval time.Duration) ResilientOption {
	return func(c *resilientConfig) error {
		c.initialInterval, c.maxInterval = initial, maxInterval
		return nil
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how long
// it stays open before letting a probe through.
func WithBreaker(tripAfter uint32, openTimeout time.Duration) ResilientOption {
	return func(c *resilientConfig) error {
		c.tripAfter, c.openTimeout = tripAfter, openTimeout
		return nil
	}
}

// WithResilienceLogger logs retries and breaker state changes.
func WithResilienceLogger(logger Logger) ResilientOption {
	return func(c *resilientConfig) error {
		c.logger = logger
		return nil
	}
}

// NewResilient wraps next.
func NewResilient(next catalog.Store, opts ...ResilientOption) (*Resilient, error) {
	cfg := resilientConfig{
		name:            "catalog-store",
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		tripAfter:       defaultTripAfter,
		openTimeout:     defaultOpenTimeout,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	r := &Resilient{
		next:        next,
		maxAttempts: uint(cfg.maxAttempts),
		logger:      cfg.logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.initialInterval
			b.MaxInterval = cfg.maxInterval
			return b
		},
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.name,
		Timeout: cfg.openTimeout,
		IsSuccessful: func(err error) bool {
			return err == nil || rejected(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.tripAfter
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if r.logger != nil {
				r.logger.Warn(logMsgBreakerState, logAttrFrom, from.String(), logAttrTo, to.String())
			}
		},
	})
	return r, nil
}

// Entries reads the records through the breaker.
func (r *Resilient) Entries(ctx context.Context) ([]index.Record, error) {
	return call(ctx, r, func() ([]index.Record, error) { return r.next.Entries(ctx) })
}

// Apply hands change to the wrapped store through the breaker.
func (r *Resilient) Apply(ctx context.Context, change catalog.Change) error {
	_, err := call(ctx, r, func() (struct{}, error) { return struct{}{}, r.next.Apply(ctx, change) })
	return err
}

// Close closes the wrapped store.
func (r *Resilient) Close() error { return r.next.Close() }

// State reports the breaker state.
func (r *Resilient) State() gobreaker.State { return r.breaker.State() }

func call[T any](ctx context.Context, r *Resilient, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		out, err := r.breaker.Execute(func() (any, error) { return fn() })
		if err != nil {
			var zero T
			if !retryable(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return out.(T), nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			if r.logger != nil {
				r.logger.Warn(logMsgRetrying, logAttrError, err, logAttrDelay, d)
			}
		}),
	)
}

// retryable reports whether trying again can succeed. I/O failures and
// version conflicts can; rejections, cancellation and an open breaker cannot.
func retryable(err error) bool {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return !rejected(err)
	}
}

// rejected reports whether the store refused the call for a reason that lies
// in the request. Rejections do not count against the breaker.
func rejected(err error) bool {
	return errors.Is(err, catalog.ErrNotFound) || errors.Is(err, catalog.ErrDuplicateID) || errors.Is(err, catalog.ErrUnknownChange)
}
