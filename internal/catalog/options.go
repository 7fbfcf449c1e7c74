// internal/catalog/options.go
package catalog

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the subset of *slog.Logger the service writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures the service.
type Option func(*service) error

// WithLogger sets the logger. Mutations are logged at Info, rejected requests
// at Debug and persistence failures at Error.
func WithLogger(logger Logger) Option {
	return func(s *service) error {
		s.logger = logger
		return nil
	}
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *service) error {
		if tp == nil {
			return errors.New("nil tracer provider")
		}
		s.tracer = tp.Tracer(instrumentationName)
		return nil
	}
}

// WithMeterProvider replaces the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) error {
		if mp == nil {
			return errors.New("nil meter provider")
		}
		s.meter = mp.Meter(instrumentationName)
		return nil
	}
}

// WithClock sets the clock used to stamp reservations and changes.
func WithClock(now func() time.Time) Option {
	return func(s *service) error {
		if now == nil {
			return errors.New("nil clock")
		}
		s.now = now
		return nil
	}
}
