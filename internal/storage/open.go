// internal/storage/open.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/storage/postgres"
	"gatorlibrary/internal/storage/sqlite"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"

	logMsgOpened    = "catalog store opened"
	logMsgRebuilt   = "read model rebuilt"
	logAttrDriver   = "driver"
	logAttrReplayed = "events_replayed"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Options selects and configures the store returned by Open.
type Options struct {
	// Driver is one of memory, sqlite, postgres (lib/pq) or pgx.
	Driver string
	// DSN is the postgres connection string.
	DSN string
	// SQLitePath is the database file of the sqlite driver.
	SQLitePath string
	// RebuildReadModel replays the event log into the postgres read model
	// before the store is used.
	RebuildReadModel bool
	Logger           Logger
	Resilience       []ResilientOption
}

// Open opens the store named by opts.Driver and wraps it in a Resilient.
func Open(ctx context.Context, opts Options) (*Resilient, error) {
	var (
		store catalog.Store
		err   error
	)
	switch opts.Driver {
	case DriverMemory, "":
		store = NewMemory()
	case DriverSQLite:
		store, err = sqlite.Open(opts.SQLitePath)
	case DriverPostgres, DriverPgx:
		store, err = openPostgres(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}

	ropts := opts.Resilience
	if opts.Logger != nil {
		ropts = append([]ResilientOption{WithResilienceLogger(opts.Logger)}, ropts...)
		opts.Logger.Info(logMsgOpened, logAttrDriver, opts.Driver)
	}
	r, err := NewResilient(store, ropts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func openPostgres(ctx context.Context, opts Options) (catalog.Store, error) {
	s, err := postgres.Open(ctx, opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.RebuildReadModel {
		n, err := s.Rebuild(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		if opts.Logger != nil {
			opts.Logger.Info(logMsgRebuilt, logAttrReplayed, n)
		}
	}
	return s, nil
}
