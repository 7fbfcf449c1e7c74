// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
)

// ErrInjected is returned by a FaultyStore call chosen to fail.
var ErrInjected = errors.New("chaos: injected store failure")

// FaultyStore wraps a store and, while faults are injected, delays calls and
// fails a share of them before they reach the wrapped store.
type FaultyStore struct {
	next catalog.Store

	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	latency     time.Duration

	calls    atomic.Int64
	injected atomic.Int64
}

// NewFaultyStore wraps next with no faults injected. seed makes the failure
// pattern repeatable.
func NewFaultyStore(next catalog.Store, seed int64) *FaultyStore {
	return &FaultyStore{next: next, rng: rand.New(rand.NewSource(seed))}
}

// Inject fails the given share of calls (0 to 1) and delays every call by latency.
func (f *FaultyStore) Inject(failureRate float64, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRate, f.latency = failureRate, latency
}

// Heal removes every fault.
func (f *FaultyStore) Heal() { f.Inject(0, 0) }

// Calls is the number of calls made, Injected the number failed on purpose.
func (f *FaultyStore) Calls() int64    { return f.calls.Load() }
func (f *FaultyStore) Injected() int64 { return f.injected.Load() }

func (f *FaultyStore) Entries(ctx context.Context) ([]index.Record, error) {
	if err := f.disturb(ctx); err != nil {
		return nil, err
	}
	return f.next.Entries(ctx)
}

func (f *FaultyStore) Apply(ctx context.Context, change catalog.Change) error {
	if err := f.disturb(ctx); err != nil {
		return err
	}
	return f.next.Apply(ctx, change)
}

func (f *FaultyStore) Close() error { return f.next.Close() }

func (f *FaultyStore) disturb(ctx context.Context) error {
	f.calls.Add(1)

	f.mu.Lock()
	latency := f.latency
	fail := f.failureRate > 0 && f.rng.Float64() < f.failureRate
	f.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		f.injected.Add(1)
		return ErrInjected
	}
	return nil
}
