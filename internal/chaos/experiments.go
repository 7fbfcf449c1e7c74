// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
	"gatorlibrary/internal/storage"
)

// Target is a catalog service whose store faults can be switched on and off.
type Target struct {
	Service catalog.Service
	Faults  *FaultyStore
	Store   *storage.Resilient
	books   int

	next   atomic.Int64
	ops    atomic.Int64
	failed atomic.Int64
}

// NewTarget builds an in-memory catalog with books 1..books behind a
// resilient store that retries up to attempts times.
func NewTarget(ctx context.Context, books int, attempts int, seed int64) (*Target, error) {
	faults := NewFaultyStore(storage.NewMemory(), seed)
	store, err := storage.NewResilient(faults,
		storage.WithMaxAttempts(attempts),
		storage.WithBackoff(time.Millisecond, 5*time.Millisecond),
		storage.WithBreaker(50, 100*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	svc, err := catalog.NewService(store)
	if err != nil {
		return nil, err
	}
	for id := 1; id <= books; id++ {
		if _, err := svc.AddBook(ctx, index.BookID(id), fmt.Sprintf("Book %d", id), "Chaos"); err != nil {
			return nil, err
		}
	}
	return &Target{Service: svc, Faults: faults, Store: store, books: books}, nil
}

// Circulate lends one book to a fresh patron and takes it back.
func (t *Target) Circulate(ctx context.Context) error {
	n := t.next.Add(1)
	id := index.BookID(n%int64(t.books) + 1)
	patron := index.PatronID(n)

	res, borrowErr := t.Service.Borrow(ctx, patron, id, reservation.PriorityMedium)
	t.count(borrowErr)
	if res.Result != index.Borrowed {
		return borrowErr
	}
	_, err := t.Service.Return(ctx, patron, id)
	t.count(err)
	if borrowErr != nil {
		return borrowErr
	}
	return err
}

func (t *Target) count(err error) {
	t.ops.Add(1)
	if err != nil {
		t.failed.Add(1)
	}
}

// SuccessRate is the percentage of mutations that were persisted.
func (t *Target) SuccessRate(context.Context) (float64, error) {
	ops := t.ops.Load()
	if ops == 0 {
		return 100, nil
	}
	return float64(ops-t.failed.Load()) / float64(ops) * 100, nil
}

// successRateWindow reports SuccessRate over the calls made since it was
// first queried.
func (t *Target) successRateWindow() func(context.Context) (float64, error) {
	var (
		once          sync.Once
		ops0, failed0 int64
	)
	return func(context.Context) (float64, error) {
		once.Do(func() { ops0, failed0 = t.ops.Load(), t.failed.Load() })
		ops := t.ops.Load() - ops0
		if ops == 0 {
			return 100, nil
		}
		return float64(ops-(t.failed.Load()-failed0)) / float64(ops) * 100, nil
	}
}

// IndexValid is 1 while the index satisfies its structural invariants.
func (t *Target) IndexValid(ctx context.Context) (float64, error) {
	if err := t.Service.Validate(ctx); err != nil {
		return 0, nil
	}
	return 1, nil
}

func (t *Target) steadyState() []Metric {
	return []Metric{
		{Name: "persist_success_rate", Query: t.successRateWindow(), Threshold: Threshold{Operator: ">=", Value: 99}},
		{Name: "index_valid", Query: t.IndexValid, Threshold: Threshold{Operator: "==", Value: 1}},
	}
}

func indexStaysValid() Assertion {
	return Assertion{
		Metric:    "index_valid",
		Condition: func(v float64) bool { return v == 1 },
		Message:   "index invariants broke",
	}
}

// StoreFailureExperiment fails a share of store calls while books circulate.
func (t *Target) StoreFailureExperiment(failureRate float64, duration time.Duration) Experiment {
	return Experiment{
		Name:        "store-failure-injection",
		Hypothesis:  "Retries hide transient store failures from callers",
		SteadyState: t.steadyState(),
		Method: []Action{{
			Type:    "failure",
			Target:  "catalog-store",
			Execute: func(context.Context) error { t.Faults.Inject(failureRate, 0); return nil },
		}},
		Rollback: []Action{{
			Type:    "failure",
			Target:  "catalog-store",
			Execute: func(context.Context) error { t.Faults.Heal(); return nil },
		}},
		Load: t.Circulate,
		Validation: []Assertion{
			indexStaysValid(),
			{
				Metric:    "persist_success_rate",
				Condition: func(v float64) bool { return v >= 95 },
				Message:   "more than 5% of mutations were not persisted",
			},
		},
		Duration: duration,
		Interval: duration / 10,
	}
}

// StoreLatencyExperiment slows every store call down.
func (t *Target) StoreLatencyExperiment(latency, duration time.Duration) Experiment {
	return Experiment{
		Name:        "store-latency-injection",
		Hypothesis:  "The catalog degrades gracefully when the store is slow",
		SteadyState: t.steadyState(),
		Method: []Action{{
			Type:    "latency",
			Target:  "catalog-store",
			Execute: func(context.Context) error { t.Faults.Inject(0, latency); return nil },
		}},
		Rollback: []Action{{
			Type:    "latency",
			Target:  "catalog-store",
			Execute: func(context.Context) error { t.Faults.Heal(); return nil },
		}},
		Load: t.Circulate,
		Validation: []Assertion{
			indexStaysValid(),
			{
				Metric:    "persist_success_rate",
				Condition: func(v float64) bool { return v == 100 },
				Message:   "latency alone made mutations fail",
			},
		},
		Duration: duration,
		Interval: duration / 10,
	}
}

// ConcurrentBorrowExperiment has many patrons borrow the same book at once.
// Exactly one of them may hold it; the rest queue until the queue is full.
func (t *Target) ConcurrentBorrowExperiment(patrons int) Experiment {
	const book = index.BookID(1)
	var (
		once    sync.Once
		holders atomic.Int64
		queued  atomic.Int64
	)
	race := func(ctx context.Context) error {
		once.Do(func() {
			var wg sync.WaitGroup
			base := index.PatronID(1_000_000)
			for i := 0; i < patrons; i++ {
				wg.Add(1)
				go func(p index.PatronID) {
					defer wg.Done()
					res, _ := t.Service.Borrow(ctx, p, book, reservation.PriorityLow)
					switch res.Result {
					case index.Borrowed:
						holders.Add(1)
					case index.QueuedForReservation:
						queued.Add(1)
					}
				}(base + index.PatronID(i))
			}
			wg.Wait()
		})
		<-ctx.Done()
		return nil
	}
	count := func(n *atomic.Int64) func(context.Context) (float64, error) {
		return func(context.Context) (float64, error) { return float64(n.Load()), nil }
	}

	steady := append(t.steadyState(),
		Metric{Name: "book_holders", Query: count(&holders), Threshold: Threshold{Operator: "<=", Value: 1}},
		Metric{Name: "book_queue", Query: count(&queued), Threshold: Threshold{Operator: "<=", Value: reservation.Capacity}},
	)
	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Concurrent borrows never lend one book twice or overfill its queue",
		SteadyState: steady,
		Load:        race,
		Validation: []Assertion{
			indexStaysValid(),
			{Metric: "book_holders", Condition: func(v float64) bool { return v == 1 }, Message: "book was not lent exactly once"},
			{Metric: "book_queue", Condition: func(v float64) bool { return v <= reservation.Capacity }, Message: "reservation queue overfilled"},
		},
		Rollback: []Action{{
			Type:   "restore",
			Target: "book-1",
			Execute: func(ctx context.Context) error {
				if _, err := t.Service.DeleteBook(ctx, book); err != nil {
					return err
				}
				_, err := t.Service.AddBook(ctx, book, "Book 1", "Chaos")
				return err
			},
		}},
		Duration: 500 * time.Millisecond,
		Interval: 100 * time.Millisecond,
	}
}

// Scenarios returns the standard game day.
func (t *Target) Scenarios(duration time.Duration) []Experiment {
	return []Experiment{
		t.StoreFailureExperiment(0.3, duration),
		t.StoreLatencyExperiment(2*time.Millisecond, duration),
		t.ConcurrentBorrowExperiment(50),
	}
}
