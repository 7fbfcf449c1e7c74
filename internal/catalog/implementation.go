// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

const instrumentationName = "gatorlibrary/catalog"

const (
	logMsgLoaded            = "catalog loaded"
	logMsgBookAdded         = "book added"
	logMsgBookDeleted       = "book deleted"
	logMsgBorrow            = "borrow handled"
	logMsgReturn            = "return handled"
	logMsgRejected          = "request rejected"
	logMsgPersistenceFailed = "change not persisted"
	logAttrError            = "error"
	logAttrBookID           = "book_id"
	logAttrPatronID         = "patron_id"
	logAttrNextPatronID     = "next_patron_id"
	logAttrResult           = "result"
	logAttrCancelled        = "cancelled"
	logAttrBookCount        = "book_count"
	logAttrChangeKind       = "change"
)

// service implements the Service interface.
type service struct {
	mu    sync.RWMutex
	idx   *index.Index
	store Store
	now   func() time.Time

	logger Logger
	tracer trace.Tracer
	meter  metric.Meter

	borrows metric.Int64Counter
	returns metric.Int64Counter
}

// NewService creates a catalog service around an empty index. Call Load to
// replay the books kept by store.
func NewService(store Store, opts ...Option) (Service, error) {
	if store == nil {
		return nil, errors.New("catalog: nil store")
	}
	s := &service{
		store:  store,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}
	s.idx = index.New(index.WithClock(s.now))

	if err := s.registerMetrics(); err != nil {
		return nil, fmt.Errorf("catalog: register metrics: %w", err)
	}
	return s, nil
}

func (s *service) registerMetrics() error {
	var err error
	s.borrows, err = s.meter.Int64Counter("gatorlibrary.catalog.borrows",
		metric.WithDescription("Borrow requests by result."))
	if err != nil {
		return err
	}
	s.returns, err = s.meter.Int64Counter("gatorlibrary.catalog.returns",
		metric.WithDescription("Return requests by outcome."))
	if err != nil {
		return err
	}
	_, err = s.meter.Int64ObservableCounter("gatorlibrary.index.color_flips",
		metric.WithDescription("Node color changes made while rebalancing the index."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.RLock()
			defer s.mu.RUnlock()
			o.Observe(int64(s.idx.ColorFlips()))
			return nil
		}))
	if err != nil {
		return err
	}
	_, err = s.meter.Int64ObservableGauge("gatorlibrary.index.books",
		metric.WithDescription("Books currently in the index."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.RLock()
			defer s.mu.RUnlock()
			o.Observe(int64(s.idx.Len()))
			return nil
		}))
	return err
}

// Load rebuilds the index from the store. It is meant to run once, before the
// service takes requests.
func (s *service) Load(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "catalog.load")
	defer span.End()

	records, err := s.store.Entries(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("load entries: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.ID <= 0 {
			return s.fail(span, fmt.Errorf("restore book %d: %w", rec.ID, ErrInvalidID))
		}
		if _, exists := s.idx.FindExact(rec.ID); exists {
			return s.fail(span, fmt.Errorf("restore book %d: %w", rec.ID, ErrDuplicateID))
		}
		if _, err := s.idx.Restore(rec); err != nil {
			return s.fail(span, fmt.Errorf("restore: %w", err))
		}
	}

	span.SetAttributes(attribute.Int("books.loaded", len(records)))
	s.logInfo(logMsgLoaded, logAttrBookCount, len(records))
	return nil
}

// AddBook persists the new book before inserting it, so a store failure leaves
// the index untouched. An id of 0 takes the next id after the largest one.
func (s *service) AddBook(ctx context.Context, id index.BookID, title, author string) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book",
		trace.WithAttributes(attribute.Int64("book.id", int64(id))),
	)
	defer span.End()

	title, author = strings.TrimSpace(title), strings.TrimSpace(author)
	switch {
	case id < 0:
		return nil, s.reject(span, ErrInvalidID)
	case title == "":
		return nil, s.reject(span, ErrEmptyTitle)
	case author == "":
		return nil, s.reject(span, ErrEmptyAuthor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == 0 {
		id = 1
		if last, ok := s.idx.Max(); ok {
			if last.ID() == math.MaxInt64 {
				return nil, s.reject(span, ErrInvalidID)
			}
			id = last.ID() + 1
		}
		span.SetAttributes(attribute.Int64("book.assigned_id", int64(id)))
	}
	if _, exists := s.idx.FindExact(id); exists {
		return nil, s.reject(span, fmt.Errorf("book %d: %w", id, ErrDuplicateID))
	}

	change := Change{Kind: BookAdded, BookID: id, Title: title, Author: author, At: s.now().UTC()}
	if err := s.store.Apply(ctx, change); err != nil {
		s.logError(logMsgPersistenceFailed, logAttrChangeKind, change.Kind, logAttrBookID, id, logAttrError, err)
		return nil, s.fail(span, fmt.Errorf("add book %d: %w", id, err))
	}

	e := s.idx.Insert(id, title, author, index.Available)
	s.logInfo(logMsgBookAdded, logAttrBookID, id)
	return bookFromEntry(e), nil
}

// GetBook retrieves a book by its id.
func (s *service) GetBook(ctx context.Context, id index.BookID) (*Book, error) {
	_, span := s.tracer.Start(ctx, "catalog.get_book",
		trace.WithAttributes(attribute.Int64("book.id", int64(id))),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idx.FindExact(id)
	if !ok {
		return nil, s.reject(span, fmt.Errorf("book %d: %w", id, ErrNotFound))
	}
	return bookFromEntry(e), nil
}

// ListBooks returns every book in ascending id order.
func (s *service) ListBooks(ctx context.Context) ([]*Book, error) {
	_, span := s.tracer.Start(ctx, "catalog.list_books")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	books := make([]*Book, 0, s.idx.Len())
	s.idx.Ascend(func(e *index.Entry) bool {
		books = append(books, bookFromEntry(e))
		return true
	})
	span.SetAttributes(attribute.Int("books.count", len(books)))
	return books, nil
}

// FindNearest returns the book whose id is closest to target, preferring the
// smaller id on a tie.
func (s *service) FindNearest(ctx context.Context, target index.BookID) (*Book, error) {
	_, span := s.tracer.Start(ctx, "catalog.find_nearest",
		trace.WithAttributes(attribute.Int64("target", int64(target))),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idx.FindNearest(target)
	if !ok {
		return nil, s.reject(span, fmt.Errorf("catalog is empty: %w", ErrNotFound))
	}
	span.SetAttributes(attribute.Int64("book.id", int64(e.ID())))
	return bookFromEntry(e), nil
}

// Borrow lends the book or queues a reservation. BorrowNotFound and QueueFull
// are results, not errors. A non-nil error with a changing result wraps
// ErrPersistence: the index changed but the store did not follow.
func (s *service) Borrow(ctx context.Context, patron index.PatronID, id index.BookID, priority reservation.Priority) (BorrowOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.borrow",
		trace.WithAttributes(
			attribute.Int64("book.id", int64(id)),
			attribute.Int64("patron.id", int64(patron)),
			attribute.Int("priority", int(priority)),
		),
	)
	defer span.End()

	switch {
	case id <= 0:
		return BorrowOutcome{Result: index.BorrowNotFound}, s.reject(span, ErrInvalidID)
	case patron <= 0:
		return BorrowOutcome{Result: index.BorrowNotFound}, s.reject(span, ErrInvalidPatron)
	case !priority.Valid():
		return BorrowOutcome{Result: index.BorrowNotFound}, s.reject(span, ErrInvalidPriority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().UTC()
	result := s.idx.BorrowAt(patron, id, priority, at)
	span.SetAttributes(attribute.String("result", result.String()))
	s.borrows.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.String())))
	s.logInfo(logMsgBorrow, logAttrBookID, id, logAttrPatronID, patron, logAttrResult, result.String())

	out := BorrowOutcome{Result: result, Book: s.snapshot(id)}
	var change Change
	switch result {
	case index.Borrowed:
		change = Change{Kind: BookBorrowed, BookID: id, Patron: patron, At: at}
	case index.QueuedForReservation:
		change = Change{Kind: ReservationQueued, BookID: id, Patron: patron, Priority: priority, RequestedAt: at, At: at}
	default:
		return out, nil
	}
	return out, s.persist(ctx, span, change)
}

// Return takes a book back and reallocates it to the next reservation. As with
// Borrow, only persistence failures are reported as errors.
func (s *service) Return(ctx context.Context, patron index.PatronID, id index.BookID) (ReturnOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.return",
		trace.WithAttributes(
			attribute.Int64("book.id", int64(id)),
			attribute.Int64("patron.id", int64(patron)),
		),
	)
	defer span.End()

	switch {
	case id <= 0:
		return ReturnOutcome{ReturnResult: index.ReturnResult{Outcome: index.ReturnNotFound}}, s.reject(span, ErrInvalidID)
	case patron <= 0:
		return ReturnOutcome{ReturnResult: index.ReturnResult{Outcome: index.ReturnNotFound}}, s.reject(span, ErrInvalidPatron)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.idx.Return(patron, id)
	out := ReturnOutcome{ReturnResult: res, Book: s.snapshot(id)}
	span.SetAttributes(attribute.String("result", res.Outcome.String()))
	s.returns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.Outcome.String())))

	at := s.now().UTC()
	var change Change
	switch res.Outcome {
	case index.Returned:
		s.logInfo(logMsgReturn, logAttrBookID, id, logAttrPatronID, patron, logAttrResult, res.Outcome.String())
		change = Change{Kind: BookReturned, BookID: id, Patron: patron, At: at}
	case index.ReturnedAndReallocated:
		s.logInfo(logMsgReturn, logAttrBookID, id, logAttrPatronID, patron,
			logAttrResult, res.Outcome.String(), logAttrNextPatronID, res.NextPatron)
		change = Change{
			Kind:        BookReallocated,
			BookID:      id,
			Patron:      res.NextPatron,
			Previous:    patron,
			Priority:    res.Fulfilled.Priority,
			RequestedAt: res.Fulfilled.RequestedAt,
			At:          at,
		}
	default:
		s.logDebug(logMsgRejected, logAttrBookID, id, logAttrPatronID, patron, logAttrResult, res.Outcome.String())
		return out, nil
	}
	return out, s.persist(ctx, span, change)
}

// DeleteBook removes a book and returns the patrons whose reservations were
// cancelled, in the order they would have been served.
func (s *service) DeleteBook(ctx context.Context, id index.BookID) ([]index.PatronID, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book",
		trace.WithAttributes(attribute.Int64("book.id", int64(id))),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.FindExact(id); !ok {
		return []index.PatronID{}, s.reject(span, fmt.Errorf("book %d: %w", id, ErrNotFound))
	}
	cancelled := s.idx.Delete(id)
	span.SetAttributes(attribute.Int("reservations.cancelled", len(cancelled)))
	s.logInfo(logMsgBookDeleted, logAttrBookID, id, logAttrCancelled, cancelled)

	change := Change{Kind: BookDeleted, BookID: id, Cancelled: cancelled, At: s.now().UTC()}
	return cancelled, s.persist(ctx, span, change)
}

// Reservations lists the queue of a book in service order.
func (s *service) Reservations(ctx context.Context, id index.BookID) ([]Reservation, error) {
	_, span := s.tracer.Start(ctx, "catalog.reservations",
		trace.WithAttributes(attribute.Int64("book.id", int64(id))),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idx.FindExact(id)
	if !ok {
		return nil, s.reject(span, fmt.Errorf("book %d: %w", id, ErrNotFound))
	}
	return reservationsFromRequests(e.Reservations()), nil
}

// ColorFlips returns the index's color flip counter.
func (s *service) ColorFlips(_ context.Context) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.ColorFlips()
}

// Validate checks the index invariants.
func (s *service) Validate(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "catalog.validate")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.idx.Validate(); err != nil {
		return s.fail(span, err)
	}
	return nil
}

// snapshot copies the book as it stands under the held lock, or returns nil
// when it does not exist.
func (s *service) snapshot(id index.BookID) *Book {
	if e, ok := s.idx.FindExact(id); ok {
		return bookFromEntry(e)
	}
	return nil
}

// persist hands a committed change to the store. It runs under the write lock
// so changes reach the store in commit order. The index already holds the
// change, so the caller's cancellation does not reach the store.
func (s *service) persist(ctx context.Context, span trace.Span, change Change) error {
	if err := s.store.Apply(context.WithoutCancel(ctx), change); err != nil {
		s.logError(logMsgPersistenceFailed, logAttrChangeKind, change.Kind, logAttrBookID, change.BookID, logAttrError, err)
		return s.fail(span, fmt.Errorf("%w: %s for book %d: %w", ErrPersistence, change.Kind, change.BookID, err))
	}
	return nil
}

func (s *service) reject(span trace.Span, err error) error {
	span.SetAttributes(attribute.String("rejected", err.Error()))
	s.logDebug(logMsgRejected, logAttrError, err)
	return err
}

func (s *service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *service) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *service) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *service) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
