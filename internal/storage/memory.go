// internal/storage/memory.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

// Memory keeps the catalog in process memory. It is the store behind the
// "memory" driver and a reference for what the durable stores must keep.
type Memory struct {
	mu      sync.Mutex
	records map[index.BookID]*index.Record
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{records: map[index.BookID]*index.Record{}}
}

// Entries returns a copy of every record in ascending id order.
func (m *Memory) Entries(_ context.Context) ([]index.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]index.Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		cp.Reservations = append([]reservation.Request(nil), rec.Reservations...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply folds change into the stored records.
func (m *Memory) Apply(_ context.Context, change catalog.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.Kind == catalog.BookAdded {
		if _, exists := m.records[change.BookID]; exists {
			return fmt.Errorf("book %d: %w", change.BookID, catalog.ErrDuplicateID)
		}
		m.records[change.BookID] = &index.Record{
			ID:     change.BookID,
			Title:  change.Title,
			Author: change.Author,
			Status: index.Available,
		}
		return nil
	}

	rec, ok := m.records[change.BookID]
	if !ok {
		return fmt.Errorf("apply %s to book %d: %w", change.Kind, change.BookID, catalog.ErrNotFound)
	}
	switch change.Kind {
	case catalog.BookBorrowed:
		rec.Status, rec.Lent, rec.BorrowedBy = index.Unavailable, true, change.Patron
	case catalog.ReservationQueued:
		rec.Reservations = append(rec.Reservations, change.Request())
	case catalog.BookReturned:
		rec.Status, rec.Lent, rec.BorrowedBy = index.Available, false, 0
	case catalog.BookReallocated:
		rec.Status, rec.Lent, rec.BorrowedBy = index.Unavailable, true, change.Patron
		rec.Reservations = removeRequest(rec.Reservations, change.Request())
	case catalog.BookDeleted:
		delete(m.records, change.BookID)
	default:
		return fmt.Errorf("%w: %q", catalog.ErrUnknownChange, change.Kind)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// removeRequest drops the first request equal to r.
func removeRequest(reqs []reservation.Request, r reservation.Request) []reservation.Request {
	for i, q := range reqs {
		if q.Patron == r.Patron && q.Priority == r.Priority && q.RequestedAt.Equal(r.RequestedAt) {
			return append(reqs[:i], reqs[i+1:]...)
		}
	}
	return reqs
}
