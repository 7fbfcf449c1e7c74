// internal/catalog/service.go
package catalog

import (
	"context"

	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

// Service defines the interface for the catalog service.
type Service interface {
	Load(ctx context.Context) error
	AddBook(ctx context.Context, id index.BookID, title, author string) (*Book, error)
	GetBook(ctx context.Context, id index.BookID) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	FindNearest(ctx context.Context, target index.BookID) (*Book, error)
	Borrow(ctx context.Context, patron index.PatronID, id index.BookID, priority reservation.Priority) (BorrowOutcome, error)
	Return(ctx context.Context, patron index.PatronID, id index.BookID) (ReturnOutcome, error)
	DeleteBook(ctx context.Context, id index.BookID) ([]index.PatronID, error)
	Reservations(ctx context.Context, id index.BookID) ([]Reservation, error)
	ColorFlips(ctx context.Context) uint64
	Validate(ctx context.Context) error
}

// Store durably keeps the catalog. Entries is read once at start-up; Apply is
// called after every committed mutation, in commit order.
type Store interface {
	Entries(ctx context.Context) ([]index.Record, error)
	Apply(ctx context.Context, change Change) error
	Close() error
}
