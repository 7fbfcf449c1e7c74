// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

var (
	ErrNotFound        = errors.New("book not found")
	ErrDuplicateID     = errors.New("book id already in use")
	ErrInvalidID       = errors.New("book id must be positive")
	ErrInvalidPatron   = errors.New("patron id must be positive")
	ErrInvalidPriority = errors.New("priority must be 1, 2 or 3")
	ErrEmptyTitle      = errors.New("title must not be empty")
	ErrEmptyAuthor     = errors.New("author must not be empty")
	ErrQueueFull       = errors.New("reservation queue is full")
	ErrNotBorrowed     = errors.New("book is not borrowed by this patron")
	ErrPersistence     = errors.New("change applied but not persisted")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUnknownChange   = errors.New("unknown change kind")
)

// Book represents a catalog entry as seen by callers of the service.
type Book struct {
	ID           index.BookID    `json:"id"`
	Title        string          `json:"title"`
	Author       string          `json:"author"`
	Status       string          `json:"status"`
	BorrowedBy   *index.PatronID `json:"borrowed_by,omitempty"`
	Reservations int             `json:"reservations"`
}

// Reservation is a queued request, listed in the order it would be served.
type Reservation struct {
	PatronID    index.PatronID `json:"patron_id"`
	Priority    int            `json:"priority"`
	RequestedAt time.Time      `json:"requested_at"`
}

// BorrowOutcome is the result of a borrow and the book as it stood right
// after it. Book is nil when the book does not exist.
type BorrowOutcome struct {
	Result index.BorrowResult
	Book   *Book
}

// ReturnOutcome is the result of a return and the book as it stood right
// after it. Book is nil when the book does not exist.
type ReturnOutcome struct {
	index.ReturnResult
	Book *Book
}

func bookFromEntry(e *index.Entry) *Book {
	b := &Book{
		ID:           e.ID(),
		Title:        e.Title(),
		Author:       e.Author(),
		Status:       e.Status().String(),
		Reservations: e.ReservationCount(),
	}
	if holder, ok := e.BorrowedBy(); ok {
		b.BorrowedBy = &holder
	}
	return b
}

func reservationsFromRequests(reqs []reservation.Request) []Reservation {
	out := make([]Reservation, len(reqs))
	for i, r := range reqs {
		out[i] = Reservation{
			PatronID:    r.Patron,
			Priority:    int(r.Priority),
			RequestedAt: r.RequestedAt,
		}
	}
	return out
}

// ChangeKind names a committed mutation of the catalog.
type ChangeKind string

const (
	BookAdded         ChangeKind = "BookAdded"
	BookBorrowed      ChangeKind = "BookBorrowed"
	ReservationQueued ChangeKind = "ReservationQueued"
	BookReturned      ChangeKind = "BookReturned"
	BookReallocated   ChangeKind = "BookReallocated"
	BookDeleted       ChangeKind = "BookDeleted"
)

// Change is published to the Store after every mutation of the index.
//
// Patron is the borrower for BookBorrowed, the reserving patron for
// ReservationQueued, the returning patron for BookReturned and the new holder
// for BookReallocated. For BookReallocated, Previous is the returning patron
// and Priority/RequestedAt identify the reservation that was served.
type Change struct {
	Kind        ChangeKind           `json:"kind"`
	BookID      index.BookID         `json:"book_id"`
	Title       string               `json:"title,omitempty"`
	Author      string               `json:"author,omitempty"`
	Patron      index.PatronID       `json:"patron_id,omitempty"`
	Previous    index.PatronID       `json:"previous_patron_id,omitempty"`
	Priority    reservation.Priority `json:"priority,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
	Cancelled   []index.PatronID     `json:"cancelled,omitempty"`
	At          time.Time            `json:"at"`
}

// Request returns the reservation a ReservationQueued or BookReallocated change refers to.
func (c Change) Request() reservation.Request {
	return reservation.Request{Patron: c.Patron, Priority: c.Priority, RequestedAt: c.RequestedAt}
}
