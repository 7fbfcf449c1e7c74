// internal/index/entry.go
package index

import (
	"gatorlibrary/internal/reservation"
)

// BookID is the key of the catalog index.
type BookID int64

// PatronID identifies a borrower or a reserving patron.
type PatronID = reservation.PatronID

// Status is the availability of a catalog entry.
type Status int

const (
	Available Status = iota
	Unavailable
)

func (s Status) String() string {
	if s == Available {
		return "available"
	}
	return "unavailable"
}

// ParseStatus maps the persisted form of a status back to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "available":
		return Available, true
	case "unavailable":
		return Unavailable, true
	default:
		return Available, false
	}
}

type color bool

const (
	red   color = true
	black color = false
)

// Entry is one book in the index. Its links and color belong to the tree;
// callers only read it through the accessors.
type Entry struct {
	id         BookID
	title      string
	author     string
	status     Status
	borrowedBy PatronID
	lent       bool

	color               color
	left, right, parent *Entry

	reservations *reservation.Queue
}

func (e *Entry) ID() BookID      { return e.id }
func (e *Entry) Title() string   { return e.title }
func (e *Entry) Author() string  { return e.author }
func (e *Entry) Status() Status  { return e.status }
func (e *Entry) Available() bool { return e.status == Available }

// BorrowedBy returns the current holder, if any.
func (e *Entry) BorrowedBy() (PatronID, bool) {
	return e.borrowedBy, e.lent
}

// ReservationCount returns the number of queued reservations.
func (e *Entry) ReservationCount() int { return e.reservations.Size() }

// Reservations returns the queued reservations, next in line first.
func (e *Entry) Reservations() []reservation.Request { return e.reservations.Requests() }

func (e *Entry) lendTo(patron PatronID) {
	e.status = Unavailable
	e.borrowedBy = patron
	e.lent = true
}

func (e *Entry) release() {
	e.status = Available
	e.borrowedBy = 0
	e.lent = false
}

// Record is the persisted form of an entry, used to rebuild the index at start-up.
type Record struct {
	ID           BookID
	Title        string
	Author       string
	Status       Status
	BorrowedBy   PatronID
	Lent         bool
	Reservations []reservation.Request
}

// Record captures the entry's current state.
func (e *Entry) Record() Record {
	return Record{
		ID:           e.id,
		Title:        e.title,
		Author:       e.author,
		Status:       e.status,
		BorrowedBy:   e.borrowedBy,
		Lent:         e.lent,
		Reservations: e.reservations.Requests(),
	}
}
