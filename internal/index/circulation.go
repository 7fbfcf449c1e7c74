// internal/index/circulation.go
package index

import (
	"time"

	"gatorlibrary/internal/reservation"
)

// BorrowResult is the outcome of a borrow attempt.
type BorrowResult int

const (
	BorrowNotFound BorrowResult = iota
	Borrowed
	QueuedForReservation
	QueueFull
)

var borrowResultNames = map[BorrowResult]string{
	BorrowNotFound:       "not_found",
	Borrowed:             "borrowed",
	QueuedForReservation: "queued_for_reservation",
	QueueFull:            "queue_full",
}

func (r BorrowResult) String() string {
	if s, ok := borrowResultNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseBorrowResult is the inverse of BorrowResult.String.
func ParseBorrowResult(s string) (BorrowResult, bool) {
	for r, name := range borrowResultNames {
		if name == s {
			return r, true
		}
	}
	return BorrowNotFound, false
}

// ReturnOutcome is the kind of result a return produced.
type ReturnOutcome int

const (
	ReturnNotFound ReturnOutcome = iota
	NotBorrowedByPatron
	Returned
	ReturnedAndReallocated
)

var returnOutcomeNames = map[ReturnOutcome]string{
	ReturnNotFound:         "not_found",
	NotBorrowedByPatron:    "not_borrowed_by_patron",
	Returned:               "returned",
	ReturnedAndReallocated: "returned_and_reallocated",
}

func (o ReturnOutcome) String() string {
	if s, ok := returnOutcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// ParseReturnOutcome is the inverse of ReturnOutcome.String.
func ParseReturnOutcome(s string) (ReturnOutcome, bool) {
	for o, name := range returnOutcomeNames {
		if name == s {
			return o, true
		}
	}
	return ReturnNotFound, false
}

// ReturnResult is the outcome of a return. NextPatron and Fulfilled are set
// only for ReturnedAndReallocated; Fulfilled is the reservation that was served.
type ReturnResult struct {
	Outcome    ReturnOutcome
	NextPatron PatronID
	Fulfilled  reservation.Request
}

// Changed reports whether the return mutated the entry.
func (r ReturnResult) Changed() bool {
	return r.Outcome == Returned || r.Outcome == ReturnedAndReallocated
}

// Borrow lends the book to patron when it is on the shelf, otherwise queues a
// reservation at the given priority, stamped with the index clock.
func (t *Index) Borrow(patron PatronID, id BookID, priority reservation.Priority) BorrowResult {
	return t.BorrowAt(patron, id, priority, time.Time{})
}

// BorrowAt is Borrow with the reservation time supplied by the caller. A zero
// time falls back to the index clock.
func (t *Index) BorrowAt(patron PatronID, id BookID, priority reservation.Priority, at time.Time) BorrowResult {
	e := t.find(id)
	if e == t.sentinel {
		return BorrowNotFound
	}
	if e.status == Available {
		e.lendTo(patron)
		return Borrowed
	}
	if !e.reservations.Push(reservation.Request{Patron: patron, Priority: priority, RequestedAt: at}) {
		return QueueFull
	}
	return QueuedForReservation
}

// Return takes the book back from patron and hands it to the most eligible
// reservation, if there is one.
func (t *Index) Return(patron PatronID, id BookID) ReturnResult {
	e := t.find(id)
	if e == t.sentinel {
		return ReturnResult{Outcome: ReturnNotFound}
	}
	if holder, lent := e.BorrowedBy(); !lent || holder != patron {
		return ReturnResult{Outcome: NotBorrowedByPatron}
	}

	if next, ok := e.reservations.ExtractTop(); ok {
		e.lendTo(next.Patron)
		return ReturnResult{Outcome: ReturnedAndReallocated, NextPatron: next.Patron, Fulfilled: next}
	}
	e.release()
	return ReturnResult{Outcome: Returned}
}
