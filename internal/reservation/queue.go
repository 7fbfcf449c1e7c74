// internal/reservation/queue.go
package reservation

import (
	"fmt"
	"time"
)

// Capacity is the maximum number of pending reservations a single book can hold.
const Capacity = 20

// PatronID identifies a library patron.
type PatronID int64

// Priority ranks how eligible a reservation is. Higher wins.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Request is a pending reservation for a book that is currently lent out.
type Request struct {
	Patron      PatronID
	Priority    Priority
	RequestedAt time.Time

	seq uint64
}

// before reports whether a is more eligible than b: higher priority first,
// then the earlier request, then the one inserted first.
func before(a, b Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.seq < b.seq
}

// Queue is a fixed-capacity binary heap of reservation requests.
// Slot 0 is unused so that the children of i are 2i and 2i+1.
type Queue struct {
	heap [Capacity + 1]Request
	size int
	seq  uint64
	now  func() time.Time
}

// New returns an empty queue stamping requests with now. A nil now uses time.Now.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now}
}

// Size returns the number of queued requests.
func (q *Queue) Size() int { return q.size }

// Full reports whether another request would be rejected.
func (q *Queue) Full() bool { return q.size >= Capacity }

// Insert queues a request stamped with the current time.
// It returns false, leaving the queue untouched, when the queue is full.
func (q *Queue) Insert(patron PatronID, priority Priority) bool {
	return q.Push(Request{Patron: patron, Priority: priority})
}

// Push queues r keeping its timestamp. A zero timestamp is replaced by the current time.
func (q *Queue) Push(r Request) bool {
	if q.Full() {
		return false
	}
	if r.RequestedAt.IsZero() {
		if q.now == nil {
			q.now = time.Now
		}
		r.RequestedAt = q.now()
	}
	q.seq++
	r.seq = q.seq

	q.size++
	q.heap[q.size] = r
	q.siftUp(q.size)
	return true
}

// ExtractTop removes and returns the most eligible request.
func (q *Queue) ExtractTop() (Request, bool) {
	if q.size == 0 {
		return Request{}, false
	}
	top := q.heap[1]
	q.heap[1] = q.heap[q.size]
	q.heap[q.size] = Request{}
	q.size--
	if q.size > 0 {
		q.siftDown(1)
	}
	return top, true
}

// Drain empties the queue and returns its requests, most eligible first.
func (q *Queue) Drain() []Request {
	out := make([]Request, 0, q.size)
	for {
		r, ok := q.ExtractTop()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// Requests returns the queued requests in extraction order without modifying q.
func (q *Queue) Requests() []Request {
	c := *q
	return c.Drain()
}

func (q *Queue) siftUp(i int) {
	for i > 1 {
		parent := i / 2
		if !before(q.heap[i], q.heap[parent]) {
			return
		}
		q.heap[i], q.heap[parent] = q.heap[parent], q.heap[i]
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	for {
		best := i
		left, right := 2*i, 2*i+1
		if left <= q.size && before(q.heap[left], q.heap[best]) {
			best = left
		}
		if right <= q.size && before(q.heap[right], q.heap[best]) {
			best = right
		}
		if best == i {
			return
		}
		q.heap[i], q.heap[best] = q.heap[best], q.heap[i]
		i = best
	}
}
