// internal/index/index.go
package index

import (
	"errors"
	"fmt"
	"time"

	"gatorlibrary/internal/reservation"
)

var (
	ErrTooManyReservations = errors.New("record holds more reservations than a book can queue")
	ErrReservationsOnShelf = errors.New("record holds reservations for an available book")
	ErrLoanWithoutHolder   = errors.New("record marks a book unavailable without a holder")
)

// Index is a red-black tree of catalog entries keyed by book id.
//
// Every missing child and the root's parent point at a single black sentinel
// owned by the index. The sentinel is never written to, so rotations and the
// fix-up walks can follow links without nil checks.
//
// Index is not safe for concurrent use.
type Index struct {
	sentinel *Entry
	root     *Entry
	size     int
	flips    uint64
	now      func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithClock sets the clock used to stamp reservations.
func WithClock(now func() time.Time) Option {
	return func(t *Index) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns an empty index.
func New(opts ...Option) *Index {
	sentinel := &Entry{color: black}
	t := &Index{
		sentinel: sentinel,
		root:     sentinel,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of entries.
func (t *Index) Len() int { return t.size }

// ColorFlips returns how many times a node actually changed color.
func (t *Index) ColorFlips() uint64 { return t.flips }

// Insert adds a new entry. Equal keys descend to the right; callers that need
// unique ids must check with FindExact first.
func (t *Index) Insert(id BookID, title, author string, status Status) *Entry {
	z := t.newEntry(id, title, author)
	z.status = status
	t.insert(z)
	return z
}

// Restore inserts an entry from its persisted record, including its holder and
// queued reservations.
func (t *Index) Restore(rec Record) (*Entry, error) {
	if len(rec.Reservations) > reservation.Capacity {
		return nil, fmt.Errorf("book %d: %w", rec.ID, ErrTooManyReservations)
	}
	if rec.Status == Available && len(rec.Reservations) > 0 {
		return nil, fmt.Errorf("book %d: %w", rec.ID, ErrReservationsOnShelf)
	}
	if rec.Status == Unavailable && !rec.Lent {
		return nil, fmt.Errorf("book %d: %w", rec.ID, ErrLoanWithoutHolder)
	}

	z := t.newEntry(rec.ID, rec.Title, rec.Author)
	z.status = rec.Status
	if rec.Status == Unavailable {
		z.lendTo(rec.BorrowedBy)
	}
	for _, r := range rec.Reservations {
		z.reservations.Push(r)
	}
	t.insert(z)
	return z, nil
}

func (t *Index) newEntry(id BookID, title, author string) *Entry {
	return &Entry{
		id:           id,
		title:        title,
		author:       author,
		color:        red,
		left:         t.sentinel,
		right:        t.sentinel,
		parent:       t.sentinel,
		reservations: reservation.New(t.now),
	}
}

func (t *Index) insert(z *Entry) {
	y := t.sentinel
	for x := t.root; x != t.sentinel; {
		y = x
		if z.id < x.id {
			x = x.left
		} else {
			x = x.right
		}
	}

	z.parent = y
	switch {
	case y == t.sentinel:
		t.root = z
	case z.id < y.id:
		y.left = z
	default:
		y.right = z
	}
	t.size++
	t.insertFixup(z)
}

func (t *Index) insertFixup(z *Entry) {
	for z.parent.color == red {
		grandparent := z.parent.parent
		if z.parent == grandparent.left {
			uncle := grandparent.right
			if uncle.color == red {
				t.setColor(z.parent, black)
				t.setColor(uncle, black)
				t.setColor(grandparent, red)
				z = grandparent
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			t.setColor(z.parent, black)
			t.setColor(z.parent.parent, red)
			t.rotateRight(z.parent.parent)
		} else {
			uncle := grandparent.left
			if uncle.color == red {
				t.setColor(z.parent, black)
				t.setColor(uncle, black)
				t.setColor(grandparent, red)
				z = grandparent
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			t.setColor(z.parent, black)
			t.setColor(z.parent.parent, red)
			t.rotateLeft(z.parent.parent)
		}
	}
	t.setColor(t.root, black)
}

// setColor recolors n and counts the change. Recoloring the sentinel or
// assigning the color a node already has is not a flip.
func (t *Index) setColor(n *Entry, c color) {
	if n == t.sentinel || n.color == c {
		return
	}
	n.color = c
	t.flips++
}

//	    x                y
//	   / \              / \
//	  a   y     =>     x   c
//	     / \          / \
//	    b   c        a   b
func (t *Index) rotateLeft(x *Entry) {
	y := x.right
	x.right = y.left
	if y.left != t.sentinel {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == t.sentinel:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

//	      y            x
//	     / \          / \
//	    x   c   =>   a   y
//	   / \              / \
//	  a   b            b   c
func (t *Index) rotateRight(y *Entry) {
	x := y.left
	y.left = x.right
	if x.right != t.sentinel {
		x.right.parent = y
	}
	x.parent = y.parent
	switch {
	case y.parent == t.sentinel:
		t.root = x
	case y == y.parent.right:
		y.parent.right = x
	default:
		y.parent.left = x
	}
	x.right = y
	y.parent = x
}

// FindExact returns the entry with the given id.
func (t *Index) FindExact(id BookID) (*Entry, bool) {
	n := t.find(id)
	if n == t.sentinel {
		return nil, false
	}
	return n, true
}

func (t *Index) find(id BookID) *Entry {
	n := t.root
	for n != t.sentinel && n.id != id {
		if id < n.id {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// FindNearest returns the entry whose id is closest to target. When two ids are
// equally close the smaller one wins. It reports false only for an empty index.
//
// The closest key on either side of target lies on the search path for target,
// so a single descent is enough.
func (t *Index) FindNearest(target BookID) (*Entry, bool) {
	best := t.sentinel
	var bestDist uint64
	for n := t.root; n != t.sentinel; {
		d := distance(n.id, target)
		if best == t.sentinel || d < bestDist || (d == bestDist && n.id < best.id) {
			best, bestDist = n, d
		}
		switch {
		case target < n.id:
			n = n.left
		case target > n.id:
			n = n.right
		default:
			return n, true
		}
	}
	if best == t.sentinel {
		return nil, false
	}
	return best, true
}

// distance is |a-b| computed without overflow.
func distance(a, b BookID) uint64 {
	if a > b {
		return uint64(a) - uint64(b)
	}
	return uint64(b) - uint64(a)
}

// Min returns the entry with the smallest id.
func (t *Index) Min() (*Entry, bool) {
	if t.root == t.sentinel {
		return nil, false
	}
	return t.minimum(t.root), true
}

// Max returns the entry with the largest id.
func (t *Index) Max() (*Entry, bool) {
	if t.root == t.sentinel {
		return nil, false
	}
	n := t.root
	for n.right != t.sentinel {
		n = n.right
	}
	return n, true
}

func (t *Index) minimum(n *Entry) *Entry {
	for n.left != t.sentinel {
		n = n.left
	}
	return n
}

func (t *Index) successor(n *Entry) *Entry {
	if n.right != t.sentinel {
		return t.minimum(n.right)
	}
	p := n.parent
	for p != t.sentinel && n == p.right {
		n, p = p, p.parent
	}
	return p
}

// Ascend calls fn for every entry in ascending id order until fn returns false.
// fn must not modify the index.
func (t *Index) Ascend(fn func(*Entry) bool) {
	if t.root == t.sentinel {
		return
	}
	for n := t.minimum(t.root); n != t.sentinel; n = t.successor(n) {
		if !fn(n) {
			return
		}
	}
}
