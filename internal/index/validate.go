// internal/index/validate.go
package index

import (
	"errors"
	"fmt"

	"gatorlibrary/internal/reservation"
)

// ErrInvariant is wrapped by every error Validate returns.
var ErrInvariant = errors.New("index invariant violated")

// Validate walks the whole tree and checks key order, parent links, the
// red-black rules and the reservation bound. It runs in O(n).
func (t *Index) Validate() error {
	s := t.sentinel
	if s.color != black {
		return fmt.Errorf("%w: sentinel is red", ErrInvariant)
	}
	if s.left != nil || s.right != nil || s.parent != nil {
		return fmt.Errorf("%w: sentinel links were written", ErrInvariant)
	}
	if t.root == s {
		if t.size != 0 {
			return fmt.Errorf("%w: empty tree reports %d entries", ErrInvariant, t.size)
		}
		return nil
	}
	if t.root.color != black {
		return fmt.Errorf("%w: root %d is red", ErrInvariant, t.root.id)
	}
	if t.root.parent != s {
		return fmt.Errorf("%w: root %d has a parent", ErrInvariant, t.root.id)
	}

	count := 0
	if _, err := t.check(t.root, nil, nil, &count); err != nil {
		return err
	}
	if count != t.size {
		return fmt.Errorf("%w: counted %d entries, size is %d", ErrInvariant, count, t.size)
	}
	return nil
}

// check returns the black height of the subtree rooted at n. lo and hi are
// inclusive bounds inherited from the ancestors: equal keys descend right on
// insert, and rotations may later move them to either side.
func (t *Index) check(n *Entry, lo, hi *BookID, count *int) (int, error) {
	if n == t.sentinel {
		return 1, nil
	}
	*count++

	if lo != nil && n.id < *lo {
		return 0, fmt.Errorf("%w: key %d less than ancestor %d", ErrInvariant, n.id, *lo)
	}
	if hi != nil && n.id > *hi {
		return 0, fmt.Errorf("%w: key %d greater than ancestor %d", ErrInvariant, n.id, *hi)
	}
	if n.left != t.sentinel && n.left.parent != n {
		return 0, fmt.Errorf("%w: left child of %d has a stale parent link", ErrInvariant, n.id)
	}
	if n.right != t.sentinel && n.right.parent != n {
		return 0, fmt.Errorf("%w: right child of %d has a stale parent link", ErrInvariant, n.id)
	}
	if n.color == red && (n.left.color == red || n.right.color == red) {
		return 0, fmt.Errorf("%w: red node %d has a red child", ErrInvariant, n.id)
	}
	if n.reservations.Size() > reservation.Capacity {
		return 0, fmt.Errorf("%w: book %d queues %d reservations", ErrInvariant, n.id, n.reservations.Size())
	}

	id := n.id
	lh, err := t.check(n.left, lo, &id, count)
	if err != nil {
		return 0, err
	}
	rh, err := t.check(n.right, &id, hi, count)
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, fmt.Errorf("%w: black heights %d and %d below %d", ErrInvariant, lh, rh, n.id)
	}
	if n.color == black {
		lh++
	}
	return lh, nil
}
