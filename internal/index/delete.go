// internal/index/delete.go
package index

// Delete removes the entry with the given id and returns the patrons whose
// reservations were cancelled, in the order they would have been served.
// The queue is drained even for an available book. A missing id yields an
// empty list.
func (t *Index) Delete(id BookID) []PatronID {
	z := t.find(id)
	if z == t.sentinel {
		return []PatronID{}
	}

	pending := z.reservations.Drain()
	cancelled := make([]PatronID, len(pending))
	for i, r := range pending {
		cancelled[i] = r.Patron
	}

	t.remove(z)
	return cancelled
}

func (t *Index) remove(z *Entry) {
	y := z
	removedColor := y.color
	// x takes y's place; xParent is tracked separately because x may be the
	// sentinel, whose parent link is never written.
	var x, xParent *Entry

	switch {
	case z.left == t.sentinel:
		x, xParent = z.right, z.parent
		t.transplant(z, z.right)
	case z.right == t.sentinel:
		x, xParent = z.left, z.parent
		t.transplant(z, z.left)
	default:
		y = t.minimum(z.right)
		removedColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		t.setColor(y, z.color)
	}

	t.size--
	z.left, z.right, z.parent = nil, nil, nil

	if removedColor == black {
		t.deleteFixup(x, xParent)
	}
}

// transplant replaces the subtree rooted at u with the one rooted at v.
func (t *Index) transplant(u, v *Entry) {
	switch {
	case u.parent == t.sentinel:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != t.sentinel {
		v.parent = u.parent
	}
}

// deleteFixup restores the black height after a black node left the tree.
// x carries the extra black and parent is x's parent.
func (t *Index) deleteFixup(x, parent *Entry) {
	for x != t.root && x.color == black {
		if x == parent.left {
			w := parent.right
			if w.color == red {
				t.setColor(w, black)
				t.setColor(parent, red)
				t.rotateLeft(parent)
				w = parent.right
			}
			if w.left.color == black && w.right.color == black {
				t.setColor(w, red)
				x, parent = parent, parent.parent
				continue
			}
			if w.right.color == black {
				t.setColor(w.left, black)
				t.setColor(w, red)
				t.rotateRight(w)
				w = parent.right
			}
			t.setColor(w, parent.color)
			t.setColor(parent, black)
			t.setColor(w.right, black)
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := parent.left
			if w.color == red {
				t.setColor(w, black)
				t.setColor(parent, red)
				t.rotateRight(parent)
				w = parent.left
			}
			if w.right.color == black && w.left.color == black {
				t.setColor(w, red)
				x, parent = parent, parent.parent
				continue
			}
			if w.left.color == black {
				t.setColor(w.right, black)
				t.setColor(w, red)
				t.rotateLeft(w)
				w = parent.left
			}
			t.setColor(w, parent.color)
			t.setColor(parent, black)
			t.setColor(w.left, black)
			t.rotateRight(parent)
			x = t.root
		}
	}
	t.setColor(x, black)
}
