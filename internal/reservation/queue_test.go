// internal/reservation/queue_test.go
package reservation

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// tickingClock returns a clock that advances one second per call.
func tickingClock() func() time.Time {
	t := epoch
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func patrons(rs []Request) []PatronID {
	out := make([]PatronID, len(rs))
	for i, r := range rs {
		out[i] = r.Patron
	}
	return out
}

func TestExtractTopOnEmptyQueue(t *testing.T) {
	q := New(nil)
	_, ok := q.ExtractTop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.Drain())
}

func TestHigherPriorityWins(t *testing.T) {
	q := New(tickingClock())
	require.True(t, q.Insert(102, PriorityHigh))
	require.True(t, q.Insert(103, PriorityMedium))
	require.True(t, q.Insert(104, PriorityLow))
	require.True(t, q.Insert(105, PriorityHigh))

	assert.Equal(t, []PatronID{102, 105, 103, 104}, patrons(q.Drain()))
}

func TestEarlierRequestWinsWithinTier(t *testing.T) {
	q := New(nil)
	require.True(t, q.Push(Request{Patron: 1, Priority: PriorityLow, RequestedAt: epoch.Add(3 * time.Minute)}))
	require.True(t, q.Push(Request{Patron: 2, Priority: PriorityLow, RequestedAt: epoch.Add(1 * time.Minute)}))
	require.True(t, q.Push(Request{Patron: 3, Priority: PriorityLow, RequestedAt: epoch.Add(2 * time.Minute)}))

	top, ok := q.ExtractTop()
	require.True(t, ok)
	assert.Equal(t, PatronID(2), top.Patron)
	assert.Equal(t, 2, q.Size())
}

func TestIdenticalTimestampsKeepInsertionOrder(t *testing.T) {
	fixed := func() time.Time { return epoch }
	q := New(fixed)
	for p := PatronID(1); p <= 6; p++ {
		require.True(t, q.Insert(p, PriorityMedium))
	}

	assert.Equal(t, []PatronID{1, 2, 3, 4, 5, 6}, patrons(q.Drain()))
}

func TestInsertRejectsWhenFull(t *testing.T) {
	q := New(tickingClock())
	for i := 0; i < Capacity; i++ {
		require.True(t, q.Insert(PatronID(200+i), PriorityLow))
	}
	require.True(t, q.Full())

	snapshot := q.Requests()
	assert.False(t, q.Insert(999, PriorityHigh))
	assert.Equal(t, Capacity, q.Size())
	assert.Equal(t, snapshot, q.Requests(), "a rejected insert must not change the queue")
}

func TestRequestsDoesNotConsume(t *testing.T) {
	q := New(tickingClock())
	q.Insert(1, PriorityLow)
	q.Insert(2, PriorityHigh)

	assert.Equal(t, []PatronID{2, 1}, patrons(q.Requests()))
	assert.Equal(t, 2, q.Size())
}

func TestPushStampsZeroTimestamp(t *testing.T) {
	q := New(func() time.Time { return epoch })
	require.True(t, q.Push(Request{Patron: 7, Priority: PriorityLow}))

	r, ok := q.ExtractTop()
	require.True(t, ok)
	assert.Equal(t, epoch, r.RequestedAt)
}

func TestPriorityValid(t *testing.T) {
	assert.False(t, Priority(0).Valid())
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority(4).Valid())
	assert.Equal(t, "medium", PriorityMedium.String())
}

type modelRequest struct {
	patron   PatronID
	priority Priority
	at       time.Time
	order    int
}

func TestDrainOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, Capacity+10).Draw(t, "n")
		q := New(nil)
		var model []modelRequest

		for i := 0; i < n; i++ {
			prio := Priority(rapid.IntRange(1, 3).Draw(t, "priority"))
			at := epoch.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "offset")) * time.Second)
			ok := q.Push(Request{Patron: PatronID(i), Priority: prio, RequestedAt: at})
			if len(model) < Capacity {
				if !ok {
					t.Fatalf("insert %d rejected with %d queued", i, len(model))
				}
				model = append(model, modelRequest{patron: PatronID(i), priority: prio, at: at, order: i})
			} else if ok {
				t.Fatalf("insert %d accepted beyond capacity", i)
			}
			if q.Size() > Capacity {
				t.Fatalf("size %d exceeds capacity", q.Size())
			}
		}

		sort.SliceStable(model, func(i, j int) bool {
			if model[i].priority != model[j].priority {
				return model[i].priority > model[j].priority
			}
			return model[i].at.Before(model[j].at)
		})

		got := patrons(q.Drain())
		if len(got) != len(model) {
			t.Fatalf("drained %d requests, want %d", len(got), len(model))
		}
		for i := range model {
			if got[i] != model[i].patron {
				t.Fatalf("position %d: got patron %d, want %d", i, got[i], model[i].patron)
			}
		}
	})
}

func TestInterleavedOperationsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New(tickingClock())
		var model []Request
		next := PatronID(1)

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			if rapid.Bool().Draw(t, "insert") {
				prio := Priority(rapid.IntRange(1, 3).Draw(t, "priority"))
				ok := q.Insert(next, prio)
				if ok != (len(model) < Capacity) {
					t.Fatalf("insert returned %v with %d queued", ok, len(model))
				}
				if ok {
					model = append(model, Request{Patron: next, Priority: prio})
				}
				next++
				continue
			}

			got, ok := q.ExtractTop()
			if ok != (len(model) > 0) {
				t.Fatalf("extract returned %v with %d queued", ok, len(model))
			}
			if !ok {
				continue
			}
			// The ticking clock makes patron order equal to time order.
			best := 0
			for i := range model {
				if model[i].Priority > model[best].Priority ||
					(model[i].Priority == model[best].Priority && model[i].Patron < model[best].Patron) {
					best = i
				}
			}
			if got.Patron != model[best].Patron {
				t.Fatalf("extracted patron %d, want %d", got.Patron, model[best].Patron)
			}
			model = append(model[:best], model[best+1:]...)
		}

		if q.Size() != len(model) {
			t.Fatalf("size %d, want %d", q.Size(), len(model))
		}
	})
}
