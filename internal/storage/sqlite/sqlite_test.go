// internal/storage/sqlite/sqlite_test.go
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

func tempDB(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStoreFoldsChanges(t *testing.T) {
	ctx := context.Background()
	s, _ := tempDB(t)
	at := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)

	changes := []catalog.Change{
		{Kind: catalog.BookAdded, BookID: 2, Title: "Emma", Author: "Jane Austen", At: at},
		{Kind: catalog.BookAdded, BookID: 1, Title: "Dune", Author: "Frank Herbert", At: at},
		{Kind: catalog.BookBorrowed, BookID: 1, Patron: 10, At: at},
		{Kind: catalog.ReservationQueued, BookID: 1, Patron: 11, Priority: reservation.PriorityLow, RequestedAt: at, At: at},
		{Kind: catalog.ReservationQueued, BookID: 1, Patron: 12, Priority: reservation.PriorityHigh, RequestedAt: at.Add(time.Minute), At: at},
		{Kind: catalog.BookReallocated, BookID: 1, Previous: 10, Patron: 12, Priority: reservation.PriorityHigh, RequestedAt: at.Add(time.Minute), At: at},
		{Kind: catalog.BookBorrowed, BookID: 2, Patron: 20, At: at},
		{Kind: catalog.BookReturned, BookID: 2, Patron: 20, At: at},
	}
	for _, c := range changes {
		require.NoError(t, s.Apply(ctx, c), "apply %s", c.Kind)
	}

	records, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	dune := records[0]
	assert.Equal(t, index.BookID(1), dune.ID)
	assert.Equal(t, "Dune", dune.Title)
	assert.Equal(t, index.Unavailable, dune.Status)
	assert.True(t, dune.Lent)
	assert.Equal(t, index.PatronID(12), dune.BorrowedBy)
	require.Len(t, dune.Reservations, 1)
	assert.Equal(t, index.PatronID(11), dune.Reservations[0].Patron)
	assert.Equal(t, reservation.PriorityLow, dune.Reservations[0].Priority)
	assert.True(t, at.Equal(dune.Reservations[0].RequestedAt))

	emma := records[1]
	assert.Equal(t, index.Available, emma.Status)
	assert.False(t, emma.Lent)

	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookDeleted, BookID: 1, Cancelled: []index.PatronID{11}, At: at}))
	records, err = s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, index.BookID(2), records[0].ID)

	n, err := s.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(changes)+1, n)
}

func TestStoreRejectsInconsistentChanges(t *testing.T) {
	ctx := context.Background()
	s, _ := tempDB(t)

	assert.ErrorIs(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookBorrowed, BookID: 9, Patron: 1}), catalog.ErrNotFound)
	assert.ErrorIs(t, s.Apply(ctx, catalog.Change{Kind: catalog.ReservationQueued, BookID: 9, Patron: 1, Priority: 1}), catalog.ErrNotFound)
	assert.ErrorIs(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookDeleted, BookID: 9}), catalog.ErrNotFound)

	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: 9, Title: "T", Author: "A"}))
	assert.ErrorIs(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: 9, Title: "T", Author: "A"}), catalog.ErrDuplicateID)
	assert.ErrorIs(t, s.Apply(ctx, catalog.Change{Kind: "BookBurned", BookID: 9}), catalog.ErrUnknownChange)

	// Rejected changes are rolled back together with their log row.
	n, err := s.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := tempDB(t)
	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: 4, Title: "Ulysses", Author: "James Joyce"}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	records, err := reopened.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Ulysses", records[0].Title)

	n, err := reopened.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenReportsUnreadableSchemaVersion(t *testing.T) {
	s, path := tempDB(t)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE meta SET value='not-a-number' WHERE key='schema_version'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schema version")
}

func TestServiceRestartsFromStore(t *testing.T) {
	ctx := context.Background()
	s, _ := tempDB(t)

	svc, err := catalog.NewService(s)
	require.NoError(t, err)
	for _, id := range []index.BookID{10, 20, 30} {
		_, err := svc.AddBook(ctx, id, "Title", "Author")
		require.NoError(t, err)
	}
	_, err = svc.Borrow(ctx, 1, 20, reservation.PriorityLow)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 2, 20, reservation.PriorityMedium)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 3, 20, reservation.PriorityHigh)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 4, 20, reservation.PriorityHigh)
	require.NoError(t, err)
	_, err = svc.Return(ctx, 1, 20)
	require.NoError(t, err)
	_, err = svc.DeleteBook(ctx, 30)
	require.NoError(t, err)

	restarted, err := catalog.NewService(s)
	require.NoError(t, err)
	require.NoError(t, restarted.Load(ctx))
	require.NoError(t, restarted.Validate(ctx))

	book, err := restarted.GetBook(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, book.BorrowedBy)
	assert.Equal(t, index.PatronID(3), *book.BorrowedBy)

	queue, err := restarted.Reservations(ctx, 20)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, index.PatronID(4), queue[0].PatronID)
	assert.Equal(t, index.PatronID(2), queue[1].PatronID)

	// The restored queue keeps serving in the same order.
	res, err := restarted.Return(ctx, 3, 20)
	require.NoError(t, err)
	assert.Equal(t, index.PatronID(4), res.NextPatron)

	_, err = restarted.GetBook(ctx, 30)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
