// internal/storage/postgres/postgres_test.go
package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

func testDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"), envOr("PGPORT", "5432"), envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"), envOr("PGDATABASE", "testdb"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupStore opens a store on driverName, skipping the test when postgres is
// unreachable.
func setupStore(t *testing.T, driverName string) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := sqlx.Open(driverName, testDSN())
	require.NoError(t, err)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

// freshID returns a book id no earlier run has used.
func freshID() index.BookID {
	return index.BookID(time.Now().UnixNano())
}

func recordByID(t *testing.T, s *Store, id index.BookID) (index.Record, bool) {
	t.Helper()
	records, err := s.Entries(context.Background())
	require.NoError(t, err)
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return index.Record{}, false
}

func TestAggregateIDIsStable(t *testing.T) {
	assert.Equal(t, AggregateID(42), AggregateID(42))
	assert.NotEqual(t, AggregateID(42), AggregateID(43))
}

func TestDBTimeTruncatesToMicroseconds(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("X", 3600))
	got := dbTime(at)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
}

func TestStoreProjectsChanges(t *testing.T) {
	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s := setupStore(t, driver)
			id := freshID()
			at := time.Now().UTC()

			changes := []catalog.Change{
				{Kind: catalog.BookAdded, BookID: id, Title: "Dune", Author: "Frank Herbert", At: at},
				{Kind: catalog.BookBorrowed, BookID: id, Patron: 10, At: at},
				{Kind: catalog.ReservationQueued, BookID: id, Patron: 11, Priority: reservation.PriorityLow, RequestedAt: at, At: at},
				{Kind: catalog.ReservationQueued, BookID: id, Patron: 12, Priority: reservation.PriorityHigh, RequestedAt: at.Add(time.Second), At: at},
				{Kind: catalog.BookReallocated, BookID: id, Previous: 10, Patron: 12, Priority: reservation.PriorityHigh, RequestedAt: at.Add(time.Second), At: at},
			}
			for _, c := range changes {
				require.NoError(t, s.Apply(ctx, c), "apply %s", c.Kind)
			}

			rec, ok := recordByID(t, s, id)
			require.True(t, ok)
			assert.Equal(t, "Dune", rec.Title)
			assert.Equal(t, index.Unavailable, rec.Status)
			assert.Equal(t, index.PatronID(12), rec.BorrowedBy)
			require.Len(t, rec.Reservations, 1)
			assert.Equal(t, index.PatronID(11), rec.Reservations[0].Patron)
			assert.True(t, dbTime(at).Equal(rec.Reservations[0].RequestedAt))

			history, err := s.History(ctx, id)
			require.NoError(t, err)
			require.Len(t, history, len(changes))
			for i, c := range changes {
				assert.Equal(t, c.Kind, history[i].Kind)
			}

			require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookDeleted, BookID: id, Cancelled: []index.PatronID{11}, At: at}))
			_, ok = recordByID(t, s, id)
			assert.False(t, ok)
		})
	}
}

func TestStoreRejectionsLeaveNoEvents(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, "postgres")
	id := freshID()

	err := s.Apply(ctx, catalog.Change{Kind: catalog.BookBorrowed, BookID: id, Patron: 1})
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: id, Title: "T", Author: "A"}))
	err = s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: id, Title: "T", Author: "A"})
	assert.ErrorIs(t, err, catalog.ErrDuplicateID)

	history, err := s.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1, "rejected changes roll back their events")
}

func TestStoreRebuildReplaysEvents(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, "pgx")
	id := freshID()

	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookAdded, BookID: id, Title: "Emma", Author: "Jane Austen"}))
	require.NoError(t, s.Apply(ctx, catalog.Change{Kind: catalog.BookBorrowed, BookID: id, Patron: 7}))
	before, ok := recordByID(t, s, id)
	require.True(t, ok)

	replayed, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, replayed, 2)

	after, ok := recordByID(t, s, id)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestServiceRestartsFromEvents(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, "postgres")
	id := freshID()

	svc, err := catalog.NewService(s)
	require.NoError(t, err)
	require.NoError(t, svc.Load(ctx))
	_, err = svc.AddBook(ctx, id, "Title", "Author")
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 1, id, reservation.PriorityLow)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 2, id, reservation.PriorityMedium)
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, 3, id, reservation.PriorityHigh)
	require.NoError(t, err)

	restarted, err := catalog.NewService(s)
	require.NoError(t, err)
	require.NoError(t, restarted.Load(ctx))
	require.NoError(t, restarted.Validate(ctx))

	res, err := restarted.Return(ctx, 1, id)
	require.NoError(t, err)
	assert.Equal(t, index.ReturnedAndReallocated, res.Outcome)
	assert.Equal(t, index.PatronID(3), res.NextPatron)

	rec, ok := recordByID(t, s, id)
	require.True(t, ok)
	require.Len(t, rec.Reservations, 1)
	assert.Equal(t, index.PatronID(2), rec.Reservations[0].Patron)
}
