// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // "postgres" driver

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
	"gatorlibrary/pkg/eventstore"
)

const (
	AggregateType = "Book"

	dialectPostgres = "postgres"
	tableBooks      = "books"
	tableRes        = "reservations"

	colID          = "id"
	colTitle       = "title"
	colAuthor      = "author"
	colStatus      = "status"
	colBorrowedBy  = "borrowed_by"
	colUpdatedAt   = "updated_at"
	colBookID      = "book_id"
	colPatronID    = "patron_id"
	colPriority    = "priority"
	colRequestedAt = "requested_at"

	rebuildBatchSize = 500
)

// readModelSchema holds the tables Entries reads. They are a projection of the
// events table and can be rebuilt from it at any time.
const readModelSchema = `
CREATE TABLE IF NOT EXISTS books (
	id BIGINT PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	status TEXT NOT NULL,
	borrowed_by BIGINT,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id BIGSERIAL PRIMARY KEY,
	book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
	patron_id BIGINT NOT NULL,
	priority SMALLINT NOT NULL CHECK (priority BETWEEN 1 AND 3),
	requested_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_book_idx ON reservations (book_id, id);
`

// bookNamespace seeds the aggregate ids of books.
var bookNamespace = uuid.MustParse("6f1c3f4e-2b8a-4d55-9a0e-7c1d2e3f4a5b")

// AggregateID maps a book id to the id of its event stream. The mapping is
// stable, so a re-added book continues the stream of its earlier incarnation.
func AggregateID(id index.BookID) uuid.UUID {
	return uuid.NewSHA1(bookNamespace, []byte(strconv.FormatInt(int64(id), 10)))
}

// Store is an event-sourced catalog store. Every change is appended to the
// events table and projected into the books and reservations tables in the
// same transaction.
type Store struct {
	db      *sqlx.DB
	events  *eventstore.EventStore
	builder goqu.DialectWrapper
}

// Open connects with driverName ("postgres" for lib/pq or "pgx" for pgx) and
// applies the schema.
func Open(ctx context.Context, driverName, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driverName, err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection pool. It does not touch the schema.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		events:  eventstore.NewEventStore(db.DB),
		builder: goqu.Dialect(dialectPostgres),
	}
}

// Migrate creates the events table and the read model.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.events.Migrate(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, readModelSchema); err != nil {
		return fmt.Errorf("create read model schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type bookRow struct {
	ID         int64         `db:"id"`
	Title      string        `db:"title"`
	Author     string        `db:"author"`
	Status     string        `db:"status"`
	BorrowedBy sql.NullInt64 `db:"borrowed_by"`
}

type reservationRow struct {
	BookID      int64     `db:"book_id"`
	PatronID    int64     `db:"patron_id"`
	Priority    int       `db:"priority"`
	RequestedAt time.Time `db:"requested_at"`
}

// Entries reads the read model, in ascending id order.
func (s *Store) Entries(ctx context.Context) ([]index.Record, error) {
	booksSQL, booksArgs, err := s.builder.From(tableBooks).
		Select(colID, colTitle, colAuthor, colStatus, colBorrowedBy).
		Order(goqu.C(colID).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build books query: %w", err)
	}
	var books []bookRow
	if err := s.db.SelectContext(ctx, &books, booksSQL, booksArgs...); err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}

	resSQL, resArgs, err := s.builder.From(tableRes).
		Select(colBookID, colPatronID, colPriority, colRequestedAt).
		Order(goqu.C(colBookID).Asc(), goqu.C(colID).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reservations query: %w", err)
	}
	var reservations []reservationRow
	if err := s.db.SelectContext(ctx, &reservations, resSQL, resArgs...); err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}

	records := make([]index.Record, 0, len(books))
	pos := make(map[int64]int, len(books))
	for _, b := range books {
		status, ok := index.ParseStatus(b.Status)
		if !ok {
			return nil, fmt.Errorf("book %d has unknown status %q", b.ID, b.Status)
		}
		rec := index.Record{
			ID:     index.BookID(b.ID),
			Title:  b.Title,
			Author: b.Author,
			Status: status,
		}
		if b.BorrowedBy.Valid {
			rec.Lent, rec.BorrowedBy = true, index.PatronID(b.BorrowedBy.Int64)
		}
		pos[b.ID] = len(records)
		records = append(records, rec)
	}
	for _, r := range reservations {
		i, ok := pos[r.BookID]
		if !ok {
			continue
		}
		records[i].Reservations = append(records[i].Reservations, reservation.Request{
			Patron:      index.PatronID(r.PatronID),
			Priority:    reservation.Priority(r.Priority),
			RequestedAt: r.RequestedAt.UTC(),
		})
	}
	return records, nil
}

// Apply appends change to its book's stream and projects it.
func (s *Store) Apply(ctx context.Context, change catalog.Change) error {
	event, err := eventstore.NewEvent(string(change.Kind), change, map[string]any{
		"book_id": int64(change.BookID),
	})
	if err != nil {
		return err
	}

	aggregateID := AggregateID(change.BookID)
	version, err := s.events.GetCurrentVersion(ctx, aggregateID)
	if err != nil {
		return err
	}
	return s.events.AppendEventsWith(ctx, aggregateID, AggregateType, version, []eventstore.Event{event}, s.project)
}

// History returns every change recorded for the book, oldest first.
func (s *Store) History(ctx context.Context, id index.BookID) ([]catalog.Change, error) {
	events, err := s.events.LoadEvents(ctx, AggregateID(id), 1, 0)
	if err != nil {
		return nil, err
	}
	changes := make([]catalog.Change, len(events))
	for i, e := range events {
		if err := e.Decode(&changes[i]); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
	}
	return changes, nil
}

// Rebuild empties the read model and replays every book event into it.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE reservations, books`); err != nil {
		return 0, fmt.Errorf("truncate read model: %w", err)
	}

	replayed := 0
	var cursor int64
	for {
		batch, err := s.events.StreamEvents(ctx, cursor, rebuildBatchSize)
		if err != nil {
			return replayed, err
		}
		if len(batch) == 0 {
			break
		}
		var books []eventstore.Event
		for _, e := range batch {
			if e.AggregateType == AggregateType {
				books = append(books, e)
			}
		}
		if err := s.project(ctx, tx.Tx, books); err != nil {
			return replayed, err
		}
		replayed += len(books)
		cursor = batch[len(batch)-1].ID
	}
	if err := tx.Commit(); err != nil {
		return replayed, fmt.Errorf("commit rebuild: %w", err)
	}
	return replayed, nil
}

func (s *Store) project(ctx context.Context, tx *sql.Tx, events []eventstore.Event) error {
	for _, e := range events {
		var c catalog.Change
		if err := e.Decode(&c); err != nil {
			return fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		if err := s.applyChange(ctx, tx, c, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyChange(ctx context.Context, tx *sql.Tx, c catalog.Change, at time.Time) error {
	id := int64(c.BookID)
	switch c.Kind {
	case catalog.BookAdded:
		n, err := s.exec(ctx, tx, c, s.builder.Insert(tableBooks).
			Rows(goqu.Record{
				colID:        id,
				colTitle:     c.Title,
				colAuthor:    c.Author,
				colStatus:    index.Available.String(),
				colUpdatedAt: at,
			}).
			OnConflict(goqu.DoNothing()).
			Prepared(true))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("book %d: %w", c.BookID, catalog.ErrDuplicateID)
		}
		return nil

	case catalog.BookBorrowed:
		return s.update(ctx, tx, c, goqu.Record{
			colStatus:     index.Unavailable.String(),
			colBorrowedBy: int64(c.Patron),
			colUpdatedAt:  at,
		})

	case catalog.ReservationQueued:
		if err := s.exists(ctx, tx, c); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, c, s.builder.Insert(tableRes).Rows(goqu.Record{
			colBookID:      id,
			colPatronID:    int64(c.Patron),
			colPriority:    int(c.Priority),
			colRequestedAt: dbTime(c.RequestedAt),
		}).Prepared(true))
		return err

	case catalog.BookReturned:
		return s.update(ctx, tx, c, goqu.Record{
			colStatus:     index.Available.String(),
			colBorrowedBy: nil,
			colUpdatedAt:  at,
		})

	case catalog.BookReallocated:
		if err := s.update(ctx, tx, c, goqu.Record{
			colStatus:     index.Unavailable.String(),
			colBorrowedBy: int64(c.Patron),
			colUpdatedAt:  at,
		}); err != nil {
			return err
		}
		served := s.builder.From(tableRes).Select(colID).
			Where(goqu.Ex{
				colBookID:      id,
				colPatronID:    int64(c.Patron),
				colPriority:    int(c.Priority),
				colRequestedAt: dbTime(c.RequestedAt),
			}).
			Order(goqu.C(colID).Asc()).
			Limit(1)
		_, err := s.exec(ctx, tx, c, s.builder.Delete(tableRes).Where(goqu.C(colID).Eq(served)).Prepared(true))
		return err

	case catalog.BookDeleted:
		n, err := s.exec(ctx, tx, c, s.builder.Delete(tableBooks).Where(goqu.C(colID).Eq(id)).Prepared(true))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, catalog.ErrNotFound)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", catalog.ErrUnknownChange, c.Kind)
	}
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, c catalog.Change, stmt sqlBuilder) (int64, error) {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build %s statement: %w", c.Kind, err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, err)
	}
	return res.RowsAffected()
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, c catalog.Change, set goqu.Record) error {
	n, err := s.exec(ctx, tx, c, s.builder.Update(tableBooks).Set(set).Where(goqu.C(colID).Eq(int64(c.BookID))).Prepared(true))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, catalog.ErrNotFound)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, tx *sql.Tx, c catalog.Change) error {
	query, args, err := s.builder.From(tableBooks).Select(goqu.L("1")).
		Where(goqu.C(colID).Eq(int64(c.BookID))).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build lookup: %w", err)
	}
	var one int
	err = tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, catalog.ErrNotFound)
	}
	return err
}

// dbTime drops what TIMESTAMPTZ cannot hold so that stored reservation times
// compare equal to the ones later changes carry.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
