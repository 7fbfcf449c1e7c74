// internal/storage/sqlite/sqlite.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/index"
	"gatorlibrary/internal/reservation"
)

const timeLayout = time.RFC3339Nano

// Store keeps the catalog in a single SQLite file.
type Store struct {
	db *sql.DB

	insertChangeStmt *sql.Stmt
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if s.insertChangeStmt, err = db.Prepare(`INSERT INTO changes(kind, book_id, payload, at) VALUES(?,?,?,?)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and closes the DB.
func (s *Store) Close() error {
	if s.insertChangeStmt != nil {
		s.insertChangeStmt.Close()
	}
	return s.db.Close()
}

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'available',
			borrowed_by INTEGER,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			patron_id INTEGER NOT NULL,
			priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 3),
			requested_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS reservations_book_idx ON reservations(book_id, id);`,
		`CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			book_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Entries returns every book with its queued reservations, in ascending id order.
func (s *Store) Entries(ctx context.Context) ([]index.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, author, status, borrowed_by FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var records []index.Record
	pos := map[index.BookID]int{}
	for rows.Next() {
		var (
			rec    index.Record
			status string
			holder sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Author, &status, &holder); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		st, ok := index.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("book %d has unknown status %q", rec.ID, status)
		}
		rec.Status = st
		if holder.Valid {
			rec.Lent, rec.BorrowedBy = true, index.PatronID(holder.Int64)
		}
		pos[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}

	resRows, err := s.db.QueryContext(ctx, `SELECT book_id, patron_id, priority, requested_at FROM reservations ORDER BY book_id, id`)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		var (
			bookID index.BookID
			req    reservation.Request
			at     string
		)
		if err := resRows.Scan(&bookID, &req.Patron, &req.Priority, &at); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		if req.RequestedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse reservation time: %w", err)
		}
		i, ok := pos[bookID]
		if !ok {
			continue
		}
		records[i].Reservations = append(records[i].Reservations, req)
	}
	if err := resRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return records, nil
}

// Apply records change in the changes log and updates the book tables in one transaction.
func (s *Store) Apply(ctx context.Context, change catalog.Change) error {
	payload, err := jsoniter.ConfigFastest.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := change.At.UTC().Format(timeLayout)
	if _, err := tx.StmtContext(ctx, s.insertChangeStmt).ExecContext(ctx, string(change.Kind), change.BookID, string(payload), at); err != nil {
		return fmt.Errorf("log change: %w", err)
	}
	if err := applyChange(ctx, tx, change, at); err != nil {
		return err
	}
	return tx.Commit()
}

func applyChange(ctx context.Context, tx *sql.Tx, c catalog.Change, at string) error {
	switch c.Kind {
	case catalog.BookAdded:
		_, err := tx.ExecContext(ctx, `INSERT INTO books(id, title, author, status, updated_at) VALUES(?,?,?,?,?)`,
			c.BookID, c.Title, c.Author, index.Available.String(), at)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("book %d: %w", c.BookID, catalog.ErrDuplicateID)
		}
		if err != nil {
			return fmt.Errorf("insert book %d: %w", c.BookID, err)
		}
		return nil

	case catalog.BookBorrowed:
		return updateBook(ctx, tx, c, `UPDATE books SET status=?, borrowed_by=?, updated_at=? WHERE id=?`,
			index.Unavailable.String(), c.Patron, at, c.BookID)

	case catalog.ReservationQueued:
		if err := bookExists(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO reservations(book_id, patron_id, priority, requested_at) VALUES(?,?,?,?)`,
			c.BookID, c.Patron, int(c.Priority), c.RequestedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil

	case catalog.BookReturned:
		return updateBook(ctx, tx, c, `UPDATE books SET status=?, borrowed_by=NULL, updated_at=? WHERE id=?`,
			index.Available.String(), at, c.BookID)

	case catalog.BookReallocated:
		if err := updateBook(ctx, tx, c, `UPDATE books SET status=?, borrowed_by=?, updated_at=? WHERE id=?`,
			index.Unavailable.String(), c.Patron, at, c.BookID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = (
			SELECT id FROM reservations
			WHERE book_id=? AND patron_id=? AND priority=? AND requested_at=?
			ORDER BY id LIMIT 1)`,
			c.BookID, c.Patron, int(c.Priority), c.RequestedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("remove served reservation: %w", err)
		}
		return nil

	case catalog.BookDeleted:
		return updateBook(ctx, tx, c, `DELETE FROM books WHERE id=?`, c.BookID)

	default:
		return fmt.Errorf("%w: %q", catalog.ErrUnknownChange, c.Kind)
	}
}

func updateBook(ctx context.Context, tx *sql.Tx, c catalog.Change, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, catalog.ErrNotFound)
	}
	return nil
}

func bookExists(ctx context.Context, tx *sql.Tx, c catalog.Change) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM books WHERE id=?`, c.BookID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("apply %s to book %d: %w", c.Kind, c.BookID, catalog.ErrNotFound)
	}
	return err
}

// ChangeCount returns how many changes have been logged.
func (s *Store) ChangeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
