// pkg/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
	ErrNoEvents            = errors.New("no events to append")
)

const uniqueViolation = "23505"

// Schema creates the events table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	event_id UUID NOT NULL UNIQUE,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS events_aggregate_type_idx ON events (aggregate_type, id);
`

// Event represents a domain event with full metadata
type Event struct {
	ID            int64               `json:"id" db:"id"`
	EventID       uuid.UUID           `json:"event_id" db:"event_id"`
	AggregateID   uuid.UUID           `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string              `json:"aggregate_type" db:"aggregate_type"`
	EventType     string              `json:"event_type" db:"event_type"`
	EventData     jsoniter.RawMessage `json:"event_data" db:"event_data"`
	Metadata      map[string]any      `json:"metadata" db:"metadata"`
	Version       int                 `json:"version" db:"version"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return jsoniter.ConfigFastest.Unmarshal(e.EventData, v)
}

// NewEvent builds an event whose payload is data encoded as JSON.
func NewEvent(eventType string, data any, metadata map[string]any) (Event, error) {
	payload, err := jsoniter.ConfigFastest.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		EventID:   uuid.New(),
		EventType: eventType,
		EventData: payload,
		Metadata:  metadata,
	}, nil
}

// Projection applies appended events to a read model inside the append transaction.
type Projection func(ctx context.Context, tx *sql.Tx, events []Event) error

// EventStore provides ACID guarantees for event sourcing
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

// NewEventStore creates a new event store on top of db. Both the lib/pq and
// the pgx stdlib drivers are supported.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("gatorlibrary/eventstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the events table if it does not exist.
func (es *EventStore) Migrate(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create events schema: %w", err)
	}
	return nil
}

// AppendEvents atomically appends events with optimistic concurrency control
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	return es.AppendEventsWith(ctx, aggregateID, aggregateType, expectedVersion, events, nil)
}

// AppendEventsWith is AppendEvents with a projection that runs in the same
// transaction. The events passed to project carry their stored ids and versions.
func (es *EventStore) AppendEventsWith(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event, project Projection) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	if len(events) == 0 {
		return ErrNoEvents
	}

	// Begin transaction with serializable isolation
	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	stored := make([]Event, len(events))
	for i, event := range events {
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.CreatedAt = es.now()
		if event.EventID == uuid.Nil {
			event.EventID = uuid.New()
		}

		metadataJSON, err := jsoniter.ConfigFastest.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of event %d: %w", i, err)
		}

		err = stmt.QueryRowContext(
			ctx,
			event.EventID,
			aggregateID,
			aggregateType,
			event.EventType,
			[]byte(event.EventData),
			metadataJSON,
			event.Version,
			event.CreatedAt,
		).Scan(&event.ID)
		if err != nil {
			// A concurrent writer took the same version.
			if isUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", event.ID),
			attribute.Int("event.version", event.Version),
			attribute.String("event.type", event.EventType),
		))
		stored[i] = event
	}

	if project != nil {
		if err := project(ctx, tx, stored); err != nil {
			return fmt.Errorf("project events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// LoadEvents retrieves all events for an aggregate with optional version range
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM events
		WHERE aggregate_id = $1
		AND version >= $2
	`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
		),
	)
	defer span.End()

	var version int
	err := es.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamEvents provides a cursor-based event stream for projections
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var data, metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&data,
			&metadataJSON,
			&event.Version,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = data
		if len(metadataJSON) > 0 {
			if err := jsoniter.ConfigFastest.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
