// Package postgres is a durable grain.EventStore backend over PostgreSQL: a
// pgxpool-backed SQL table, a hand-built read query, and a transaction that
// checks the append condition before inserting. Tag matching uses
// jsonb-array containment since grain allows repeated tag kinds on one
// event.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grainhq/grain/internal/metrics"
	"github.com/grainhq/grain/pkg/grain"
)

// Schema is the DDL grain expects on the target database. Callers run it
// themselves (e.g. via a migrate subcommand); Open never creates tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	tags       JSONB NOT NULL DEFAULT '[]',
	body       JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (type);
CREATE INDEX IF NOT EXISTS idx_events_tags ON events USING GIN (tags);
`

// Store is a grain.EventStore backed by a PostgreSQL table, ordered by the
// lexicographic (and thus chronological, for UUIDv7) sort of id.
type Store struct {
	pool *pgxpool.Pool
	bus  grain.Bus
}

// Open connects to dsn and returns a ready Store. It does not run Schema;
// run it once against the target database before first use.
func Open(ctx context.Context, dsn string, bus grain.Bus) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, grain.Fault("postgres.Open", "failed to connect to event store", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, grain.Fault("postgres.Open", "failed to ping event store", err)
	}
	return &Store{pool: pool, bus: bus}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Append(ctx context.Context, events []grain.InputEvent) ([]string, error) {
	return s.AppendIf(ctx, events, grain.AppendCondition{})
}

func (s *Store) AppendIf(ctx context.Context, events []grain.InputEvent, condition grain.AppendCondition) ([]string, error) {
	start := time.Now()
	defer func() { metrics.AppendDuration.Observe(time.Since(start).Seconds()) }()

	if len(events) == 0 {
		return nil, grain.Incorrect("postgres.Append", "events must not be empty", nil)
	}
	for i, e := range events {
		if e.Type == "" {
			return nil, grain.Incorrect("postgres.Append", fmt.Sprintf("event at index %d has empty type", i), nil)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, grain.Fault("postgres.Append", "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if len(condition.FailIfEventsMatch.Items) > 0 || condition.After != "" {
		if err := checkAppendCondition(ctx, tx, condition); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(events)+1)
	for _, e := range events {
		uid, err := uuid.NewV7()
		if err != nil {
			return nil, grain.Fault("postgres.Append", "failed to assign event id", err)
		}
		id := uid.String()
		if err := insertOne(ctx, tx, id, e.Type, e.Tags, e.Body, now); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	markerUID, err := uuid.NewV7()
	if err != nil {
		return nil, grain.Fault("postgres.Append", "failed to assign transaction marker id", err)
	}
	markerID := markerUID.String()
	if err := insertOne(ctx, tx, markerID, grain.TxMarkerType, nil, nil, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, grain.Fault("postgres.Append", "failed to commit transaction", err)
	}

	for _, e := range events {
		metrics.EventsAppendedTotal.WithLabelValues(e.Type).Inc()
	}

	if s.bus != nil {
		for i, id := range ids {
			ev := grain.Event{ID: id, Type: events[i].Type, Timestamp: now, Body: events[i].Body, Tags: events[i].Tags}
			if pubErr := s.bus.Publish(ctx, ev); pubErr != nil {
				return ids, grain.Fault("postgres.Append", "events committed but publish to bus failed", pubErr)
			}
		}
		marker := grain.Event{ID: markerID, Type: grain.TxMarkerType, Timestamp: now}
		if pubErr := s.bus.Publish(ctx, marker); pubErr != nil {
			return ids, grain.Fault("postgres.Append", "events committed but publish to bus failed", pubErr)
		}
	}

	return ids, nil
}

func insertOne(ctx context.Context, tx pgx.Tx, id, eventType string, tags []grain.Tag, body []byte, recordedAt time.Time) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return grain.Fault("postgres.Append", "failed to encode tags", err)
	}
	var bodyJSON []byte
	if body != nil {
		bodyJSON = body
	} else {
		bodyJSON = []byte("null")
	}
	_, err = tx.Exec(ctx, `INSERT INTO events (id, type, tags, body, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		id, eventType, tagsJSON, bodyJSON, recordedAt)
	if err != nil {
		return grain.Fault("postgres.Append", "failed to insert event", err)
	}
	return nil
}

// checkAppendCondition fails the append with a conflict anomaly if any event
// matching condition.FailIfEventsMatch already exists after condition.After.
func checkAppendCondition(ctx context.Context, tx pgx.Tx, condition grain.AppendCondition) error {
	sqlQuery, args, err := buildReadQuerySQL(condition.FailIfEventsMatch, condition.After, "", 1)
	if err != nil {
		return err
	}
	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return grain.Fault("postgres.Append", "failed to check append condition", err)
	}
	defer rows.Close()
	if rows.Next() {
		return grain.Conflict("postgres.Append", "append condition violated: events matching query already exist")
	}
	return rows.Err()
}

// Read returns events matching query in ascending id order. An empty query
// matches every event, including grain/tx markers; callers that want only
// domain events filter markers out themselves.
func (s *Store) Read(ctx context.Context, query grain.Query) ([]grain.Event, error) {
	sqlQuery, args, err := buildReadQuerySQL(query, query.After, query.Before, query.Limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, grain.Fault("postgres.Read", "failed to execute query", err)
	}
	defer rows.Close()

	var events []grain.Event
	for rows.Next() {
		var id, eventType string
		var tagsRaw, bodyRaw []byte
		var recordedAt time.Time
		if err := rows.Scan(&id, &eventType, &tagsRaw, &bodyRaw, &recordedAt); err != nil {
			return nil, grain.Fault("postgres.Read", "failed to scan row", err)
		}
		var tags []grain.Tag
		if err := json.Unmarshal(tagsRaw, &tags); err != nil {
			return nil, grain.Fault("postgres.Read", "failed to decode tags", err)
		}
		var body []byte
		if string(bodyRaw) != "null" {
			body = bodyRaw
		}
		events = append(events, grain.Event{ID: id, Type: eventType, Timestamp: recordedAt, Body: body, Tags: tags})
	}
	if err := rows.Err(); err != nil {
		return nil, grain.Fault("postgres.Read", "error iterating rows", err)
	}

	return events, nil
}

func (s *Store) CurrentPosition(ctx context.Context, query grain.Query) (string, error) {
	events, err := s.Read(ctx, query)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].ID, nil
}

// buildReadQuerySQL builds the SQL for reading events matching query between
// the half-open (after, before] id range, with an optional row limit.
func buildReadQuerySQL(query grain.Query, after, before string, limit int) (string, []any, error) {
	base := "SELECT id, type, tags, body, recorded_at FROM events"
	var conditions []string
	var args []any
	argIndex := 1

	if len(query.Items) > 0 {
		var orConditions []string
		for _, item := range query.Items {
			var itemConditions []string
			if len(item.EventTypes) > 0 {
				itemConditions = append(itemConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
				args = append(args, item.EventTypes)
				argIndex++
			}
			if len(item.Tags) > 0 {
				tagsJSON, err := json.Marshal(item.Tags)
				if err != nil {
					return "", nil, grain.Fault("postgres.buildReadQuerySQL", "failed to encode tags", err)
				}
				itemConditions = append(itemConditions, fmt.Sprintf("tags @> $%d::jsonb", argIndex))
				args = append(args, tagsJSON)
				argIndex++
			}
			if len(itemConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(itemConditions, " AND ")+")")
			}
		}
		if len(orConditions) > 0 {
			conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
		}
	}

	if after != "" {
		conditions = append(conditions, fmt.Sprintf("id > $%d", argIndex))
		args = append(args, after)
		argIndex++
	}
	if before != "" {
		conditions = append(conditions, fmt.Sprintf("id <= $%d", argIndex))
		args = append(args, before)
		argIndex++
	}

	if len(conditions) > 0 {
		base += " WHERE " + strings.Join(conditions, " AND ")
	}
	base += " ORDER BY id ASC"

	if limit > 0 {
		base += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, limit)
	}

	return base, args, nil
}
