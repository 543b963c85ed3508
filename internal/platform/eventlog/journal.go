// Package eventlog persists the store's committed events in PostgreSQL so
// balances, paid amounts, collections and numbering sequences survive a
// restart.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrodist/salesops/internal/platform/db"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/shared"
)

// ErrJournalUnavailable marks failures the caller may retry.
var ErrJournalUnavailable = shared.External("journal_unavailable", "eventlog: journal unavailable")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS salesops_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          BIGINT NOT NULL UNIQUE,
	stream      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	key         TEXT NOT NULL,
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
)`

const streamIndexSQL = `CREATE INDEX IF NOT EXISTS salesops_events_stream_key_idx ON salesops_events (stream, key)`

// Events of one commit go in a single statement so they land together.
const appendSQL = `
INSERT INTO salesops_events (id, stream, kind, key, payload, recorded_at)
SELECT t.id, t.stream, t.kind, t.key, t.payload::jsonb, t.recorded_at
FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
	WITH ORDINALITY AS t(id, stream, kind, key, payload, recorded_at, ord)
ORDER BY t.ord
ON CONFLICT (id) DO NOTHING`

const replaySQL = `SELECT id, stream, kind, key, payload, recorded_at FROM salesops_events ORDER BY seq`

type conn interface {
	db.Beginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Journal implements memdb.Journal on top of a pgx pool.
type Journal struct {
	conn conn
}

var _ memdb.Journal = (*Journal)(nil)

// New wraps the pool.
func New(pool *pgxpool.Pool) *Journal {
	return &Journal{conn: pool}
}

// Migrate creates the events table when missing.
func (j *Journal) Migrate(ctx context.Context) error {
	return db.WithTx(ctx, j.conn, func(tx pgx.Tx) error {
		for _, stmt := range []string{schemaSQL, streamIndexSQL} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return classify("migrate", err)
			}
		}
		return nil
	})
}

// Append implements memdb.Journal. Replayed ids are ignored so a retried
// commit does not duplicate events.
func (j *Journal) Append(ctx context.Context, events []memdb.Event) error {
	if len(events) == 0 {
		return nil
	}
	var (
		ids      = make([]int64, len(events))
		streams  = make([]string, len(events))
		kinds    = make([]string, len(events))
		keys     = make([]string, len(events))
		payloads = make([]string, len(events))
		times    = make([]time.Time, len(events))
	)
	for i, evt := range events {
		ids[i] = evt.ID
		streams[i] = evt.Stream
		kinds[i] = evt.Kind
		keys[i] = evt.Key
		payloads[i] = string(evt.Payload)
		times[i] = evt.RecordedAt
	}
	if _, err := j.conn.Exec(ctx, appendSQL, ids, streams, kinds, keys, payloads, times); err != nil {
		return classify("append", err)
	}
	return nil
}

// Replay implements memdb.Journal, streaming events in commit order.
func (j *Journal) Replay(ctx context.Context, fn func(memdb.Event) error) error {
	rows, err := j.conn.Query(ctx, replaySQL)
	if err != nil {
		return classify("replay", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			evt     memdb.Event
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Stream, &evt.Kind, &evt.Key, &payload, &evt.RecordedAt); err != nil {
			return fmt.Errorf("eventlog: scan: %w", err)
		}
		evt.Payload = payload
		if err := fn(evt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify("replay", err)
	}
	return nil
}

// classify marks connection loss, serialization failures and deadlocks as
// retryable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return fmt.Errorf("%w: %s: %s (%s)", ErrJournalUnavailable, op, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("eventlog: %s: %w", op, err)
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrJournalUnavailable, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %s: %w", ErrJournalUnavailable, op, err)
	}
	return fmt.Errorf("eventlog: %s: %w", op, err)
}
