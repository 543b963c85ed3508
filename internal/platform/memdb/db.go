// Package memdb is the in-process store of record shared by the ledger
// repositories. Writes are serialised behind a single writer lock and rolled
// back through an undo journal; committed mutations are mirrored into an
// optional append-only Journal so every cache can be rebuilt on boot.
package memdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("memdb: write inside read-only transaction")

// ErrNoTransaction is returned by helpers that require an open write transaction.
var ErrNoTransaction = errors.New("memdb: no write transaction in context")

// Event is a committed mutation as recorded in the journal.
type Event struct {
	ID         int64           `json:"id"`
	Stream     string          `json:"stream"`
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Journal persists committed events in commit order.
type Journal interface {
	Append(ctx context.Context, events []Event) error
	Replay(ctx context.Context, fn func(Event) error) error
}

// Applier rebuilds repository state from a journal stream.
type Applier interface {
	Apply(evt Event) error
}

// Config groups store options.
type Config struct {
	Journal Journal
	NodeID  int64
}

// DB guards every repository map with one RW lock.
type DB struct {
	mu       sync.RWMutex
	seqs     map[string]int64
	appliers map[string]Applier
	restored []func() error
	journal  Journal
	node     *snowflake.Node
}

// Open builds a DB with the supplied options.
func Open(cfg Config) (*DB, error) {
	nodeID := cfg.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("memdb: snowflake node: %w", err)
	}
	return &DB{
		seqs:     make(map[string]int64),
		appliers: make(map[string]Applier),
		journal:  cfg.Journal,
		node:     node,
	}, nil
}

// New builds a DB without a journal.
func New() *DB {
	db, err := Open(Config{})
	if err != nil {
		panic(err)
	}
	return db
}

type txKey struct{}

// Tx is the state of an open transaction.
type Tx struct {
	db     *DB
	write  bool
	undo   []func()
	events []Event
}

func current(ctx context.Context, db *DB) *Tx {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	if !ok || tx.db != db {
		return nil
	}
	return tx
}

// Update runs fn inside a serialisable write transaction. A nested call joins
// the caller's transaction and rolls back only its own writes on error.
func (db *DB) Update(ctx context.Context, fn func(context.Context) error) error {
	if tx := current(ctx, db); tx != nil {
		if !tx.write {
			return ErrReadOnly
		}
		mark, events := len(tx.undo), len(tx.events)
		if err := fn(ctx); err != nil {
			tx.rollbackTo(mark)
			tx.events = tx.events[:events]
			return err
		}
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &Tx{db: db, write: true}
	defer func() {
		if p := recover(); p != nil {
			tx.rollbackTo(0)
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		tx.rollbackTo(0)
		return err
	}
	if db.journal != nil && len(tx.events) > 0 {
		if err := db.journal.Append(ctx, tx.events); err != nil {
			tx.rollbackTo(0)
			return fmt.Errorf("memdb: append journal: %w", err)
		}
	}
	return nil
}

// View runs fn against a consistent snapshot.
func (db *DB) View(ctx context.Context, fn func(context.Context) error) error {
	if tx := current(ctx, db); tx != nil {
		return fn(ctx)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn(context.WithValue(ctx, txKey{}, &Tx{db: db}))
}

func (tx *Tx) rollbackTo(mark int) {
	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

func (db *DB) writer(ctx context.Context) (*Tx, error) {
	tx := current(ctx, db)
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if !tx.write {
		return nil, ErrReadOnly
	}
	return tx, nil
}

// OnRollback registers fn to undo a write made in the current transaction.
func (db *DB) OnRollback(ctx context.Context, fn func()) error {
	tx, err := db.writer(ctx)
	if err != nil {
		return err
	}
	tx.undo = append(tx.undo, fn)
	return nil
}

// Emit queues an event for the journal. It is discarded if the transaction rolls back.
func (db *DB) Emit(ctx context.Context, stream, kind, key string, payload any) error {
	tx, err := db.writer(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memdb: encode %s/%s: %w", stream, kind, err)
	}
	tx.events = append(tx.events, Event{
		ID:         db.node.Generate().Int64(),
		Stream:     stream,
		Kind:       kind,
		Key:        key,
		Payload:    raw,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// NextID allocates the next value of a named sequence.
func (db *DB) NextID(ctx context.Context, seq string) (int64, error) {
	tx, err := db.writer(ctx)
	if err != nil {
		return 0, err
	}
	prev := db.seqs[seq]
	db.seqs[seq] = prev + 1
	tx.undo = append(tx.undo, func() { db.seqs[seq] = prev })
	return prev + 1, nil
}

// Observe raises a sequence to at least id. Only valid while applying replayed events.
func (db *DB) Observe(seq string, id int64) {
	if id > db.seqs[seq] {
		db.seqs[seq] = id
	}
}

// Register binds a stream to the repository that rebuilds it.
func (db *DB) Register(stream string, a Applier) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.appliers[stream] = a
}

// AfterRestore registers fn to run once the journal has been replayed, still
// under the writer lock. Hooks run in registration order and recompute the
// caches derived from the replayed logs.
func (db *DB) AfterRestore(fn func() error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.restored = append(db.restored, fn)
}

// Restore replays the journal into the registered repositories, then runs
// the AfterRestore hooks.
func (db *DB) Restore(ctx context.Context) (int, error) {
	if db.journal == nil {
		return 0, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	count := 0
	err := db.journal.Replay(ctx, func(evt Event) error {
		a, ok := db.appliers[evt.Stream]
		if !ok {
			return fmt.Errorf("memdb: no applier for stream %q", evt.Stream)
		}
		if err := a.Apply(evt); err != nil {
			return fmt.Errorf("memdb: apply %s/%s %s: %w", evt.Stream, evt.Kind, evt.Key, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	for _, fn := range db.restored {
		if err := fn(); err != nil {
			return count, fmt.Errorf("memdb: after restore: %w", err)
		}
	}
	return count, nil
}
