package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/platform/memdb"
)

const (
	stream       = "stock"
	movementSeq  = "stock.movement"
	kindOpened   = "balance.opened"
	kindMovement = "movement.recorded"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key Key) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListMovements(ctx context.Context, key Key) ([]Movement, error)
	Verify(ctx context.Context) ([]Drift, error)
}

// TxRepository exposes the writes that must share a transaction.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, key Key) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, mv Movement) (Movement, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	IsReversed(ctx context.Context, id int64) (bool, error)
}

// Repository keeps the movement log and its balance cache in the shared store.
type Repository struct {
	db        *memdb.DB
	movements []Movement
	index     map[int64]int
	balances  map[Key]Balance
	reversed  map[int64]int64
}

// NewRepository creates a repository and registers it for journal replay.
func NewRepository(db *memdb.DB) *Repository {
	r := &Repository{
		db:       db,
		index:    make(map[int64]int),
		balances: make(map[Key]Balance),
		reversed: make(map[int64]int64),
	}
	db.Register(stream, r)
	return r
}

// WithTx runs fn inside a store transaction, joining the caller's if any.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.db.Update(ctx, func(ctx context.Context) error {
		return fn(ctx, txRepo{r: r})
	})
}

// GetBalance reads the cached balance of a stock line.
func (r *Repository) GetBalance(ctx context.Context, key Key) (Balance, error) {
	var bal Balance
	err := r.db.View(ctx, func(context.Context) error {
		b, ok := r.balances[key]
		if !ok {
			return ErrBalanceNotFound
		}
		bal = b
		return nil
	})
	return bal, err
}

// ListBalances returns the cached balances ordered by key.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	var out []Balance
	err := r.db.View(ctx, func(context.Context) error {
		for _, b := range r.balances {
			if filter.Matches(b) {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProductCode != b.ProductCode {
			return a.ProductCode < b.ProductCode
		}
		if a.Warehouse != b.Warehouse {
			return a.Warehouse < b.Warehouse
		}
		return a.Ownership < b.Ownership
	})
	return out, err
}

// ListMovements returns the movements of one stock line in log order.
func (r *Repository) ListMovements(ctx context.Context, key Key) ([]Movement, error) {
	var out []Movement
	err := r.db.View(ctx, func(context.Context) error {
		for _, mv := range r.movements {
			if mv.Key() == key {
				out = append(out, mv)
			}
		}
		return nil
	})
	return out, err
}

// Verify recomputes every balance from the movement log.
func (r *Repository) Verify(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	err := r.db.View(ctx, func(context.Context) error {
		computed := make(map[Key]Balance, len(r.balances))
		for _, mv := range r.movements {
			b := computed[mv.Key()]
			if mv.Type == MovementIn {
				b.Entries = b.Entries.Add(mv.Quantity)
			} else {
				b.Exits = b.Exits.Add(mv.Quantity)
			}
			computed[mv.Key()] = b
		}
		for key, cached := range r.balances {
			b := computed[key]
			qty := b.Entries.Sub(b.Exits)
			if !qty.Equal(cached.Quantity) || !b.Entries.Equal(cached.Entries) || !b.Exits.Equal(cached.Exits) || qty.IsNegative() {
				drifts = append(drifts, Drift{Key: key, Cached: cached.Quantity, Computed: qty})
			}
			delete(computed, key)
		}
		for key, b := range computed {
			drifts = append(drifts, Drift{Key: key, Computed: b.Entries.Sub(b.Exits)})
		}
		return nil
	})
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Key.ProductCode < drifts[j].Key.ProductCode })
	return drifts, err
}

// Apply rebuilds state from a journal event.
func (r *Repository) Apply(evt memdb.Event) error {
	switch evt.Kind {
	case kindOpened:
		var b Balance
		if err := json.Unmarshal(evt.Payload, &b); err != nil {
			return err
		}
		if cur, ok := r.balances[b.Key()]; ok {
			cur.Name, cur.Category = b.Name, b.Category
			b = cur
		}
		r.balances[b.Key()] = b
	case kindMovement:
		var mv Movement
		if err := json.Unmarshal(evt.Payload, &mv); err != nil {
			return err
		}
		bal := r.balances[mv.Key()]
		if bal.ProductCode == "" {
			bal = Balance{ProductCode: mv.ProductCode, Warehouse: mv.Warehouse, Ownership: mv.Ownership}
		}
		if mv.Type == MovementIn {
			bal.Entries = bal.Entries.Add(mv.Quantity)
		} else {
			bal.Exits = bal.Exits.Add(mv.Quantity)
		}
		bal.Quantity = bal.Entries.Sub(bal.Exits)
		bal.UpdatedAt = mv.RecordedAt
		r.balances[mv.Key()] = bal
		r.index[mv.ID] = len(r.movements)
		r.movements = append(r.movements, mv)
		if mv.ReversesID != nil {
			r.reversed[*mv.ReversesID] = mv.ID
		}
		r.db.Observe(movementSeq, mv.ID)
	default:
		return fmt.Errorf("stock: unknown event kind %q", evt.Kind)
	}
	return nil
}

type txRepo struct {
	r *Repository
}

func (tx txRepo) GetBalanceForUpdate(_ context.Context, key Key) (Balance, error) {
	b, ok := tx.r.balances[key]
	if !ok {
		return Balance{ProductCode: key.ProductCode, Warehouse: key.Warehouse, Ownership: key.Ownership}, ErrBalanceNotFound
	}
	return b, nil
}

func (tx txRepo) UpsertBalance(ctx context.Context, balance Balance) error {
	r := tx.r
	key := balance.Key()
	prev, existed := r.balances[key]
	r.balances[key] = balance
	if err := r.db.OnRollback(ctx, func() {
		if existed {
			r.balances[key] = prev
		} else {
			delete(r.balances, key)
		}
	}); err != nil {
		return err
	}
	if existed {
		return nil
	}
	opened := balance
	opened.Entries, opened.Exits, opened.Quantity = decimal.Zero, decimal.Zero, decimal.Zero
	return r.db.Emit(ctx, stream, kindOpened, fmt.Sprintf("%s/%s/%s", key.ProductCode, key.Warehouse, key.Ownership), opened)
}

func (tx txRepo) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	r := tx.r
	id, err := r.db.NextID(ctx, movementSeq)
	if err != nil {
		return Movement{}, err
	}
	mv.ID = id
	r.index[id] = len(r.movements)
	r.movements = append(r.movements, mv)
	if mv.ReversesID != nil {
		r.reversed[*mv.ReversesID] = id
	}
	if err := r.db.OnRollback(ctx, func() {
		r.movements = r.movements[:len(r.movements)-1]
		delete(r.index, id)
		if mv.ReversesID != nil {
			delete(r.reversed, *mv.ReversesID)
		}
	}); err != nil {
		return Movement{}, err
	}
	if err := r.db.Emit(ctx, stream, kindMovement, strconv.FormatInt(id, 10), mv); err != nil {
		return Movement{}, err
	}
	return mv, nil
}

func (tx txRepo) GetMovement(_ context.Context, id int64) (Movement, error) {
	i, ok := tx.r.index[id]
	if !ok {
		return Movement{}, ErrMovementNotFound
	}
	return tx.r.movements[i], nil
}

func (tx txRepo) IsReversed(_ context.Context, id int64) (bool, error) {
	_, ok := tx.r.reversed[id]
	return ok, nil
}
