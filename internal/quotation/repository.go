package quotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/pricing"
)

const (
	stream    = "quotation"
	sequence  = "quotation.id"
	kindSaved = "quotation.saved"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Quotation, error)
	List(ctx context.Context, filter ListFilter) ([]Quotation, error)
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Quotation, error)
	Insert(ctx context.Context, q Quotation) (Quotation, error)
	Update(ctx context.Context, q Quotation) error
}

// Repository stores quotations in the shared store.
type Repository struct {
	db    *memdb.DB
	items map[int64]Quotation
}

// NewRepository creates the repository and registers it for replay.
func NewRepository(db *memdb.DB) *Repository {
	r := &Repository{db: db, items: make(map[int64]Quotation)}
	db.Register(stream, r)
	return r
}

// WithTx runs fn inside a store transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.db.Update(ctx, func(ctx context.Context) error {
		return fn(ctx, txRepo{r: r})
	})
}

// Get returns a copy of the quotation.
func (r *Repository) Get(ctx context.Context, id int64) (Quotation, error) {
	var q Quotation
	err := r.db.View(ctx, func(context.Context) error {
		found, ok := r.items[id]
		if !ok {
			return ErrQuotationNotFound
		}
		q = clone(found)
		return nil
	})
	return q, err
}

// List returns quotations ordered by id.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Quotation, error) {
	var out []Quotation
	err := r.db.View(ctx, func(context.Context) error {
		for _, q := range r.items {
			if filter.ClientID != 0 && q.ClientID != filter.ClientID {
				continue
			}
			if filter.Status != "" && q.Status != filter.Status {
				continue
			}
			out = append(out, clone(q))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Apply rebuilds state from a journal event.
func (r *Repository) Apply(evt memdb.Event) error {
	if evt.Kind != kindSaved {
		return fmt.Errorf("quotation: unknown event kind %q", evt.Kind)
	}
	var q Quotation
	if err := json.Unmarshal(evt.Payload, &q); err != nil {
		return err
	}
	r.items[q.ID] = q
	r.db.Observe(sequence, q.ID)
	return nil
}

func clone(q Quotation) Quotation {
	q.Lines = pricing.CloneLines(q.Lines)
	return q
}

type txRepo struct {
	r *Repository
}

func (tx txRepo) GetForUpdate(_ context.Context, id int64) (Quotation, error) {
	q, ok := tx.r.items[id]
	if !ok {
		return Quotation{}, ErrQuotationNotFound
	}
	return clone(q), nil
}

func (tx txRepo) Insert(ctx context.Context, q Quotation) (Quotation, error) {
	id, err := tx.r.db.NextID(ctx, sequence)
	if err != nil {
		return Quotation{}, err
	}
	q.ID = id
	q.Number = fmt.Sprintf("Q-%06d", id)
	if err := tx.save(ctx, q); err != nil {
		return Quotation{}, err
	}
	return q, nil
}

func (tx txRepo) Update(ctx context.Context, q Quotation) error {
	if _, ok := tx.r.items[q.ID]; !ok {
		return ErrQuotationNotFound
	}
	return tx.save(ctx, q)
}

func (tx txRepo) save(ctx context.Context, q Quotation) error {
	r := tx.r
	prev, existed := r.items[q.ID]
	r.items[q.ID] = clone(q)
	if err := r.db.OnRollback(ctx, func() {
		if existed {
			r.items[q.ID] = prev
		} else {
			delete(r.items, q.ID)
		}
	}); err != nil {
		return err
	}
	return r.db.Emit(ctx, stream, kindSaved, strconv.FormatInt(q.ID, 10), q)
}
