package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/pricing"
)

const (
	stream    = "order"
	sequence  = "order.id"
	kindSaved = "order.saved"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	View(ctx context.Context, fn func(context.Context) error) error
	Get(ctx context.Context, id int64) (Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
}

// TxRepository exposes transactional reads and writes.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Order, error)
	FindByQuotation(ctx context.Context, quotationID int64) (Order, error)
	Insert(ctx context.Context, o Order) (Order, error)
	Update(ctx context.Context, o Order) error
}

// Repository stores orders in the shared store.
type Repository struct {
	db          *memdb.DB
	items       map[int64]Order
	byQuotation map[int64]int64
}

// NewRepository creates the repository and registers it for replay.
func NewRepository(db *memdb.DB) *Repository {
	r := &Repository{
		db:          db,
		items:       make(map[int64]Order),
		byQuotation: make(map[int64]int64),
	}
	db.Register(stream, r)
	return r
}

// WithTx runs fn inside a store transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.db.Update(ctx, func(ctx context.Context) error {
		return fn(ctx, txRepo{r: r})
	})
}

// View runs fn against one consistent snapshot of the store.
func (r *Repository) View(ctx context.Context, fn func(context.Context) error) error {
	return r.db.View(ctx, fn)
}

// Get returns a copy of the order.
func (r *Repository) Get(ctx context.Context, id int64) (Order, error) {
	var o Order
	err := r.db.View(ctx, func(ctx context.Context) error {
		var err error
		o, err = txRepo{r: r}.GetForUpdate(ctx, id)
		return err
	})
	return o, err
}

// List returns orders ordered by id.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	var out []Order
	err := r.db.View(ctx, func(context.Context) error {
		for _, o := range r.items {
			if filter.ClientID != 0 && o.ClientID != filter.ClientID {
				continue
			}
			if filter.Status != "" && o.Status != filter.Status {
				continue
			}
			out = append(out, clone(o))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Apply rebuilds state from a journal event.
func (r *Repository) Apply(evt memdb.Event) error {
	if evt.Kind != kindSaved {
		return fmt.Errorf("orders: unknown event kind %q", evt.Kind)
	}
	var o Order
	if err := json.Unmarshal(evt.Payload, &o); err != nil {
		return err
	}
	r.items[o.ID] = o
	if o.QuotationID != nil {
		r.byQuotation[*o.QuotationID] = o.ID
	}
	r.db.Observe(sequence, o.ID)
	return nil
}

// Reconcile recomputes paid amounts from the collected sum of each order's
// invoice and moves orders between invoiced and paid to match. Only valid
// inside a memdb AfterRestore hook. Corrections are reported.
func (r *Repository) Reconcile(collected map[int64]decimal.Decimal) []string {
	var fixed []string
	for id, o := range r.items {
		paid := decimal.Zero
		if o.InvoiceID != nil {
			paid = collected[*o.InvoiceID]
		}
		status := o.Status
		switch {
		case status == StatusInvoiced && paid.Equal(o.Total):
			status = StatusPaid
		case status == StatusPaid && paid.LessThan(o.Total):
			status = StatusInvoiced
		}
		if paid.Equal(o.PaidAmount) && status == o.Status {
			continue
		}
		fixed = append(fixed, fmt.Sprintf("order %s: paid %s -> %s, status %s -> %s",
			o.Number, o.PaidAmount.StringFixed(2), paid.StringFixed(2), o.Status, status))
		o.PaidAmount = paid
		o.Status = status
		r.items[id] = o
	}
	sort.Strings(fixed)
	return fixed
}

func clone(o Order) Order {
	o.Lines = pricing.CloneLines(o.Lines)
	return o
}

type txRepo struct {
	r *Repository
}

func (tx txRepo) GetForUpdate(_ context.Context, id int64) (Order, error) {
	o, ok := tx.r.items[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return clone(o), nil
}

func (tx txRepo) FindByQuotation(_ context.Context, quotationID int64) (Order, error) {
	id, ok := tx.r.byQuotation[quotationID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return clone(tx.r.items[id]), nil
}

func (tx txRepo) Insert(ctx context.Context, o Order) (Order, error) {
	r := tx.r
	id, err := r.db.NextID(ctx, sequence)
	if err != nil {
		return Order{}, err
	}
	o.ID = id
	o.Number = fmt.Sprintf("SO-%06d", id)
	r.items[id] = clone(o)
	if o.QuotationID != nil {
		r.byQuotation[*o.QuotationID] = id
	}
	if err := r.db.OnRollback(ctx, func() {
		delete(r.items, id)
		if o.QuotationID != nil {
			delete(r.byQuotation, *o.QuotationID)
		}
	}); err != nil {
		return Order{}, err
	}
	return o, r.db.Emit(ctx, stream, kindSaved, strconv.FormatInt(id, 10), o)
}

func (tx txRepo) Update(ctx context.Context, o Order) error {
	r := tx.r
	prev, ok := r.items[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	r.items[o.ID] = clone(o)
	if err := r.db.OnRollback(ctx, func() { r.items[o.ID] = prev }); err != nil {
		return err
	}
	return r.db.Emit(ctx, stream, kindSaved, strconv.FormatInt(o.ID, 10), o)
}
