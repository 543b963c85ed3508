package invoicing

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
	stream     = "invoice"
	idSequence = "invoice.id"
	kindSaved  = "invoice.saved"
)

func numberSequence(pointOfSale int, t Type) string {
	return fmt.Sprintf("invoice.number.%d.%s", pointOfSale, t)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Invoice, error)
	FindByOrder(ctx context.Context, orderID int64) (Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, error)
	PeekSequence(ctx context.Context, pointOfSale int, t Type) (int64, error)
}

// TxRepository exposes transactional reads and writes.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Invoice, error)
	FindByOrder(ctx context.Context, orderID int64) (Invoice, error)
	Insert(ctx context.Context, inv Invoice, reserved int64) (Invoice, error)
	Update(ctx context.Context, inv Invoice) error
}

// Repository stores invoices and credit notes in the shared store.
type Repository struct {
	db      *memdb.DB
	items   map[int64]Invoice
	byOrder map[int64]int64
	seqs    map[string]int64
}

// NewRepository creates the repository and registers it for replay.
func NewRepository(db *memdb.DB) *Repository {
	r := &Repository{
		db:      db,
		items:   make(map[int64]Invoice),
		byOrder: make(map[int64]int64),
		seqs:    make(map[string]int64),
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

// Get loads an invoice.
func (r *Repository) Get(ctx context.Context, id int64) (Invoice, error) {
	var inv Invoice
	err := r.db.View(ctx, func(ctx context.Context) error {
		var err error
		inv, err = txRepo{r: r}.GetForUpdate(ctx, id)
		return err
	})
	return inv, err
}

// FindByOrder returns the normal invoice of an order.
func (r *Repository) FindByOrder(ctx context.Context, orderID int64) (Invoice, error) {
	var inv Invoice
	err := r.db.View(ctx, func(ctx context.Context) error {
		var err error
		inv, err = txRepo{r: r}.FindByOrder(ctx, orderID)
		return err
	})
	return inv, err
}

// List returns invoices ordered by id.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	var out []Invoice
	err := r.db.View(ctx, func(context.Context) error {
		for _, inv := range r.items {
			if filter.ClientID != 0 && inv.ClientID != filter.ClientID {
				continue
			}
			if filter.OrderID != 0 && inv.OrderID != filter.OrderID {
				continue
			}
			if filter.Type != "" && inv.Type != filter.Type {
				continue
			}
			out = append(out, clone(inv))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// PeekSequence returns the number the next document of the series will take.
func (r *Repository) PeekSequence(ctx context.Context, pointOfSale int, t Type) (int64, error) {
	var next int64
	err := r.db.View(ctx, func(context.Context) error {
		next = r.seqs[numberSequence(pointOfSale, t)] + 1
		return nil
	})
	return next, err
}

// Apply rebuilds state from a journal event.
func (r *Repository) Apply(evt memdb.Event) error {
	if evt.Kind != kindSaved {
		return fmt.Errorf("invoicing: unknown event kind %q", evt.Kind)
	}
	var inv Invoice
	if err := json.Unmarshal(evt.Payload, &inv); err != nil {
		return err
	}
	r.items[inv.ID] = inv
	if inv.Type == TypeInvoice {
		r.byOrder[inv.OrderID] = inv.ID
	}
	key := numberSequence(inv.PointOfSale, inv.Type)
	if inv.Sequence > r.seqs[key] {
		r.seqs[key] = inv.Sequence
	}
	r.db.Observe(idSequence, inv.ID)
	return nil
}

// Reconcile recomputes the collected and credited amounts and the status of
// every invoice from the allocation sums and the replayed credit notes. Only
// valid inside a memdb AfterRestore hook. Corrections are reported.
func (r *Repository) Reconcile(collected map[int64]decimal.Decimal) []string {
	credited := make(map[int64]decimal.Decimal)
	for _, inv := range r.items {
		if inv.Type == TypeCreditNote && inv.OriginInvoiceID != nil {
			credited[*inv.OriginInvoiceID] = credited[*inv.OriginInvoiceID].Add(inv.Total)
		}
	}
	var fixed []string
	for id, inv := range r.items {
		if inv.Type != TypeInvoice {
			continue
		}
		want := inv
		want.Collected = collected[id]
		want.Credited = credited[id]
		want.Status = StatusFor(want.Collected, want.Total)
		if want.Collected.Equal(inv.Collected) && want.Credited.Equal(inv.Credited) && want.Status == inv.Status {
			continue
		}
		fixed = append(fixed, fmt.Sprintf("invoice %s: collected %s -> %s, credited %s -> %s, status %s -> %s",
			inv.Number, inv.Collected.StringFixed(2), want.Collected.StringFixed(2),
			inv.Credited.StringFixed(2), want.Credited.StringFixed(2), inv.Status, want.Status))
		r.items[id] = want
	}
	sort.Strings(fixed)
	return fixed
}

func clone(inv Invoice) Invoice {
	inv.Lines = pricing.CloneLines(inv.Lines)
	return inv
}

type txRepo struct {
	r *Repository
}

func (tx txRepo) GetForUpdate(_ context.Context, id int64) (Invoice, error) {
	inv, ok := tx.r.items[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return clone(inv), nil
}

func (tx txRepo) FindByOrder(_ context.Context, orderID int64) (Invoice, error) {
	id, ok := tx.r.byOrder[orderID]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return clone(tx.r.items[id]), nil
}

func (tx txRepo) Insert(ctx context.Context, inv Invoice, reserved int64) (Invoice, error) {
	r := tx.r
	key := numberSequence(inv.PointOfSale, inv.Type)
	prevSeq := r.seqs[key]
	if prevSeq+1 != reserved {
		return Invoice{}, fmt.Errorf("%w: reserved %d, next %d", ErrSequenceConflict, reserved, prevSeq+1)
	}
	id, err := r.db.NextID(ctx, idSequence)
	if err != nil {
		return Invoice{}, err
	}
	inv.ID = id
	inv.Sequence = reserved
	inv.Number = FormatNumber(inv.PointOfSale, reserved)
	r.seqs[key] = reserved
	r.items[id] = clone(inv)
	if inv.Type == TypeInvoice {
		r.byOrder[inv.OrderID] = id
	}
	if err := r.db.OnRollback(ctx, func() {
		r.seqs[key] = prevSeq
		delete(r.items, id)
		if inv.Type == TypeInvoice {
			delete(r.byOrder, inv.OrderID)
		}
	}); err != nil {
		return Invoice{}, err
	}
	if err := r.db.Emit(ctx, stream, kindSaved, strconv.FormatInt(id, 10), inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (tx txRepo) Update(ctx context.Context, inv Invoice) error {
	r := tx.r
	prev, ok := r.items[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	r.items[inv.ID] = clone(inv)
	if err := r.db.OnRollback(ctx, func() { r.items[inv.ID] = prev }); err != nil {
		return err
	}
	return r.db.Emit(ctx, stream, kindSaved, strconv.FormatInt(inv.ID, 10), inv)
}
