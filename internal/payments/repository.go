package payments

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
	stream            = "payment"
	paymentSequence   = "payment.id"
	allocSequence     = "allocation.id"
	kindPaymentSaved  = "payment.saved"
	kindAllocRecorded = "allocation.recorded"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	View(ctx context.Context, fn func(context.Context) error) error
	Get(ctx context.Context, id int64) (Payment, error)
	List(ctx context.Context, filter ListFilter) ([]Payment, error)
	Allocations(ctx context.Context, paymentID int64) ([]Allocation, error)
	AllocationsByInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error)
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Payment, error)
	Insert(ctx context.Context, p Payment) (Payment, error)
	Update(ctx context.Context, p Payment) error
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)
}

// Repository stores payments and allocations in the shared store.
type Repository struct {
	db        *memdb.DB
	payments  map[int64]Payment
	allocs    map[int64]Allocation
	byPayment map[int64][]int64
	byInvoice map[int64][]int64
}

// NewRepository creates the repository and registers it for replay.
func NewRepository(db *memdb.DB) *Repository {
	r := &Repository{
		db:        db,
		payments:  make(map[int64]Payment),
		allocs:    make(map[int64]Allocation),
		byPayment: make(map[int64][]int64),
		byInvoice: make(map[int64][]int64),
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

// Get loads a payment.
func (r *Repository) Get(ctx context.Context, id int64) (Payment, error) {
	var p Payment
	err := r.db.View(ctx, func(ctx context.Context) error {
		var err error
		p, err = txRepo{r: r}.GetForUpdate(ctx, id)
		return err
	})
	return p, err
}

// List returns payments ordered by id.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Payment, error) {
	var out []Payment
	err := r.db.View(ctx, func(context.Context) error {
		for _, p := range r.payments {
			if filter.ClientID != 0 && p.ClientID != filter.ClientID {
				continue
			}
			if filter.OrderID != 0 && (p.OrderID == nil || *p.OrderID != filter.OrderID) {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Allocations returns the allocations of a payment in creation order.
func (r *Repository) Allocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	return r.collect(ctx, func() []int64 { return r.byPayment[paymentID] })
}

// AllocationsByInvoice returns the allocations applied to an invoice.
func (r *Repository) AllocationsByInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return r.collect(ctx, func() []int64 { return r.byInvoice[invoiceID] })
}

func (r *Repository) collect(ctx context.Context, ids func() []int64) ([]Allocation, error) {
	var out []Allocation
	err := r.db.View(ctx, func(context.Context) error {
		for _, id := range ids() {
			out = append(out, r.allocs[id])
		}
		return nil
	})
	return out, err
}

// Apply rebuilds state from a journal event.
func (r *Repository) Apply(evt memdb.Event) error {
	switch evt.Kind {
	case kindPaymentSaved:
		var p Payment
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		r.payments[p.ID] = p
		r.db.Observe(paymentSequence, p.ID)
	case kindAllocRecorded:
		var a Allocation
		if err := json.Unmarshal(evt.Payload, &a); err != nil {
			return err
		}
		r.index(a)
		r.db.Observe(allocSequence, a.ID)
	default:
		return fmt.Errorf("payments: unknown event kind %q", evt.Kind)
	}
	return nil
}

// Reconcile recomputes every payment's allocated amount from the replayed
// allocations and returns the collected sum per invoice. Only valid inside a
// memdb AfterRestore hook. Corrections to stored counters are reported.
func (r *Repository) Reconcile() (map[int64]decimal.Decimal, []string) {
	perInvoice := make(map[int64]decimal.Decimal)
	perPayment := make(map[int64]decimal.Decimal)
	for _, a := range r.allocs {
		perInvoice[a.InvoiceID] = perInvoice[a.InvoiceID].Add(a.Amount)
		perPayment[a.PaymentID] = perPayment[a.PaymentID].Add(a.Amount)
	}
	var fixed []string
	for id, p := range r.payments {
		sum := perPayment[id]
		if p.Allocated.Equal(sum) {
			continue
		}
		fixed = append(fixed, fmt.Sprintf("payment %d: allocated %s -> %s", id, p.Allocated.StringFixed(2), sum.StringFixed(2)))
		p.Allocated = sum
		r.payments[id] = p
	}
	sort.Strings(fixed)
	return perInvoice, fixed
}

func (r *Repository) index(a Allocation) {
	r.allocs[a.ID] = a
	r.byPayment[a.PaymentID] = append(r.byPayment[a.PaymentID], a.ID)
	r.byInvoice[a.InvoiceID] = append(r.byInvoice[a.InvoiceID], a.ID)
}

type txRepo struct {
	r *Repository
}

func (tx txRepo) GetForUpdate(_ context.Context, id int64) (Payment, error) {
	p, ok := tx.r.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (tx txRepo) Insert(ctx context.Context, p Payment) (Payment, error) {
	r := tx.r
	id, err := r.db.NextID(ctx, paymentSequence)
	if err != nil {
		return Payment{}, err
	}
	p.ID = id
	r.payments[id] = p
	if err := r.db.OnRollback(ctx, func() { delete(r.payments, id) }); err != nil {
		return Payment{}, err
	}
	return p, r.db.Emit(ctx, stream, kindPaymentSaved, strconv.FormatInt(id, 10), p)
}

func (tx txRepo) Update(ctx context.Context, p Payment) error {
	r := tx.r
	prev, ok := r.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	r.payments[p.ID] = p
	if err := r.db.OnRollback(ctx, func() { r.payments[p.ID] = prev }); err != nil {
		return err
	}
	return r.db.Emit(ctx, stream, kindPaymentSaved, strconv.FormatInt(p.ID, 10), p)
}

func (tx txRepo) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	r := tx.r
	id, err := r.db.NextID(ctx, allocSequence)
	if err != nil {
		return Allocation{}, err
	}
	a.ID = id
	r.index(a)
	if err := r.db.OnRollback(ctx, func() {
		delete(r.allocs, id)
		r.byPayment[a.PaymentID] = r.byPayment[a.PaymentID][:len(r.byPayment[a.PaymentID])-1]
		r.byInvoice[a.InvoiceID] = r.byInvoice[a.InvoiceID][:len(r.byInvoice[a.InvoiceID])-1]
	}); err != nil {
		return Allocation{}, err
	}
	return a, r.db.Emit(ctx, stream, kindAllocRecorded, strconv.FormatInt(id, 10), a)
}
