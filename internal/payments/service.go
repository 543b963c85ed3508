package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/shared"
)

// Invoices is the slice of the invoicing engine payments rely on.
type Invoices interface {
	Get(ctx context.Context, id int64) (invoicing.Invoice, error)
	ApplyCollection(ctx context.Context, id int64, amount decimal.Decimal) (invoicing.Invoice, error)
	OutstandingBalance(ctx context.Context, id int64) (decimal.Decimal, error)
}

// Clients resolves payers against the client directory.
type Clients interface {
	Client(ctx context.Context, id int64) (catalog.Client, error)
}

// AllocationHook runs inside the allocation transaction. An error aborts the allocation.
type AllocationHook func(ctx context.Context, a Allocation, inv invoicing.Invoice) error

// ChangeListener is told which client's account moved after a commit.
type ChangeListener func(ctx context.Context, clientID int64)

// Metrics receives payment counters.
type Metrics interface {
	ObservePaymentRecorded(method string)
	ObserveAllocation(outcome string)
}

// Service records payments and applies them to invoices.
type Service struct {
	repo      RepositoryPort
	invoices  Invoices
	clients   Clients
	locks     *shared.KeyedMutex
	clock     shared.Clock
	logger    *slog.Logger
	metrics   Metrics
	hooks     []AllocationHook
	listeners []ChangeListener
}

// NewService builds Service.
func NewService(repo RepositoryPort, invoices Invoices, locks *shared.KeyedMutex, clock shared.Clock, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invoices: invoices, locks: locks, clock: clock, logger: logger}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// WithClients makes Record reject payers missing from the directory.
func (s *Service) WithClients(c Clients) *Service {
	s.clients = c
	return s
}

// OnAllocation registers a hook executed inside every allocation transaction.
func (s *Service) OnAllocation(hook AllocationHook) {
	s.hooks = append(s.hooks, hook)
}

// OnChange registers a listener called after payments or allocations commit.
func (s *Service) OnChange(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(ctx context.Context, clientID int64) {
	for _, l := range s.listeners {
		l(ctx, clientID)
	}
}

// checkAmount accepts positive amounts expressed in whole cents.
func checkAmount(what string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(pricing.Round(amount)) {
		return shared.Wrapf(ErrInvalidAmount, "%s %s", what, amount.String())
	}
	return nil
}

func (s *Service) newPayment(ctx context.Context, in RecordInput) (Payment, error) {
	if in.ClientID <= 0 {
		return Payment{}, ErrClientRequired
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return Payment{}, err
	}
	if in.Method == "" {
		in.Method = MethodTransfer
	}
	if !in.Method.Valid() {
		return Payment{}, shared.Wrapf(ErrInvalidMethod, "%q", in.Method)
	}
	if s.clients != nil {
		if _, err := s.clients.Client(ctx, in.ClientID); err != nil {
			return Payment{}, err
		}
	}
	now := s.clock.Now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	return Payment{
		ClientID:  in.ClientID,
		OrderID:   in.OrderID,
		Method:    in.Method,
		Amount:    in.Amount,
		Date:      date,
		Reference: in.Reference,
		Allocated: decimal.Zero,
		CreatedAt: now,
	}, nil
}

// Record stores an unallocated payment.
func (s *Service) Record(ctx context.Context, in RecordInput) (Payment, error) {
	p, err := s.newPayment(ctx, in)
	if err != nil {
		return Payment{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err = tx.Insert(ctx, p)
		return err
	})
	if err != nil {
		return Payment{}, err
	}
	s.recorded(ctx, p)
	s.notify(ctx, p.ClientID)
	return p, nil
}

// Allocate applies amount of a payment to an invoice. Both counters move in
// the same transaction or not at all.
func (s *Service) Allocate(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (Allocation, error) {
	release := s.locks.LockAll(shared.InvoiceLockKey(invoiceID), shared.PaymentLockKey(paymentID))
	defer release()

	var (
		alloc    Allocation
		clientID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		clientID = p.ClientID
		alloc, err = s.allocate(ctx, tx, p, invoiceID, amount)
		return err
	})
	if err != nil {
		s.allocationOutcome(err)
		return Allocation{}, err
	}
	s.allocationOutcome(nil)
	s.notify(ctx, clientID)
	return alloc, nil
}

// RecordAndAllocate stores a payment and applies all of it to one invoice atomically.
func (s *Service) RecordAndAllocate(ctx context.Context, in RecordInput, invoiceID int64) (Payment, Allocation, error) {
	p, err := s.newPayment(ctx, in)
	if err != nil {
		return Payment{}, Allocation{}, err
	}
	release := s.locks.Lock(shared.InvoiceLockKey(invoiceID))
	defer release()

	var alloc Allocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if p, err = tx.Insert(ctx, p); err != nil {
			return err
		}
		alloc, err = s.allocate(ctx, tx, p, invoiceID, p.Amount)
		if err != nil {
			return err
		}
		p.Allocated = p.Allocated.Add(alloc.Amount)
		return nil
	})
	if err != nil {
		s.allocationOutcome(err)
		return Payment{}, Allocation{}, err
	}
	s.recorded(ctx, p)
	s.allocationOutcome(nil)
	s.notify(ctx, p.ClientID)
	return p, alloc, nil
}

func (s *Service) allocate(ctx context.Context, tx TxRepository, p Payment, invoiceID int64, amount decimal.Decimal) (Allocation, error) {
	if err := checkAmount("allocation", amount); err != nil {
		return Allocation{}, err
	}
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return Allocation{}, err
	}
	if inv.ClientID != p.ClientID {
		return Allocation{}, shared.Wrapf(ErrClientMismatch, "payment %d client %d, invoice %d client %d", p.ID, p.ClientID, inv.ID, inv.ClientID)
	}
	if amount.GreaterThan(p.Remainder()) {
		return Allocation{}, shared.Wrapf(ErrOverAllocation, "payment %d remainder %s, requested %s", p.ID, p.Remainder().StringFixed(2), amount.StringFixed(2))
	}
	inv, err = s.invoices.ApplyCollection(ctx, invoiceID, amount)
	if errors.Is(err, invoicing.ErrOverCollection) {
		return Allocation{}, fmt.Errorf("%w: %w", ErrOverAllocation, err)
	}
	if err != nil {
		return Allocation{}, err
	}
	p.Allocated = p.Allocated.Add(amount)
	if err := tx.Update(ctx, p); err != nil {
		return Allocation{}, err
	}
	alloc, err := tx.InsertAllocation(ctx, Allocation{
		PaymentID:   p.ID,
		InvoiceID:   invoiceID,
		Amount:      amount,
		AllocatedAt: s.clock.Now(),
	})
	if err != nil {
		return Allocation{}, err
	}
	for _, hook := range s.hooks {
		if err := hook(ctx, alloc, inv); err != nil {
			return Allocation{}, err
		}
	}
	s.logger.InfoContext(ctx, "payment allocated",
		slog.Int64("payment_id", p.ID),
		slog.Int64("invoice_id", invoiceID),
		slog.String("amount", amount.StringFixed(pricing.Places)),
		slog.String("invoice_status", string(inv.Status)))
	return alloc, nil
}

func (s *Service) recorded(ctx context.Context, p Payment) {
	if s.metrics != nil {
		s.metrics.ObservePaymentRecorded(string(p.Method))
	}
	s.logger.InfoContext(ctx, "payment recorded",
		slog.Int64("payment_id", p.ID),
		slog.Int64("client_id", p.ClientID),
		slog.String("method", string(p.Method)),
		slog.String("amount", p.Amount.StringFixed(pricing.Places)))
}

func (s *Service) allocationOutcome(err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.ObserveAllocation(shared.CodeOf(err))
		return
	}
	s.metrics.ObserveAllocation("ok")
}

// Get loads a payment.
func (s *Service) Get(ctx context.Context, id int64) (Payment, error) {
	return s.repo.Get(ctx, id)
}

// List returns payments matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Payment, error) {
	return s.repo.List(ctx, filter)
}

// Allocations returns what a payment has been applied to.
func (s *Service) Allocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	if _, err := s.repo.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.repo.Allocations(ctx, paymentID)
}

// UnallocatedRemainder returns amount minus allocations.
func (s *Service) UnallocatedRemainder(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Remainder(), nil
}

// OutstandingBalance returns what is still due on an invoice.
func (s *Service) OutstandingBalance(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return s.invoices.OutstandingBalance(ctx, invoiceID)
}

// Verify cross-checks payment counters with their allocations and the
// collected amount of every touched invoice. All reads share one snapshot.
func (s *Service) Verify(ctx context.Context) ([]string, error) {
	var problems []string
	err := s.repo.View(ctx, func(ctx context.Context) error {
		var err error
		problems, err = s.verify(ctx)
		return err
	})
	return problems, err
}

func (s *Service) verify(ctx context.Context) ([]string, error) {
	all, err := s.repo.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	var problems []string
	perInvoice := make(map[int64]decimal.Decimal)
	for _, p := range all {
		allocs, err := s.repo.Allocations(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		sum := decimal.Zero
		for _, a := range allocs {
			sum = sum.Add(a.Amount)
			perInvoice[a.InvoiceID] = perInvoice[a.InvoiceID].Add(a.Amount)
		}
		if !sum.Equal(p.Allocated) {
			problems = append(problems, fmt.Sprintf("payment %d: allocated %s, allocations sum %s", p.ID, p.Allocated.StringFixed(2), sum.StringFixed(2)))
		}
		if p.Allocated.GreaterThan(p.Amount) {
			problems = append(problems, fmt.Sprintf("payment %d: allocated above amount", p.ID))
		}
	}
	for invoiceID, sum := range perInvoice {
		inv, err := s.invoices.Get(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		if !inv.Collected.Equal(sum) {
			problems = append(problems, fmt.Sprintf("invoice %s: collected %s, allocations sum %s", inv.Number, inv.Collected.StringFixed(2), sum.StringFixed(2)))
		}
	}
	return problems, nil
}
