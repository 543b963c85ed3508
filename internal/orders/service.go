package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/quotation"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/stock"
)

// Quotations reads quotations and prices manual lines.
type Quotations interface {
	Get(ctx context.Context, id int64) (quotation.Quotation, error)
	BuildLine(ctx context.Context, input quotation.LineInput) (pricing.Line, error)
}

// Clients resolves client defaults.
type Clients interface {
	Client(ctx context.Context, id int64) (catalog.Client, error)
}

// Stock posts shipments.
type Stock interface {
	PostShipment(ctx context.Context, input stock.ShipmentInput) ([]stock.Movement, error)
	DefaultWarehouse() string
}

// Invoicing issues invoices and credit notes.
type Invoicing interface {
	Issue(ctx context.Context, src invoicing.Source, commit func(context.Context, invoicing.Invoice) error) (invoicing.Invoice, error)
	CreditNote(ctx context.Context, invoiceID int64, scope invoicing.CreditScope) (invoicing.Invoice, error)
	Get(ctx context.Context, id int64) (invoicing.Invoice, error)
}

// Payments records and allocates payments.
type Payments interface {
	RecordAndAllocate(ctx context.Context, in payments.RecordInput, invoiceID int64) (payments.Payment, payments.Allocation, error)
	Allocate(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (payments.Allocation, error)
}

// Metrics receives lifecycle counters.
type Metrics interface {
	ObserveOrderTransition(from, to string)
}

// Service drives orders through their lifecycle.
type Service struct {
	repo       RepositoryPort
	quotations Quotations
	clients    Clients
	stock      Stock
	invoicing  Invoicing
	payments   Payments
	locks      *shared.KeyedMutex
	clock      shared.Clock
	logger     *slog.Logger
	metrics    Metrics
}

// Deps groups the collaborators of Service.
type Deps struct {
	Quotations Quotations
	Clients    Clients
	Stock      Stock
	Invoicing  Invoicing
	Payments   Payments
	Locks      *shared.KeyedMutex
	Clock      shared.Clock
	Logger     *slog.Logger
}

// NewService builds Service. The payments allocation hook is not registered
// here; call ApplyAllocation from payments.Service.OnAllocation.
func NewService(repo RepositoryPort, deps Deps) *Service {
	if deps.Locks == nil {
		deps.Locks = shared.NewKeyedMutex()
	}
	if deps.Clock == nil {
		deps.Clock = shared.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		quotations: deps.Quotations,
		clients:    deps.Clients,
		stock:      deps.Stock,
		invoicing:  deps.Invoicing,
		payments:   deps.Payments,
		locks:      deps.Locks,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) ownership(o stock.Ownership) stock.Ownership {
	if o == "" {
		return stock.OwnershipOwn
	}
	return o
}

func (s *Service) warehouse(w string) string {
	if w == "" {
		return s.stock.DefaultWarehouse()
	}
	return w
}

// CreateFromQuotation confirms an approved quotation into a pending order.
func (s *Service) CreateFromQuotation(ctx context.Context, quotationID int64, opts ConfirmOptions) (Order, error) {
	q, err := s.quotations.Get(ctx, quotationID)
	if err != nil {
		return Order{}, err
	}
	if q.Status != quotation.StatusApproved {
		return Order{}, shared.Wrapf(ErrQuotationNotApproved, "quotation %s is %s", q.Number, q.Status)
	}
	if len(q.Lines) == 0 {
		return Order{}, ErrEmptyLines
	}
	client, err := s.clients.Client(ctx, q.ClientID)
	if err != nil {
		return Order{}, err
	}
	if opts.Ownership != "" && !opts.Ownership.Valid() {
		return Order{}, stock.ErrInvalidOwnership
	}
	now := s.clock.Now()
	qid := q.ID
	o := Order{
		QuotationID:      &qid,
		ClientID:         q.ClientID,
		Warehouse:        s.warehouse(opts.Warehouse),
		Ownership:        s.ownership(opts.Ownership),
		ShippingAddress:  q.ShippingAddress,
		PaymentTermsDays: client.PaymentTermsDays,
		PaidAmount:       decimal.Zero,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	o.setLines(pricing.CloneLines(q.Lines))
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if existing, err := tx.FindByQuotation(ctx, quotationID); err == nil {
			return shared.Wrapf(ErrQuotationAlreadyConverted, "quotation %d -> order %s", quotationID, existing.Number)
		}
		var err error
		o, err = tx.Insert(ctx, o)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.InfoContext(ctx, "order confirmed",
		slog.Int64("order_id", o.ID),
		slog.Int64("quotation_id", quotationID),
		slog.String("total", o.Total.StringFixed(pricing.Places)))
	return o, nil
}

// CreateManual opens a pending order without quotation.
func (s *Service) CreateManual(ctx context.Context, in ManualInput) (Order, error) {
	client, err := s.clients.Client(ctx, in.ClientID)
	if err != nil {
		return Order{}, err
	}
	if in.Ownership != "" && !in.Ownership.Valid() {
		return Order{}, stock.ErrInvalidOwnership
	}
	lines, err := s.buildLines(ctx, in.Lines)
	if err != nil {
		return Order{}, err
	}
	now := s.clock.Now()
	o := Order{
		ClientID:         client.ID,
		Warehouse:        s.warehouse(in.Warehouse),
		Ownership:        s.ownership(in.Ownership),
		ShippingAddress:  firstNonEmpty(in.ShippingAddress, client.ShippingAddress),
		PaymentTermsDays: client.PaymentTermsDays,
		PaidAmount:       decimal.Zero,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	o.setLines(lines)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		o, err = tx.Insert(ctx, o)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.InfoContext(ctx, "manual order created", slog.Int64("order_id", o.ID), slog.Int64("client_id", o.ClientID))
	return o, nil
}

func (s *Service) buildLines(ctx context.Context, inputs []LineInput) ([]pricing.Line, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyLines
	}
	lines := make([]pricing.Line, 0, len(inputs))
	for i, in := range inputs {
		line, err := s.quotations.BuildLine(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// UpdateLines replaces the lines of a pending order.
func (s *Service) UpdateLines(ctx context.Context, id int64, inputs []LineInput) (Order, error) {
	lines, err := s.buildLines(ctx, inputs)
	if err != nil {
		return Order{}, err
	}
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	var o Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		o, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return shared.Wrapf(ErrLinesFrozen, "order %s is %s", o.Number, o.Status)
		}
		o.setLines(lines)
		o.UpdatedAt = s.clock.Now()
		return tx.Update(ctx, o)
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// Ship posts the out movements of every line and moves the order to shipped.
// On InsufficientStock nothing is written.
func (s *Service) Ship(ctx context.Context, id int64) (Order, error) {
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	var o Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		o, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkTransition(o, StatusShipped); err != nil {
			return err
		}
		shipment := stock.ShipmentInput{OrderID: o.ID, Warehouse: o.Warehouse, Ownership: o.Ownership}
		for _, l := range o.Lines {
			shipment.Lines = append(shipment.Lines, stock.ShipmentLine{ProductCode: l.ProductCode, Quantity: l.Quantity})
		}
		if _, err := s.stock.PostShipment(ctx, shipment); err != nil {
			return err
		}
		now := s.clock.Now()
		o.ShippedAt = &now
		return s.advance(ctx, tx, &o, StatusShipped, now)
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// Invoice issues the order invoice. The invoice and the order transition
// commit together; an approval failure leaves the order shipped.
func (s *Service) Invoice(ctx context.Context, id int64) (Order, invoicing.Invoice, error) {
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, invoicing.Invoice{}, err
	}
	if o.InvoiceID != nil {
		return Order{}, invoicing.Invoice{}, shared.Wrapf(invoicing.ErrAlreadyInvoiced, "order %s", o.Number)
	}
	if err := s.checkTransition(o, StatusInvoiced); err != nil {
		return Order{}, invoicing.Invoice{}, err
	}
	src := invoicing.Source{
		OrderID:          o.ID,
		ClientID:         o.ClientID,
		Lines:            o.Lines,
		PaymentTermsDays: o.PaymentTermsDays,
	}
	inv, err := s.invoicing.Issue(ctx, src, func(ctx context.Context, inv invoicing.Invoice) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := s.checkTransition(current, StatusInvoiced); err != nil {
				return err
			}
			now := s.clock.Now()
			invoiceID := inv.ID
			current.InvoiceID = &invoiceID
			current.InvoicedAt = &now
			if err := s.advance(ctx, tx, &current, StatusInvoiced, now); err != nil {
				return err
			}
			o = current
			return nil
		})
	})
	if err != nil {
		return Order{}, invoicing.Invoice{}, err
	}
	return o, inv, nil
}

// RegisterPayment records a payment and allocates it to the order invoice.
func (s *Service) RegisterPayment(ctx context.Context, id int64, in PaymentInput) (Order, payments.Payment, error) {
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, payments.Payment{}, err
	}
	if err := s.checkPayable(o, in.Amount); err != nil {
		return Order{}, payments.Payment{}, err
	}
	orderID := o.ID
	p, _, err := s.payments.RecordAndAllocate(ctx, payments.RecordInput{
		ClientID:  o.ClientID,
		OrderID:   &orderID,
		Amount:    in.Amount,
		Method:    in.Method,
		Date:      in.Date,
		Reference: in.Reference,
	}, *o.InvoiceID)
	if err != nil {
		return Order{}, payments.Payment{}, err
	}
	o, err = s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, payments.Payment{}, err
	}
	return o, p, nil
}

// AllocatePayment applies an existing payment to an invoice and reports the
// resulting order.
func (s *Service) AllocatePayment(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (payments.Allocation, Order, error) {
	inv, err := s.invoicing.Get(ctx, invoiceID)
	if err != nil {
		return payments.Allocation{}, Order{}, err
	}
	release := s.locks.Lock(shared.OrderLockKey(inv.OrderID))
	defer release()

	o, err := s.repo.Get(ctx, inv.OrderID)
	if err != nil {
		return payments.Allocation{}, Order{}, err
	}
	if inv.Type == invoicing.TypeInvoice {
		if err := s.checkPayable(o, amount); err != nil {
			return payments.Allocation{}, Order{}, err
		}
	}
	alloc, err := s.payments.Allocate(ctx, paymentID, invoiceID, amount)
	if err != nil {
		return payments.Allocation{}, Order{}, err
	}
	o, err = s.repo.Get(ctx, inv.OrderID)
	if err != nil {
		return payments.Allocation{}, Order{}, err
	}
	return alloc, o, nil
}

// ApplyAllocation keeps the paid amount of the invoiced order in step with an
// allocation. It runs inside the allocation transaction.
func (s *Service) ApplyAllocation(ctx context.Context, a payments.Allocation, inv invoicing.Invoice) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetForUpdate(ctx, inv.OrderID)
		if err != nil {
			return err
		}
		if err := s.checkPayable(o, a.Amount); err != nil {
			return err
		}
		o.PaidAmount = o.PaidAmount.Add(a.Amount)
		now := s.clock.Now()
		if o.PaidAmount.Equal(o.Total) {
			o.PaidAt = &now
			return s.advance(ctx, tx, &o, StatusPaid, now)
		}
		o.UpdatedAt = now
		return tx.Update(ctx, o)
	})
}

func (s *Service) checkPayable(o Order, amount decimal.Decimal) error {
	switch {
	case o.Status == StatusPaid || o.Status == StatusCompleted:
		return shared.Wrapf(ErrOverpaymentRejected, "order %s is already %s", o.Number, o.Status)
	case o.Status != StatusInvoiced || o.InvoiceID == nil:
		return shared.Wrapf(ErrIllegalTransition, "order %s is %s, payments need an invoiced order", o.Number, o.Status)
	case !amount.IsPositive():
		return shared.Wrapf(payments.ErrInvalidAmount, "amount %s", amount.String())
	case o.PaidAmount.Add(amount).GreaterThan(o.Total):
		return shared.Wrapf(ErrOverpaymentRejected, "order %s paid %s of %s, payment %s",
			o.Number, o.PaidAmount.StringFixed(2), o.Total.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}

// CreditNote issues a credit note against the order invoice. Stock is not touched;
// returns need an explicit in movement.
func (s *Service) CreditNote(ctx context.Context, id int64, scope invoicing.CreditScope) (invoicing.Invoice, error) {
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return invoicing.Invoice{}, err
	}
	if o.InvoiceID == nil {
		return invoicing.Invoice{}, shared.Wrapf(invoicing.ErrInvoiceNotIssued, "order %s has no invoice", o.Number)
	}
	return s.invoicing.CreditNote(ctx, *o.InvoiceID, scope)
}

// Complete closes a paid order once shipment, invoice and full payment exist.
func (s *Service) Complete(ctx context.Context, id int64) (Order, error) {
	return s.transition(ctx, id, StatusCompleted, func(o *Order, now time.Time) error {
		if o.ShippedAt == nil || o.InvoiceID == nil || !o.PaidAmount.Equal(o.Total) {
			return shared.Wrapf(ErrNotFulfilled, "order %s", o.Number)
		}
		o.CompletedAt = &now
		return nil
	})
}

// Cancel aborts a pending order.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (Order, error) {
	return s.transition(ctx, id, StatusCancelled, func(o *Order, now time.Time) error {
		o.CancelledAt = &now
		o.CancelReason = reason
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id int64, next Status, mutate func(*Order, time.Time) error) (Order, error) {
	release := s.locks.Lock(shared.OrderLockKey(id))
	defer release()

	var o Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		o, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkTransition(o, next); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := mutate(&o, now); err != nil {
			return err
		}
		return s.advance(ctx, tx, &o, next, now)
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Service) checkTransition(o Order, next Status) error {
	if !o.Status.CanTransitionTo(next) {
		return shared.Wrapf(ErrIllegalTransition, "order %s: %s -> %s", o.Number, o.Status, next)
	}
	return nil
}

func (s *Service) advance(ctx context.Context, tx TxRepository, o *Order, next Status, now time.Time) error {
	from := o.Status
	o.Status = next
	o.UpdatedAt = now
	if err := tx.Update(ctx, *o); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveOrderTransition(string(from), string(next))
	}
	s.logger.InfoContext(ctx, "order status changed",
		slog.Int64("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(next)))
	return nil
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	return s.repo.List(ctx, filter)
}

// Verify checks paid amounts against the collected amount of each order
// invoice. All reads share one snapshot.
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
	for _, o := range all {
		if o.PaidAmount.GreaterThan(o.Total) {
			problems = append(problems, fmt.Sprintf("order %s: paid %s above total %s", o.Number, o.PaidAmount.StringFixed(2), o.Total.StringFixed(2)))
		}
		if (o.Status == StatusPaid || o.Status == StatusCompleted) && o.PaidAmount.LessThan(o.Total) {
			problems = append(problems, fmt.Sprintf("order %s: %s with %s of %s collected", o.Number, o.Status, o.PaidAmount.StringFixed(2), o.Total.StringFixed(2)))
		}
		if o.InvoiceID == nil {
			if o.PaidAmount.IsPositive() {
				problems = append(problems, fmt.Sprintf("order %s: paid without invoice", o.Number))
			}
			continue
		}
		inv, err := s.invoicing.Get(ctx, *o.InvoiceID)
		if errors.Is(err, invoicing.ErrInvoiceNotFound) {
			problems = append(problems, fmt.Sprintf("order %s: invoice %d missing", o.Number, *o.InvoiceID))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !inv.Collected.Equal(o.PaidAmount) {
			problems = append(problems, fmt.Sprintf("order %s: paid %s, invoice %s collected %s", o.Number, o.PaidAmount.StringFixed(2), inv.Number, inv.Collected.StringFixed(2)))
		}
	}
	return problems, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
