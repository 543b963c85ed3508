package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/shared"
)

// Metrics receives invoicing counters.
type Metrics interface {
	ObserveInvoiceIssued(docType string)
	ObserveApproval(outcome string, elapsed time.Duration)
}

// ServiceConfig groups invoicing settings.
type ServiceConfig struct {
	PointOfSale     int
	DueDays         int
	ApprovalTimeout time.Duration
}

// Service issues invoices and credit notes.
type Service struct {
	repo     RepositoryPort
	approver ApprovalProvider
	locks    *shared.KeyedMutex
	clock    shared.Clock
	logger   *slog.Logger
	metrics  Metrics
	cfg      ServiceConfig

	listeners []func(ctx context.Context, clientID int64)
}

// NewService builds Service. The approver is wrapped with the configured timeout.
func NewService(repo RepositoryPort, approver ApprovalProvider, locks *shared.KeyedMutex, clock shared.Clock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.PointOfSale <= 0 {
		cfg.PointOfSale = 1
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = 30
	}
	if approver == nil {
		approver = LocalApprover{}
	}
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		approver: WithTimeout(approver, cfg.ApprovalTimeout),
		locks:    locks,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// OnChange registers a listener told about the client of every committed document.
func (s *Service) OnChange(fn func(ctx context.Context, clientID int64)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(ctx context.Context, clientID int64) {
	for _, fn := range s.listeners {
		fn(ctx, clientID)
	}
}

// Issue creates the invoice of an order. The approval is obtained before
// anything is written; commit runs inside the same transaction as the insert
// so the caller's state change and the invoice land together or not at all.
func (s *Service) Issue(ctx context.Context, src Source, commit func(context.Context, Invoice) error) (Invoice, error) {
	if len(src.Lines) == 0 {
		return Invoice{}, shared.Wrapf(ErrEmptyOrder, "order %d", src.OrderID)
	}
	if _, err := s.repo.FindByOrder(ctx, src.OrderID); err == nil {
		return Invoice{}, shared.Wrapf(ErrAlreadyInvoiced, "order %d", src.OrderID)
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return Invoice{}, err
	}

	release := s.locks.Lock(shared.SequenceLockKey(s.cfg.PointOfSale, string(TypeInvoice)))
	defer release()

	seq, err := s.repo.PeekSequence(ctx, s.cfg.PointOfSale, TypeInvoice)
	if err != nil {
		return Invoice{}, err
	}
	lines := pricing.CloneLines(src.Lines)
	totals := pricing.Sum(lines)
	now := s.clock.Now()
	approval, err := s.approve(ctx, ApprovalRequest{
		PointOfSale: s.cfg.PointOfSale,
		Type:        TypeInvoice,
		Sequence:    seq,
		ClientID:    src.ClientID,
		Total:       totals.Total,
		IssueDate:   now,
	})
	if err != nil {
		return Invoice{}, err
	}
	dueDays := s.cfg.DueDays
	if src.PaymentTermsDays > 0 {
		dueDays = src.PaymentTermsDays
	}
	inv := Invoice{
		PointOfSale:       s.cfg.PointOfSale,
		Type:              TypeInvoice,
		OrderID:           src.OrderID,
		ClientID:          src.ClientID,
		Lines:             lines,
		Subtotal:          totals.Subtotal,
		Tax:               totals.Tax,
		Total:             totals.Total,
		Collected:         decimal.Zero,
		Credited:          decimal.Zero,
		Status:            StatusIssued,
		ApprovalCode:      approval.Code,
		ApprovalReference: approval.Reference,
		ApprovalExpiresAt: approval.ExpiresAt,
		IssueDate:         now,
		DueDate:           now.AddDate(0, 0, dueDays),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.FindByOrder(ctx, src.OrderID); err == nil {
			return shared.Wrapf(ErrAlreadyInvoiced, "order %d", src.OrderID)
		}
		var err error
		inv, err = tx.Insert(ctx, inv, seq)
		if err != nil {
			return err
		}
		if commit != nil {
			return commit(ctx, inv)
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveInvoiceIssued(string(TypeInvoice))
	}
	s.notify(ctx, inv.ClientID)
	s.logger.InfoContext(ctx, "invoice issued",
		slog.Int64("invoice_id", inv.ID),
		slog.String("number", inv.Number),
		slog.Int64("order_id", inv.OrderID),
		slog.String("total", inv.Total.StringFixed(pricing.Places)))
	return inv, nil
}

// CreditNote issues a credit note against a normal invoice. Stock is never touched.
func (s *Service) CreditNote(ctx context.Context, invoiceID int64, scope CreditScope) (Invoice, error) {
	releaseInvoice := s.locks.Lock(shared.InvoiceLockKey(invoiceID))
	defer releaseInvoice()

	orig, err := s.repo.Get(ctx, invoiceID)
	if errors.Is(err, ErrInvoiceNotFound) {
		return Invoice{}, shared.Wrapf(ErrInvoiceNotIssued, "invoice %d", invoiceID)
	}
	if err != nil {
		return Invoice{}, err
	}
	if orig.Type != TypeInvoice {
		return Invoice{}, shared.Wrapf(ErrInvoiceNotIssued, "invoice %d is a %s", invoiceID, orig.Type)
	}
	lines, totals, err := creditLines(orig, scope)
	if err != nil {
		return Invoice{}, err
	}
	if orig.Credited.Add(totals.Total).GreaterThan(orig.Total) {
		return Invoice{}, shared.Wrapf(ErrScopeExceedsInvoice, "invoice %d total %s, already credited %s, requested %s",
			invoiceID, orig.Total.StringFixed(2), orig.Credited.StringFixed(2), totals.Total.StringFixed(2))
	}

	releaseSeq := s.locks.Lock(shared.SequenceLockKey(s.cfg.PointOfSale, string(TypeCreditNote)))
	defer releaseSeq()

	seq, err := s.repo.PeekSequence(ctx, s.cfg.PointOfSale, TypeCreditNote)
	if err != nil {
		return Invoice{}, err
	}
	now := s.clock.Now()
	approval, err := s.approve(ctx, ApprovalRequest{
		PointOfSale: s.cfg.PointOfSale,
		Type:        TypeCreditNote,
		Sequence:    seq,
		ClientID:    orig.ClientID,
		Total:       totals.Total,
		IssueDate:   now,
	})
	if err != nil {
		return Invoice{}, err
	}
	originID := orig.ID
	note := Invoice{
		PointOfSale:       s.cfg.PointOfSale,
		Type:              TypeCreditNote,
		OrderID:           orig.OrderID,
		ClientID:          orig.ClientID,
		OriginInvoiceID:   &originID,
		Lines:             lines,
		Subtotal:          totals.Subtotal,
		Tax:               totals.Tax,
		Total:             totals.Total,
		Collected:         decimal.Zero,
		Credited:          decimal.Zero,
		Status:            StatusIssued,
		Reason:            scope.Reason,
		ApprovalCode:      approval.Code,
		ApprovalReference: approval.Reference,
		ApprovalExpiresAt: approval.ExpiresAt,
		IssueDate:         now,
		DueDate:           now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if current.Credited.Add(totals.Total).GreaterThan(current.Total) {
			return shared.Wrapf(ErrScopeExceedsInvoice, "invoice %d", invoiceID)
		}
		note, err = tx.Insert(ctx, note, seq)
		if err != nil {
			return err
		}
		current.Credited = current.Credited.Add(totals.Total)
		return tx.Update(ctx, current)
	})
	if err != nil {
		return Invoice{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveInvoiceIssued(string(TypeCreditNote))
	}
	s.notify(ctx, note.ClientID)
	s.logger.InfoContext(ctx, "credit note issued",
		slog.Int64("credit_note_id", note.ID),
		slog.Int64("origin_invoice_id", invoiceID),
		slog.String("scope", string(scope.Kind)),
		slog.String("total", note.Total.StringFixed(pricing.Places)))
	return note, nil
}

func creditLines(orig Invoice, scope CreditScope) ([]pricing.Line, pricing.Totals, error) {
	switch scope.Kind {
	case ScopeTotal:
		return pricing.CloneLines(orig.Lines), orig.Totals(), nil
	case ScopeLines:
		if len(scope.LineIndexes) == 0 {
			return nil, pricing.Totals{}, shared.Wrapf(ErrInvalidScope, "no lines selected")
		}
		seen := make(map[int]bool, len(scope.LineIndexes))
		lines := make([]pricing.Line, 0, len(scope.LineIndexes))
		for _, idx := range scope.LineIndexes {
			if idx < 0 || idx >= len(orig.Lines) || seen[idx] {
				return nil, pricing.Totals{}, shared.Wrapf(ErrInvalidScope, "line index %d", idx)
			}
			seen[idx] = true
			lines = append(lines, orig.Lines[idx])
		}
		return lines, pricing.Sum(lines), nil
	case ScopeAmount:
		if !scope.Amount.IsPositive() {
			return nil, pricing.Totals{}, shared.Wrapf(ErrInvalidScope, "amount must be greater than zero")
		}
		amount := pricing.Round(scope.Amount)
		if amount.GreaterThan(orig.Total) {
			return nil, pricing.Totals{}, shared.Wrapf(ErrScopeExceedsInvoice, "amount %s exceeds invoice total %s", amount.StringFixed(2), orig.Total.StringFixed(2))
		}
		totals := pricing.SplitGross(amount, orig.Totals())
		rate := decimal.Zero
		if totals.Subtotal.IsPositive() {
			rate = totals.Tax.Mul(decimal.NewFromInt(100)).Div(totals.Subtotal).Round(2)
		}
		desc := scope.Reason
		if desc == "" {
			desc = fmt.Sprintf("Adjustment on invoice %s", orig.Number)
		}
		line := pricing.Line{
			Description: desc,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   totals.Subtotal,
			TaxRate:     rate,
			Subtotal:    totals.Subtotal,
			Tax:         totals.Tax,
			Total:       totals.Total,
		}
		return []pricing.Line{line}, totals, nil
	default:
		return nil, pricing.Totals{}, shared.Wrapf(ErrInvalidScope, "unknown scope %q", scope.Kind)
	}
}

// ApplyCollection adds an allocated amount to an invoice. It joins the
// caller's transaction so allocation records and invoice counters move together.
func (s *Service) ApplyCollection(ctx context.Context, invoiceID int64, amount decimal.Decimal) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Type != TypeInvoice {
			return shared.Wrapf(ErrNotCollectable, "invoice %d", invoiceID)
		}
		if amount.GreaterThan(inv.Outstanding()) {
			return shared.Wrapf(ErrOverCollection, "invoice %d outstanding %s, requested %s", invoiceID, inv.Outstanding().StringFixed(2), amount.StringFixed(2))
		}
		inv.Collected = inv.Collected.Add(amount)
		inv.Status = StatusFor(inv.Collected, inv.Total)
		return tx.Update(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// Get loads an invoice or credit note.
func (s *Service) Get(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

// FindByOrder returns the normal invoice of an order.
func (s *Service) FindByOrder(ctx context.Context, orderID int64) (Invoice, error) {
	return s.repo.FindByOrder(ctx, orderID)
}

// List returns invoices matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	return s.repo.List(ctx, filter)
}

// OutstandingBalance returns total minus collected for an invoice.
func (s *Service) OutstandingBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return inv.Outstanding(), nil
}

func (s *Service) approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	started := time.Now()
	approval, err := s.approver.Approve(ctx, req)
	outcome := "approved"
	if err == nil && approval.Code == "" {
		err = errors.New("empty approval code")
	}
	if err != nil {
		outcome = "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveApproval(outcome, time.Since(started))
	}
	if err != nil {
		s.logger.WarnContext(ctx, "approval failed", slog.String("type", string(req.Type)), slog.Int64("sequence", req.Sequence), slog.Any("error", err))
		return Approval{}, fmt.Errorf("%w: %s %d: %w", ErrApprovalUnavailable, req.Type, req.Sequence, err)
	}
	return approval, nil
}

// Verify checks counters and numbering of every stored document.
func (s *Service) Verify(ctx context.Context) ([]string, error) {
	docs, err := s.repo.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	var problems []string
	credited := make(map[int64]decimal.Decimal)
	series := make(map[string][]int64)
	for _, d := range docs {
		key := numberSequence(d.PointOfSale, d.Type)
		series[key] = append(series[key], d.Sequence)
		if !d.Total.Equal(d.Subtotal.Add(d.Tax)) {
			problems = append(problems, fmt.Sprintf("%s %s: total differs from subtotal plus tax", d.Type, d.Number))
		}
		if d.Type == TypeCreditNote {
			if d.OriginInvoiceID != nil {
				credited[*d.OriginInvoiceID] = credited[*d.OriginInvoiceID].Add(d.Total)
			}
			continue
		}
		if d.Collected.GreaterThan(d.Total) {
			problems = append(problems, fmt.Sprintf("invoice %s: collected %s above total %s", d.Number, d.Collected.StringFixed(2), d.Total.StringFixed(2)))
		}
		if d.Status != StatusFor(d.Collected, d.Total) {
			problems = append(problems, fmt.Sprintf("invoice %s: status %s does not match collections", d.Number, d.Status))
		}
	}
	for _, d := range docs {
		if d.Type == TypeInvoice && !d.Credited.Equal(credited[d.ID]) {
			problems = append(problems, fmt.Sprintf("invoice %s: credited %s, credit notes sum %s", d.Number, d.Credited.StringFixed(2), credited[d.ID].StringFixed(2)))
		}
	}
	for key, seqs := range series {
		for i, seq := range seqs {
			if seq != int64(i+1) {
				problems = append(problems, fmt.Sprintf("%s: gap at position %d (found %d)", key, i+1, seq))
				break
			}
		}
	}
	return problems, nil
}
