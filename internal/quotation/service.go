package quotation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/shared"
)

// Catalog resolves products and clients.
type Catalog interface {
	Product(ctx context.Context, code string) (catalog.Product, error)
	Client(ctx context.Context, id int64) (catalog.Client, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	DefaultTaxRate decimal.Decimal
}

// Service implements the quotation engine.
type Service struct {
	repo    RepositoryPort
	catalog Catalog
	clock   shared.Clock
	logger  *slog.Logger
	taxRate decimal.Decimal
}

// NewService builds Service.
func NewService(repo RepositoryPort, cat Catalog, clock shared.Clock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	rate := cfg.DefaultTaxRate
	if rate.IsZero() {
		rate = pricing.DefaultTaxRate
	}
	return &Service{repo: repo, catalog: cat, clock: clock, logger: logger, taxRate: rate}
}

// Create opens a draft quotation. Every line goes through the same rules as AddLine.
func (s *Service) Create(ctx context.Context, input CreateInput) (Quotation, error) {
	client, err := s.catalog.Client(ctx, input.ClientID)
	if err != nil {
		return Quotation{}, err
	}
	channel := input.Channel
	if channel == "" {
		channel = client.Channel
	}
	if !channel.Valid() {
		return Quotation{}, ErrInvalidChannel
	}
	lines := make([]pricing.Line, 0, len(input.Lines))
	for i, li := range input.Lines {
		line, err := s.BuildLine(ctx, li)
		if err != nil {
			return Quotation{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		lines = append(lines, line)
	}
	now := s.clock.Now()
	q := Quotation{
		ClientID:        client.ID,
		Channel:         channel,
		PaymentTerms:    input.PaymentTerms,
		DeliveryDate:    input.DeliveryDate,
		BillingAddress:  firstNonEmpty(input.BillingAddress, client.BillingAddress),
		ShippingAddress: firstNonEmpty(input.ShippingAddress, client.ShippingAddress),
		Lines:           lines,
		Status:          StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if q.PaymentTerms == "" && client.PaymentTermsDays > 0 {
		q.PaymentTerms = fmt.Sprintf("%d days", client.PaymentTermsDays)
	}
	q.recalculate()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.Insert(ctx, q)
		return err
	})
	if err != nil {
		return Quotation{}, err
	}
	s.logger.InfoContext(ctx, "quotation created", slog.Int64("quotation_id", q.ID), slog.Int64("client_id", q.ClientID), slog.String("total", q.Total.StringFixed(pricing.Places)))
	return q, nil
}

// AddLine prices and appends a line to a draft quotation.
func (s *Service) AddLine(ctx context.Context, id int64, input LineInput) (Quotation, error) {
	line, err := s.BuildLine(ctx, input)
	if err != nil {
		return Quotation{}, err
	}
	return s.mutateLines(ctx, id, func(lines []pricing.Line) ([]pricing.Line, error) {
		return append(lines, line), nil
	})
}

// UpdateLine replaces the line at index (zero based).
func (s *Service) UpdateLine(ctx context.Context, id int64, index int, input LineInput) (Quotation, error) {
	line, err := s.BuildLine(ctx, input)
	if err != nil {
		return Quotation{}, err
	}
	return s.mutateLines(ctx, id, func(lines []pricing.Line) ([]pricing.Line, error) {
		if index < 0 || index >= len(lines) {
			return nil, shared.Wrapf(ErrLineNotFound, "index %d", index)
		}
		lines[index] = line
		return lines, nil
	})
}

// RemoveLine drops the line at index (zero based).
func (s *Service) RemoveLine(ctx context.Context, id int64, index int) (Quotation, error) {
	return s.mutateLines(ctx, id, func(lines []pricing.Line) ([]pricing.Line, error) {
		if index < 0 || index >= len(lines) {
			return nil, shared.Wrapf(ErrLineNotFound, "index %d", index)
		}
		return append(lines[:index], lines[index+1:]...), nil
	})
}

func (s *Service) mutateLines(ctx context.Context, id int64, fn func([]pricing.Line) ([]pricing.Line, error)) (Quotation, error) {
	var q Quotation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !q.Status.CanEditLines() {
			return shared.Wrapf(ErrQuotationLocked, "quotation %d is %s", id, q.Status)
		}
		lines, err := fn(pricing.CloneLines(q.Lines))
		if err != nil {
			return err
		}
		q.Lines = lines
		q.recalculate()
		q.UpdatedAt = s.clock.Now()
		return tx.Update(ctx, q)
	})
	if err != nil {
		return Quotation{}, err
	}
	return q, nil
}

// SetStatus moves the quotation along the state machine.
func (s *Service) SetStatus(ctx context.Context, id int64, next Status, reason string) (Quotation, error) {
	var q Quotation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !q.Status.CanTransitionTo(next) {
			return shared.Wrapf(ErrIllegalStatusTransition, "%s -> %s", q.Status, next)
		}
		now := s.clock.Now()
		switch next {
		case StatusSent:
			q.SentAt = &now
			q.RejectedAt = nil
			q.RejectionReason = ""
		case StatusApproved:
			q.ApprovedAt = &now
		case StatusRejected:
			q.RejectedAt = &now
			q.RejectionReason = strings.TrimSpace(reason)
		}
		q.Status = next
		q.UpdatedAt = now
		return tx.Update(ctx, q)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.logger.InfoContext(ctx, "quotation status changed", slog.Int64("quotation_id", id), slog.String("status", string(next)))
	return q, nil
}

// Send marks a draft or rejected quotation as sent to the client.
func (s *Service) Send(ctx context.Context, id int64) (Quotation, error) {
	return s.SetStatus(ctx, id, StatusSent, "")
}

// Approve records client acceptance.
func (s *Service) Approve(ctx context.Context, id int64) (Quotation, error) {
	return s.SetStatus(ctx, id, StatusApproved, "")
}

// Reject records client refusal.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (Quotation, error) {
	return s.SetStatus(ctx, id, StatusRejected, reason)
}

// Get loads a quotation.
func (s *Service) Get(ctx context.Context, id int64) (Quotation, error) {
	return s.repo.Get(ctx, id)
}

// List returns quotations matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Quotation, error) {
	return s.repo.List(ctx, filter)
}

// BuildLine prices one line against the catalog and the default tax rate.
func (s *Service) BuildLine(ctx context.Context, input LineInput) (pricing.Line, error) {
	if !input.Quantity.IsPositive() {
		return pricing.Line{}, ErrInvalidQuantity
	}
	product, err := s.catalog.Product(ctx, input.ProductCode)
	if err != nil {
		return pricing.Line{}, err
	}
	price := product.UnitPrice
	if input.UnitPrice != nil {
		price = *input.UnitPrice
	}
	rate := s.taxRate
	if product.TaxRate != nil {
		rate = *product.TaxRate
	}
	if input.TaxRate != nil {
		rate = *input.TaxRate
	}
	desc := input.Description
	if desc == "" {
		desc = product.Name
	}
	return pricing.NewLine(product.Code, desc, input.Quantity, price, rate)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
