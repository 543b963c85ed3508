package invoicing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/shared"
)

// Type distinguishes invoices from credit notes.
type Type string

const (
	TypeInvoice    Type = "invoice"
	TypeCreditNote Type = "credit_note"
)

// Status tracks collection progress of an invoice.
type Status string

const (
	StatusIssued  Status = "issued"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
)

// StatusFor derives the status from collected and total amounts.
func StatusFor(collected, total decimal.Decimal) Status {
	switch {
	case collected.GreaterThanOrEqual(total) && total.IsPositive():
		return StatusPaid
	case collected.IsPositive():
		return StatusPartial
	default:
		return StatusIssued
	}
}

// Invoice is an issued fiscal document. Credit notes share the shape and
// point at their origin through OriginInvoiceID.
type Invoice struct {
	ID                int64           `json:"id"`
	Number            string          `json:"number"`
	Sequence          int64           `json:"sequence"`
	PointOfSale       int             `json:"point_of_sale"`
	Type              Type            `json:"type"`
	OrderID           int64           `json:"order_id"`
	ClientID          int64           `json:"client_id"`
	OriginInvoiceID   *int64          `json:"origin_invoice_id,omitempty"`
	Lines             []pricing.Line  `json:"lines"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Total             decimal.Decimal `json:"total"`
	Collected         decimal.Decimal `json:"collected"`
	Credited          decimal.Decimal `json:"credited"`
	Status            Status          `json:"status"`
	Reason            string          `json:"reason,omitempty"`
	ApprovalCode      string          `json:"approval_code"`
	ApprovalReference string          `json:"approval_reference"`
	ApprovalExpiresAt time.Time       `json:"approval_expires_at"`
	IssueDate         time.Time       `json:"issue_date"`
	DueDate           time.Time       `json:"due_date"`
}

// Outstanding returns what is still to be collected.
func (i Invoice) Outstanding() decimal.Decimal {
	return i.Total.Sub(i.Collected)
}

// Totals returns the document aggregates.
func (i Invoice) Totals() pricing.Totals {
	return pricing.Totals{Subtotal: i.Subtotal, Tax: i.Tax, Total: i.Total}
}

// FormatNumber renders the fiscal number as PPPP-NNNNNNNN.
func FormatNumber(pointOfSale int, sequence int64) string {
	return fmt.Sprintf("%04d-%08d", pointOfSale, sequence)
}

// Source is the order data an invoice is built from.
type Source struct {
	OrderID          int64
	ClientID         int64
	Lines            []pricing.Line
	PaymentTermsDays int
}

// ScopeKind selects what a credit note covers.
type ScopeKind string

const (
	ScopeTotal  ScopeKind = "total"
	ScopeLines  ScopeKind = "lines"
	ScopeAmount ScopeKind = "amount"
)

// CreditScope describes a credit note request.
type CreditScope struct {
	Kind        ScopeKind
	LineIndexes []int
	Amount      decimal.Decimal
	Reason      string
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	ClientID int64
	OrderID  int64
	Type     Type
}

// ApprovalRequest is sent to the tax authority stand-in.
type ApprovalRequest struct {
	PointOfSale int
	Type        Type
	Sequence    int64
	ClientID    int64
	Total       decimal.Decimal
	IssueDate   time.Time
}

// Approval is the authority's answer.
type Approval struct {
	Code      string
	Reference string
	ExpiresAt time.Time
}

var (
	// ErrEmptyOrder indicates an order without lines.
	ErrEmptyOrder = shared.Conflict("empty_order", "invoicing: order has no lines")
	// ErrAlreadyInvoiced indicates the order already carries an invoice.
	ErrAlreadyInvoiced = shared.Conflict("already_invoiced", "invoicing: order already invoiced")
	// ErrInvoiceNotIssued indicates the referenced invoice does not exist or cannot be credited.
	ErrInvoiceNotIssued = shared.NotFound("invoice_not_issued", "invoicing: invoice not issued")
	// ErrInvoiceNotFound indicates an unknown invoice id.
	ErrInvoiceNotFound = shared.NotFound("invoice_not_found", "invoicing: invoice not found")
	// ErrScopeExceedsInvoice indicates a credit larger than what is left to credit.
	ErrScopeExceedsInvoice = shared.Validation("scope_exceeds_invoice", "invoicing: credit scope exceeds invoice")
	// ErrInvalidScope indicates a malformed credit scope.
	ErrInvalidScope = shared.Validation("invalid_credit_scope", "invoicing: invalid credit scope")
	// ErrApprovalUnavailable indicates the approval provider failed or timed out.
	ErrApprovalUnavailable = shared.External("approval_unavailable", "invoicing: approval provider unavailable")
	// ErrNotCollectable indicates a collection against a credit note.
	ErrNotCollectable = shared.Conflict("not_collectable", "invoicing: credit notes cannot receive payments")
	// ErrOverCollection indicates a collection beyond the outstanding amount.
	ErrOverCollection = shared.Conflict("over_allocation", "invoicing: collection exceeds outstanding balance")
	// ErrSequenceConflict indicates another writer took the reserved number.
	ErrSequenceConflict = shared.External("sequence_conflict", "invoicing: numbering sequence moved during approval")
)
