package quotation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/shared"
)

// Status represents the quotation state machine.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusSent     Status = "sent"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevision Status = "revision"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusSent},
	StatusSent:     {StatusApproved, StatusRejected},
	StatusRejected: {StatusSent},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusApproved, StatusRejected, StatusRevision:
		return true
	}
	return false
}

// CanTransitionTo reports whether the machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanEditLines reports whether lines may still change.
func (s Status) CanEditLines() bool {
	return s == StatusDraft
}

// Quotation is a priced offer to a client.
type Quotation struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	ClientID        int64           `json:"client_id"`
	Channel         catalog.Channel `json:"channel"`
	PaymentTerms    string          `json:"payment_terms"`
	DeliveryDate    *time.Time      `json:"delivery_date,omitempty"`
	BillingAddress  string          `json:"billing_address"`
	ShippingAddress string          `json:"shipping_address"`
	Lines           []pricing.Line  `json:"lines"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	Status          Status          `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
}

func (q *Quotation) recalculate() {
	totals := pricing.Sum(q.Lines)
	q.Subtotal, q.Tax, q.Total = totals.Subtotal, totals.Tax, totals.Total
}

// Totals returns the document aggregates.
func (q Quotation) Totals() pricing.Totals {
	return pricing.Totals{Subtotal: q.Subtotal, Tax: q.Tax, Total: q.Total}
}

// LineInput describes a line to price. Nil overrides fall back to catalog data.
type LineInput struct {
	ProductCode string
	Quantity    decimal.Decimal
	UnitPrice   *decimal.Decimal
	TaxRate     *decimal.Decimal
	Description string
}

// CreateInput carries the header and initial lines of a quotation.
type CreateInput struct {
	ClientID        int64
	Channel         catalog.Channel
	PaymentTerms    string
	DeliveryDate    *time.Time
	BillingAddress  string
	ShippingAddress string
	Lines           []LineInput
}

// ListFilter narrows quotation listings.
type ListFilter struct {
	ClientID int64
	Status   Status
}

var (
	// ErrInvalidQuantity indicates a non positive line quantity.
	ErrInvalidQuantity = pricing.ErrInvalidQuantity
	// ErrUnknownProduct indicates a product missing from the catalog.
	ErrUnknownProduct = catalog.ErrUnknownProduct
	// ErrIllegalStatusTransition indicates a transition outside the machine.
	ErrIllegalStatusTransition = shared.Conflict("illegal_status_transition", "quotation: illegal status transition")
	// ErrQuotationLocked indicates a line change outside draft.
	ErrQuotationLocked = shared.Conflict("quotation_locked", "quotation: lines are locked")
	// ErrQuotationNotFound indicates an unknown quotation.
	ErrQuotationNotFound = shared.NotFound("quotation_not_found", "quotation: not found")
	// ErrLineNotFound indicates an out of range line index.
	ErrLineNotFound = shared.NotFound("line_not_found", "quotation: line not found")
	// ErrInvalidChannel indicates an unknown sales channel.
	ErrInvalidChannel = shared.Validation("invalid_channel", "quotation: channel must be own or partner")
)
