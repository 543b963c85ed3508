package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/pricing"
	"github.com/agrodist/salesops/internal/quotation"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/stock"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusShipped   Status = "shipped"
	StatusInvoiced  Status = "invoiced"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status]Status{
	StatusShipped:   StatusPending,
	StatusInvoiced:  StatusShipped,
	StatusPaid:      StatusInvoiced,
	StatusCompleted: StatusPaid,
	StatusCancelled: StatusPending,
}

// CanTransitionTo reports whether s -> next is a legal single step.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok := transitions[next]
	return ok && from == s
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Order is a confirmed sale with frozen lines.
type Order struct {
	ID               int64           `json:"id"`
	Number           string          `json:"number"`
	QuotationID      *int64          `json:"quotation_id,omitempty"`
	ClientID         int64           `json:"client_id"`
	Warehouse        string          `json:"warehouse"`
	Ownership        stock.Ownership `json:"ownership"`
	ShippingAddress  string          `json:"shipping_address,omitempty"`
	PaymentTermsDays int             `json:"payment_terms_days"`
	Lines            []pricing.Line  `json:"lines"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	InvoiceID        *int64          `json:"invoice_id,omitempty"`
	Status           Status          `json:"status"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ShippedAt        *time.Time      `json:"shipped_at,omitempty"`
	InvoicedAt       *time.Time      `json:"invoiced_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
}

// PendingBalance is what the client still owes on the order.
func (o Order) PendingBalance() decimal.Decimal {
	return o.Total.Sub(o.PaidAmount)
}

func (o *Order) setLines(lines []pricing.Line) {
	o.Lines = lines
	totals := pricing.Sum(lines)
	o.Subtotal, o.Tax, o.Total = totals.Subtotal, totals.Tax, totals.Total
}

// LineInput reuses the quotation line rules for manual orders.
type LineInput = quotation.LineInput

// ConfirmOptions selects where a confirmed quotation ships from.
type ConfirmOptions struct {
	Warehouse string
	Ownership stock.Ownership
}

// ManualInput creates an order without quotation.
type ManualInput struct {
	ClientID        int64
	Warehouse       string
	Ownership       stock.Ownership
	ShippingAddress string
	Lines           []LineInput
}

// PaymentInput is a payment registered straight against an order.
type PaymentInput struct {
	Amount    decimal.Decimal
	Method    payments.Method
	Date      time.Time
	Reference payments.Reference
}

// ListFilter narrows order listings.
type ListFilter struct {
	ClientID int64
	Status   Status
}

var (
	// ErrOrderNotFound indicates an unknown order id.
	ErrOrderNotFound = shared.NotFound("order_not_found", "orders: order not found")
	// ErrQuotationNotApproved indicates a confirmation of a non approved quotation.
	ErrQuotationNotApproved = shared.Conflict("quotation_not_approved", "orders: quotation is not approved")
	// ErrQuotationAlreadyConverted indicates the quotation already produced an order.
	ErrQuotationAlreadyConverted = shared.Conflict("quotation_already_converted", "orders: quotation already has an order")
	// ErrIllegalTransition indicates a skip or regression of the lifecycle.
	ErrIllegalTransition = shared.Conflict("illegal_transition", "orders: illegal status transition")
	// ErrOverpaymentRejected indicates a payment above the pending balance.
	ErrOverpaymentRejected = shared.Conflict("overpayment_rejected", "orders: payment exceeds order total")
	// ErrLinesFrozen indicates a line edit after the order left pending.
	ErrLinesFrozen = shared.Conflict("lines_frozen", "orders: lines can only change while pending")
	// ErrEmptyLines indicates an order without lines.
	ErrEmptyLines = shared.Validation("empty_lines", "orders: at least one line is required")
	// ErrNotFulfilled indicates completion before shipment, invoice and full payment.
	ErrNotFulfilled = shared.Conflict("not_fulfilled", "orders: order is not fully shipped, invoiced and paid")
)
