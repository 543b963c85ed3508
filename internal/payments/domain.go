package payments

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/shared"
)

// Method is how the client paid.
type Method string

const (
	MethodCash     Method = "cash"
	MethodTransfer Method = "transfer"
	MethodCheck    Method = "check"
	MethodCard     Method = "card"
	MethodOther    Method = "other"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCheck, MethodCard, MethodOther:
		return true
	}
	return false
}

// Reference carries the bank details of a payment.
type Reference struct {
	Bank   string `json:"bank,omitempty"`
	Number string `json:"number,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Payment is money received from a client.
type Payment struct {
	ID        int64           `json:"id"`
	ClientID  int64           `json:"client_id"`
	OrderID   *int64          `json:"order_id,omitempty"`
	Method    Method          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Reference Reference       `json:"reference"`
	Allocated decimal.Decimal `json:"allocated"`
	CreatedAt time.Time       `json:"created_at"`
}

// Remainder is the part of the payment not yet allocated.
func (p Payment) Remainder() decimal.Decimal {
	return p.Amount.Sub(p.Allocated)
}

// Allocation applies part of a payment to an invoice.
type Allocation struct {
	ID          int64           `json:"id"`
	PaymentID   int64           `json:"payment_id"`
	InvoiceID   int64           `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	AllocatedAt time.Time       `json:"allocated_at"`
}

// RecordInput describes a received payment.
type RecordInput struct {
	ClientID  int64
	OrderID   *int64
	Amount    decimal.Decimal
	Method    Method
	Date      time.Time
	Reference Reference
}

// ListFilter narrows payment listings.
type ListFilter struct {
	ClientID int64
	OrderID  int64
}

var (
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = shared.Validation("invalid_amount", "payments: amount must be greater than zero")
	// ErrInvalidMethod indicates an unknown payment method.
	ErrInvalidMethod = shared.Validation("invalid_method", "payments: unknown payment method")
	// ErrClientRequired indicates a payment without client.
	ErrClientRequired = shared.Validation("client_required", "payments: client is required")
	// ErrPaymentNotFound indicates an unknown payment id.
	ErrPaymentNotFound = shared.NotFound("payment_not_found", "payments: payment not found")
	// ErrOverAllocation indicates an allocation beyond the payment remainder.
	ErrOverAllocation = shared.Conflict("over_allocation", "payments: allocation exceeds unallocated remainder")
	// ErrClientMismatch indicates a payment applied to another client's invoice.
	ErrClientMismatch = shared.Conflict("client_mismatch", "payments: invoice belongs to another client")
)
