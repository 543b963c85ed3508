package statement

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementType classifies an account movement.
type MovementType string

const (
	MovementInvoice MovementType = "invoice"
	MovementCredit  MovementType = "credit"
	MovementPayment MovementType = "payment"
)

// rank breaks ties between movements on the same day: documents that raise
// the debt are listed before the ones that settle it.
func (t MovementType) rank() int {
	switch t {
	case MovementInvoice:
		return 0
	case MovementCredit:
		return 1
	default:
		return 2
	}
}

// Movement is one row of a client's account.
type Movement struct {
	ClientID       int64           `json:"client_id"`
	Date           time.Time       `json:"date"`
	Type           MovementType    `json:"type"`
	DocumentID     int64           `json:"document_id"`
	Reference      string          `json:"reference"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// Statement is the chronological account of a client.
type Statement struct {
	ClientID    int64           `json:"client_id"`
	ClientName  string          `json:"client_name"`
	Movements   []Movement      `json:"movements"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	Balance     decimal.Decimal `json:"balance"`
}
