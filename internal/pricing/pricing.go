// Package pricing holds the line arithmetic shared by quotations, orders and
// invoices. Amounts are rounded to cents per line; aggregates are plain sums of
// the rounded line values so documents always add up.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/shared"
)

// Places is the number of decimals kept for money.
const Places = 2

var hundred = decimal.NewFromInt(100)

// DefaultTaxRate is the VAT percentage applied when a line does not override it.
var DefaultTaxRate = decimal.NewFromInt(21)

var (
	// ErrInvalidQuantity indicates a non positive quantity.
	ErrInvalidQuantity = shared.Validation("invalid_quantity", "pricing: quantity must be greater than zero")
	// ErrInvalidPrice indicates a negative unit price.
	ErrInvalidPrice = shared.Validation("invalid_price", "pricing: unit price must be >= 0")
	// ErrInvalidTaxRate indicates a negative tax rate.
	ErrInvalidTaxRate = shared.Validation("invalid_tax_rate", "pricing: tax rate must be >= 0")
)

// Line is a priced document line.
type Line struct {
	ProductCode string          `json:"product_code"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
}

// Totals aggregates a set of lines.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Round rounds an amount to cents, half away from zero.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Places)
}

// CalculateLineTotals prices one line.
func CalculateLineTotals(quantity, unitPrice, taxRate decimal.Decimal) (subtotal, tax, total decimal.Decimal) {
	subtotal = Round(quantity.Mul(unitPrice))
	tax = Round(subtotal.Mul(taxRate).Div(hundred))
	total = subtotal.Add(tax)
	return
}

// NewLine validates inputs and returns a priced line.
func NewLine(productCode, description string, quantity, unitPrice, taxRate decimal.Decimal) (Line, error) {
	if !quantity.IsPositive() {
		return Line{}, ErrInvalidQuantity
	}
	if unitPrice.IsNegative() {
		return Line{}, ErrInvalidPrice
	}
	if taxRate.IsNegative() {
		return Line{}, ErrInvalidTaxRate
	}
	subtotal, tax, total := CalculateLineTotals(quantity, unitPrice, taxRate)
	return Line{
		ProductCode: productCode,
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TaxRate:     taxRate,
		Subtotal:    subtotal,
		Tax:         tax,
		Total:       total,
	}, nil
}

// Sum adds up the rounded line values.
func Sum(lines []Line) Totals {
	totals := Totals{Subtotal: decimal.Zero, Tax: decimal.Zero}
	for _, line := range lines {
		totals.Subtotal = totals.Subtotal.Add(line.Subtotal)
		totals.Tax = totals.Tax.Add(line.Tax)
	}
	totals.Total = totals.Subtotal.Add(totals.Tax)
	return totals
}

// CloneLines copies a line slice so callers can freeze it.
func CloneLines(lines []Line) []Line {
	if lines == nil {
		return nil
	}
	out := make([]Line, len(lines))
	copy(out, lines)
	return out
}

// SplitGross divides a tax-inclusive amount using the proportions of a
// reference document, so subtotal + tax equals gross exactly.
func SplitGross(gross decimal.Decimal, reference Totals) Totals {
	if reference.Total.IsZero() {
		return Totals{Subtotal: gross, Tax: decimal.Zero, Total: gross}
	}
	subtotal := Round(gross.Mul(reference.Subtotal).Div(reference.Total))
	return Totals{Subtotal: subtotal, Tax: gross.Sub(subtotal), Total: gross}
}
