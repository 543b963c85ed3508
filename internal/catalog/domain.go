package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/shared"
)

// Channel identifies how a client is served.
type Channel string

const (
	// ChannelOwn is direct sales by the distributor.
	ChannelOwn Channel = "own"
	// ChannelPartner is sales through a partner network.
	ChannelPartner Channel = "partner"
)

// Valid reports whether the channel is known.
func (c Channel) Valid() bool {
	return c == ChannelOwn || c == ChannelPartner
}

// Product is a sellable item. Products are immutable once loaded.
type Product struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	// TaxRate overrides the default VAT rate when set.
	TaxRate *decimal.Decimal `json:"tax_rate,omitempty"`
}

// Client is an account holder that receives quotations and invoices.
type Client struct {
	ID               int64   `json:"id" yaml:"id"`
	Name             string  `json:"name" yaml:"name"`
	TaxID            string  `json:"tax_id" yaml:"tax_id"`
	Channel          Channel `json:"channel" yaml:"channel"`
	PaymentTermsDays int     `json:"payment_terms_days" yaml:"payment_terms_days"`
	BillingAddress   string  `json:"billing_address" yaml:"billing_address"`
	ShippingAddress  string  `json:"shipping_address" yaml:"shipping_address"`
}

var (
	// ErrUnknownProduct indicates a product code missing from the catalog.
	ErrUnknownProduct = shared.NotFound("unknown_product", "catalog: unknown product")
	// ErrUnknownClient indicates a client id missing from the directory.
	ErrUnknownClient = shared.NotFound("unknown_client", "catalog: unknown client")
	// ErrDuplicateEntry indicates a repeated code or id in seed data.
	ErrDuplicateEntry = shared.Validation("duplicate_entry", "catalog: duplicate entry")
)
