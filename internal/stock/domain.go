package stock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/shared"
)

// MovementType enumerates ledger directions.
type MovementType string

const (
	// MovementIn adds quantity to a stock line.
	MovementIn MovementType = "in"
	// MovementOut removes quantity from a stock line.
	MovementOut MovementType = "out"
)

// Valid reports whether t is a known direction.
func (t MovementType) Valid() bool {
	return t == MovementIn || t == MovementOut
}

// Opposite returns the compensating direction.
func (t MovementType) Opposite() MovementType {
	if t == MovementIn {
		return MovementOut
	}
	return MovementIn
}

// Ownership distinguishes own inventory from goods held on consignment.
type Ownership string

const (
	// OwnershipOwn is stock owned by the distributor.
	OwnershipOwn Ownership = "own"
	// OwnershipConsigned is stock held for a supplier.
	OwnershipConsigned Ownership = "consigned"
)

// Valid reports whether o is a known ownership.
func (o Ownership) Valid() bool {
	return o == OwnershipOwn || o == OwnershipConsigned
}

// Key identifies one stock line.
type Key struct {
	ProductCode string    `json:"product_code"`
	Warehouse   string    `json:"warehouse"`
	Ownership   Ownership `json:"ownership"`
}

// Movement is an immutable ledger entry.
type Movement struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Type        MovementType    `json:"type"`
	ProductCode string          `json:"product_code"`
	Quantity    decimal.Decimal `json:"quantity"`
	Ownership   Ownership       `json:"ownership"`
	Warehouse   string          `json:"warehouse"`
	OrderID     *int64          `json:"order_id,omitempty"`
	ReversesID  *int64          `json:"reverses_id,omitempty"`
	Note        string          `json:"note,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Key returns the stock line the movement belongs to.
func (m Movement) Key() Key {
	return Key{ProductCode: m.ProductCode, Warehouse: m.Warehouse, Ownership: m.Ownership}
}

// Signed returns the quantity with the direction applied.
func (m Movement) Signed() decimal.Decimal {
	if m.Type == MovementOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// Balance is the cached aggregate of a stock line.
type Balance struct {
	ProductCode string          `json:"product_code"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Warehouse   string          `json:"warehouse"`
	Ownership   Ownership       `json:"ownership"`
	Entries     decimal.Decimal `json:"entries"`
	Exits       decimal.Decimal `json:"exits"`
	Quantity    decimal.Decimal `json:"quantity"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key returns the stock line identity.
func (b Balance) Key() Key {
	return Key{ProductCode: b.ProductCode, Warehouse: b.Warehouse, Ownership: b.Ownership}
}

func (b Balance) apply(t MovementType, qty decimal.Decimal) (Balance, error) {
	next := b
	switch t {
	case MovementIn:
		next.Entries = b.Entries.Add(qty)
	case MovementOut:
		next.Exits = b.Exits.Add(qty)
	default:
		return b, ErrInvalidMovementType
	}
	next.Quantity = next.Entries.Sub(next.Exits)
	if next.Quantity.IsNegative() {
		return b, shared.Wrapf(ErrInsufficientStock, "%s@%s/%s has %s, needs %s", b.ProductCode, b.Warehouse, b.Ownership, b.Quantity, qty)
	}
	return next, nil
}

// StockCardEntry describes a movement with the running balance of its line.
type StockCardEntry struct {
	MovementID int64           `json:"movement_id"`
	Code       string          `json:"code"`
	Type       MovementType    `json:"type"`
	RecordedAt time.Time       `json:"recorded_at"`
	QtyIn      decimal.Decimal `json:"qty_in"`
	QtyOut     decimal.Decimal `json:"qty_out"`
	Balance    decimal.Decimal `json:"balance"`
	OrderID    *int64          `json:"order_id,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// MovementInput describes a single manual movement.
type MovementInput struct {
	Code        string
	Type        MovementType
	ProductCode string
	Quantity    decimal.Decimal
	Ownership   Ownership
	Warehouse   string
	OrderID     *int64
	Note        string
}

// ProductInput registers a new stock line.
type ProductInput struct {
	Code            string
	Name            string
	Category        string
	Ownership       Ownership
	Warehouse       string
	InitialQuantity decimal.Decimal
}

// ShipmentLine is one product leaving the warehouse.
type ShipmentLine struct {
	ProductCode string
	Quantity    decimal.Decimal
}

// ShipmentInput groups the out movements of one order.
type ShipmentInput struct {
	OrderID   int64
	Warehouse string
	Ownership Ownership
	Lines     []ShipmentLine
}

// BalanceFilter narrows balance listings. Empty fields match everything.
type BalanceFilter struct {
	ProductCode string
	Warehouse   string
	Ownership   Ownership
}

// Matches reports whether b passes the filter.
func (f BalanceFilter) Matches(b Balance) bool {
	if f.ProductCode != "" && f.ProductCode != b.ProductCode {
		return false
	}
	if f.Warehouse != "" && f.Warehouse != b.Warehouse {
		return false
	}
	if f.Ownership != "" && f.Ownership != b.Ownership {
		return false
	}
	return true
}

// StockCardFilter selects the movements of one stock line.
type StockCardFilter struct {
	Key   Key
	From  time.Time
	To    time.Time
	Limit int
}

// Drift reports a cached balance that disagrees with its movement log.
type Drift struct {
	Key      Key             `json:"key"`
	Cached   decimal.Decimal `json:"cached"`
	Computed decimal.Decimal `json:"computed"`
}

var (
	// ErrInvalidQuantity indicates a non positive movement quantity.
	ErrInvalidQuantity = shared.Validation("invalid_quantity", "stock: quantity must be greater than zero")
	// ErrInvalidMovementType indicates an unknown direction.
	ErrInvalidMovementType = shared.Validation("invalid_movement_type", "stock: movement type must be in or out")
	// ErrInvalidOwnership indicates an unknown ownership.
	ErrInvalidOwnership = shared.Validation("invalid_ownership", "stock: ownership must be own or consigned")
	// ErrKeyRequired indicates a missing product code or warehouse.
	ErrKeyRequired = shared.Validation("stock_key_required", "stock: product code and warehouse required")
	// ErrInsufficientStock triggered when a movement would result in negative quantity.
	ErrInsufficientStock = shared.Exhausted("insufficient_stock", "stock: insufficient stock")
	// ErrDuplicateProductCode indicates the stock line already exists.
	ErrDuplicateProductCode = shared.Conflict("duplicate_product_code", "stock: product already registered")
	// ErrBalanceNotFound indicates no stock line for the key.
	ErrBalanceNotFound = shared.NotFound("balance_not_found", "stock: balance not found")
	// ErrMovementNotFound indicates an unknown movement id.
	ErrMovementNotFound = shared.NotFound("movement_not_found", "stock: movement not found")
	// ErrNotReversible indicates the movement was already reversed or is itself a reversal.
	ErrNotReversible = shared.Conflict("movement_not_reversible", "stock: movement cannot be reversed")
)
