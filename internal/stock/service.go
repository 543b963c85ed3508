package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/shared"
)

// ProductLookup resolves catalog metadata for new stock lines.
type ProductLookup interface {
	Product(ctx context.Context, code string) (catalog.Product, error)
}

// Metrics receives ledger counters.
type Metrics interface {
	ObserveStockMovement(movementType string)
	ObserveStockRejection(reason string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	DefaultWarehouse string
}

// Service coordinates stock operations.
type Service struct {
	repo     RepositoryPort
	products ProductLookup
	clock    shared.Clock
	logger   *slog.Logger
	metrics  Metrics
	cfg      ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, products ProductLookup, clock shared.Clock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultWarehouse == "" {
		cfg.DefaultWarehouse = "main"
	}
	return &Service{repo: repo, products: products, clock: clock, logger: logger, cfg: cfg}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// DefaultWarehouse returns the warehouse used when callers leave it empty.
func (s *Service) DefaultWarehouse() string {
	return s.cfg.DefaultWarehouse
}

func (s *Service) normaliseKey(code, warehouse string, ownership Ownership) (Key, error) {
	key := Key{ProductCode: strings.TrimSpace(code), Warehouse: strings.TrimSpace(warehouse), Ownership: ownership}
	if key.Warehouse == "" {
		key.Warehouse = s.cfg.DefaultWarehouse
	}
	if key.Ownership == "" {
		key.Ownership = OwnershipOwn
	}
	if key.ProductCode == "" {
		return Key{}, ErrKeyRequired
	}
	if !key.Ownership.Valid() {
		return Key{}, ErrInvalidOwnership
	}
	return key, nil
}

// RecordMovement appends one movement and updates the cached balance in the same transaction.
func (s *Service) RecordMovement(ctx context.Context, input MovementInput) (Movement, Balance, error) {
	if !input.Type.Valid() {
		return Movement{}, Balance{}, ErrInvalidMovementType
	}
	if !input.Quantity.IsPositive() {
		return Movement{}, Balance{}, ErrInvalidQuantity
	}
	key, err := s.normaliseKey(input.ProductCode, input.Warehouse, input.Ownership)
	if err != nil {
		return Movement{}, Balance{}, err
	}
	var (
		mv  Movement
		bal Balance
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, bal, err = s.post(ctx, tx, movementParams{
			Code:     input.Code,
			Type:     input.Type,
			Key:      key,
			Quantity: input.Quantity,
			OrderID:  input.OrderID,
			Note:     input.Note,
		})
		return err
	})
	if err != nil {
		s.reject(err)
		return Movement{}, Balance{}, err
	}
	return mv, bal, nil
}

// CurrentBalance reads the cached quantity of a stock line without scanning the log.
func (s *Service) CurrentBalance(ctx context.Context, productCode, warehouse string, ownership Ownership) (Balance, error) {
	key, err := s.normaliseKey(productCode, warehouse, ownership)
	if err != nil {
		return Balance{}, err
	}
	return s.repo.GetBalance(ctx, key)
}

// Balances lists cached balances.
func (s *Service) Balances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	return s.repo.ListBalances(ctx, filter)
}

// AddProduct registers a new stock line. A positive initial quantity becomes an in movement.
func (s *Service) AddProduct(ctx context.Context, input ProductInput) (Balance, error) {
	key, err := s.normaliseKey(input.Code, input.Warehouse, input.Ownership)
	if err != nil {
		return Balance{}, err
	}
	if input.InitialQuantity.IsNegative() {
		return Balance{}, ErrInvalidQuantity
	}
	var bal Balance
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetBalanceForUpdate(ctx, key); err == nil {
			return shared.Wrapf(ErrDuplicateProductCode, "%s@%s/%s", key.ProductCode, key.Warehouse, key.Ownership)
		} else if !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		bal = Balance{
			ProductCode: key.ProductCode,
			Name:        input.Name,
			Category:    input.Category,
			Warehouse:   key.Warehouse,
			Ownership:   key.Ownership,
			Entries:     decimal.Zero,
			Exits:       decimal.Zero,
			Quantity:    decimal.Zero,
			UpdatedAt:   s.clock.Now(),
		}
		if bal.Name == "" || bal.Category == "" {
			s.fillFromCatalog(ctx, &bal)
		}
		if err := tx.UpsertBalance(ctx, bal); err != nil {
			return fmt.Errorf("stock: open balance: %w", err)
		}
		if !input.InitialQuantity.IsPositive() {
			return nil
		}
		var err error
		_, bal, err = s.post(ctx, tx, movementParams{
			Type:     MovementIn,
			Key:      key,
			Quantity: input.InitialQuantity,
			Note:     "initial stock",
		})
		return err
	})
	if err != nil {
		s.reject(err)
		return Balance{}, err
	}
	s.logger.InfoContext(ctx, "stock product added", slog.String("product", key.ProductCode), slog.String("warehouse", key.Warehouse), slog.String("ownership", string(key.Ownership)))
	return bal, nil
}

// PostShipment writes the out movements of an order. Either every line is
// covered and all movements commit, or nothing is written.
func (s *Service) PostShipment(ctx context.Context, input ShipmentInput) ([]Movement, error) {
	if len(input.Lines) == 0 {
		return nil, fmt.Errorf("stock: shipment has no lines")
	}
	type need struct {
		key Key
		qty decimal.Decimal
	}
	var needs []need
	positions := make(map[Key]int)
	for _, line := range input.Lines {
		if !line.Quantity.IsPositive() {
			return nil, ErrInvalidQuantity
		}
		key, err := s.normaliseKey(line.ProductCode, input.Warehouse, input.Ownership)
		if err != nil {
			return nil, err
		}
		if i, ok := positions[key]; ok {
			needs[i].qty = needs[i].qty.Add(line.Quantity)
			continue
		}
		positions[key] = len(needs)
		needs = append(needs, need{key: key, qty: line.Quantity})
	}

	orderID := input.OrderID
	var movements []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var shortages []string
		for _, n := range needs {
			bal, err := tx.GetBalanceForUpdate(ctx, n.key)
			if err != nil && !errors.Is(err, ErrBalanceNotFound) {
				return err
			}
			if bal.Quantity.LessThan(n.qty) {
				shortages = append(shortages, fmt.Sprintf("%s has %s, needs %s", n.key.ProductCode, bal.Quantity.String(), n.qty.String()))
			}
		}
		if len(shortages) > 0 {
			return shared.Wrapf(ErrInsufficientStock, "order %d: %s", orderID, strings.Join(shortages, "; "))
		}
		movements = make([]Movement, 0, len(needs))
		for _, n := range needs {
			mv, _, err := s.post(ctx, tx, movementParams{
				Type:     MovementOut,
				Key:      n.key,
				Quantity: n.qty,
				OrderID:  &orderID,
				Note:     fmt.Sprintf("shipment of order %d", orderID),
			})
			if err != nil {
				return err
			}
			movements = append(movements, mv)
		}
		return nil
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}
	return movements, nil
}

// Reverse posts the compensating movement of an earlier entry.
func (s *Service) Reverse(ctx context.Context, movementID int64, note string) (Movement, error) {
	var mv Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orig, err := tx.GetMovement(ctx, movementID)
		if err != nil {
			return err
		}
		reversed, err := tx.IsReversed(ctx, movementID)
		if err != nil {
			return err
		}
		if reversed || orig.ReversesID != nil {
			return shared.Wrapf(ErrNotReversible, "movement %d", movementID)
		}
		if note == "" {
			note = fmt.Sprintf("reversal of %s", orig.Code)
		}
		mv, _, err = s.post(ctx, tx, movementParams{
			Type:       orig.Type.Opposite(),
			Key:        orig.Key(),
			Quantity:   orig.Quantity,
			OrderID:    orig.OrderID,
			ReversesID: &orig.ID,
			Note:       note,
		})
		return err
	})
	if err != nil {
		s.reject(err)
		return Movement{}, err
	}
	return mv, nil
}

// StockCard lists the movements of a line with their running balance.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	key, err := s.normaliseKey(filter.Key.ProductCode, filter.Key.Warehouse, filter.Key.Ownership)
	if err != nil {
		return nil, err
	}
	movements, err := s.repo.ListMovements(ctx, key)
	if err != nil {
		return nil, err
	}
	running := decimal.Zero
	entries := make([]StockCardEntry, 0, len(movements))
	for _, mv := range movements {
		running = running.Add(mv.Signed())
		if !filter.From.IsZero() && mv.RecordedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && mv.RecordedAt.After(filter.To) {
			continue
		}
		entry := StockCardEntry{
			MovementID: mv.ID,
			Code:       mv.Code,
			Type:       mv.Type,
			RecordedAt: mv.RecordedAt,
			QtyIn:      decimal.Zero,
			QtyOut:     decimal.Zero,
			Balance:    running,
			OrderID:    mv.OrderID,
			Note:       mv.Note,
		}
		if mv.Type == MovementIn {
			entry.QtyIn = mv.Quantity
		} else {
			entry.QtyOut = mv.Quantity
		}
		entries = append(entries, entry)
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

// Verify reports stock lines whose cached balance disagrees with the log.
func (s *Service) Verify(ctx context.Context) ([]Drift, error) {
	drifts, err := s.repo.Verify(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		s.logger.ErrorContext(ctx, "stock balance drift",
			slog.String("product", d.Key.ProductCode),
			slog.String("warehouse", d.Key.Warehouse),
			slog.String("cached", d.Cached.String()),
			slog.String("computed", d.Computed.String()))
	}
	return drifts, nil
}

type movementParams struct {
	Code       string
	Type       MovementType
	Key        Key
	Quantity   decimal.Decimal
	OrderID    *int64
	ReversesID *int64
	Note       string
}

func (s *Service) post(ctx context.Context, tx TxRepository, params movementParams) (Movement, Balance, error) {
	if !params.Quantity.IsPositive() {
		return Movement{}, Balance{}, ErrInvalidQuantity
	}
	bal, err := tx.GetBalanceForUpdate(ctx, params.Key)
	if errors.Is(err, ErrBalanceNotFound) {
		s.fillFromCatalog(ctx, &bal)
	} else if err != nil {
		return Movement{}, Balance{}, fmt.Errorf("stock: load balance: %w", err)
	}
	next, err := bal.apply(params.Type, params.Quantity)
	if err != nil {
		return Movement{}, Balance{}, err
	}
	now := s.clock.Now()
	code := params.Code
	if code == "" {
		code = "MOV-" + uuid.NewString()
	}
	mv, err := tx.InsertMovement(ctx, Movement{
		Code:        code,
		Type:        params.Type,
		ProductCode: params.Key.ProductCode,
		Quantity:    params.Quantity,
		Ownership:   params.Key.Ownership,
		Warehouse:   params.Key.Warehouse,
		OrderID:     params.OrderID,
		ReversesID:  params.ReversesID,
		Note:        params.Note,
		RecordedAt:  now,
	})
	if err != nil {
		return Movement{}, Balance{}, fmt.Errorf("stock: insert movement: %w", err)
	}
	next.UpdatedAt = now
	if err := tx.UpsertBalance(ctx, next); err != nil {
		return Movement{}, Balance{}, fmt.Errorf("stock: upsert balance: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveStockMovement(string(params.Type))
	}
	return mv, next, nil
}

func (s *Service) fillFromCatalog(ctx context.Context, bal *Balance) {
	if s.products == nil {
		return
	}
	p, err := s.products.Product(ctx, bal.ProductCode)
	if err != nil {
		return
	}
	if bal.Name == "" {
		bal.Name = p.Name
	}
	if bal.Category == "" {
		bal.Category = p.Category
	}
}

func (s *Service) reject(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrInsufficientStock):
		s.metrics.ObserveStockRejection("insufficient_stock")
	case errors.Is(err, ErrDuplicateProductCode):
		s.metrics.ObserveStockRejection("duplicate_product_code")
	}
}
