package stock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingMetrics struct {
	mu         sync.Mutex
	movements  map[string]int
	rejections map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{movements: map[string]int{}, rejections: map[string]int{}}
}

func (m *recordingMetrics) ObserveStockMovement(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements[t]++
}

func (m *recordingMetrics) ObserveStockRejection(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[reason]++
}

func newTestService(t *testing.T, db *memdb.DB) (*Service, *Repository) {
	t.Helper()
	cat, err := catalog.New([]catalog.Product{
		{Code: "SEM-SOJA", Name: "Semilla de soja", Category: "semillas", UnitPrice: dec("100")},
		{Code: "FERT-UREA", Name: "Urea", Category: "fertilizantes", UnitPrice: dec("50")},
	}, nil)
	require.NoError(t, err)
	repo := NewRepository(db)
	clock := shared.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewService(repo, cat, clock, nil, ServiceConfig{DefaultWarehouse: "central"}), repo
}

func TestRecordMovementUpdatesBalance(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()

	_, bal, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("10")})
	require.NoError(t, err)
	require.True(t, bal.Quantity.Equal(dec("10")))
	require.Equal(t, "Semilla de soja", bal.Name)
	require.Equal(t, "central", bal.Warehouse)
	require.Equal(t, OwnershipOwn, bal.Ownership)

	_, bal, err = svc.RecordMovement(ctx, MovementInput{Type: MovementOut, ProductCode: "SEM-SOJA", Quantity: dec("3.5")})
	require.NoError(t, err)
	require.True(t, bal.Quantity.Equal(dec("6.5")))

	current, err := svc.CurrentBalance(ctx, "SEM-SOJA", "", "")
	require.NoError(t, err)
	require.True(t, current.Quantity.Equal(dec("6.5")))
	require.True(t, current.Entries.Sub(current.Exits).Equal(current.Quantity))
}

func TestRecordMovementRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()

	_, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("-1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: "adjust", ProductCode: "SEM-SOJA", Quantity: dec("1")})
	require.ErrorIs(t, err, ErrInvalidMovementType)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("1"), Ownership: "borrowed"})
	require.ErrorIs(t, err, ErrInvalidOwnership)
}

func TestOutMovementCannotGoNegative(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	metrics := newRecordingMetrics()
	svc.WithMetrics(metrics)
	ctx := context.Background()

	_, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("2")})
	require.NoError(t, err)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementOut, ProductCode: "SEM-SOJA", Quantity: dec("2.01")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	bal, err := svc.CurrentBalance(ctx, "SEM-SOJA", "", OwnershipOwn)
	require.NoError(t, err)
	require.True(t, bal.Quantity.Equal(dec("2")))
	assert.Equal(t, 1, metrics.rejections["insufficient_stock"])
	assert.Equal(t, 1, metrics.movements["in"])
}

func TestOwnershipKeepsSeparateLines(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()

	_, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("5"), Ownership: OwnershipConsigned})
	require.NoError(t, err)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementOut, ProductCode: "SEM-SOJA", Quantity: dec("1"), Ownership: OwnershipOwn})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestAddProduct(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()

	bal, err := svc.AddProduct(ctx, ProductInput{Code: "HERB-GLI", Name: "Glifosato", Category: "herbicidas", Warehouse: "norte", InitialQuantity: dec("40")})
	require.NoError(t, err)
	require.True(t, bal.Quantity.Equal(dec("40")))
	require.Equal(t, "Glifosato", bal.Name)

	_, err = svc.AddProduct(ctx, ProductInput{Code: "HERB-GLI", Warehouse: "norte"})
	require.ErrorIs(t, err, ErrDuplicateProductCode)

	// Same code on another warehouse is a different line.
	_, err = svc.AddProduct(ctx, ProductInput{Code: "HERB-GLI", Warehouse: "sur"})
	require.NoError(t, err)

	card, err := svc.StockCard(ctx, StockCardFilter{Key: Key{ProductCode: "HERB-GLI", Warehouse: "norte"}})
	require.NoError(t, err)
	require.Len(t, card, 1)
	require.True(t, card[0].QtyIn.Equal(dec("40")))

	empty, err := svc.AddProduct(ctx, ProductInput{Code: "SEM-SOJA", Warehouse: "sur"})
	require.NoError(t, err)
	require.True(t, empty.Quantity.IsZero())
	require.Equal(t, "semillas", empty.Category)
}

func TestPostShipmentIsAtomic(t *testing.T) {
	svc, repo := newTestService(t, memdb.New())
	ctx := context.Background()

	_, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("10")})
	require.NoError(t, err)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "FERT-UREA", Quantity: dec("1")})
	require.NoError(t, err)

	_, err = svc.PostShipment(ctx, ShipmentInput{OrderID: 9, Lines: []ShipmentLine{
		{ProductCode: "SEM-SOJA", Quantity: dec("4")},
		{ProductCode: "FERT-UREA", Quantity: dec("2")},
	}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Contains(t, err.Error(), "FERT-UREA")

	soja, err := svc.CurrentBalance(ctx, "SEM-SOJA", "", "")
	require.NoError(t, err)
	require.True(t, soja.Quantity.Equal(dec("10")), "no partial shipment may be written")
	movements, err := repo.ListMovements(ctx, soja.Key())
	require.NoError(t, err)
	require.Len(t, movements, 1)

	moved, err := svc.PostShipment(ctx, ShipmentInput{OrderID: 9, Lines: []ShipmentLine{
		{ProductCode: "SEM-SOJA", Quantity: dec("4")},
		{ProductCode: "SEM-SOJA", Quantity: dec("6")},
		{ProductCode: "FERT-UREA", Quantity: dec("1")},
	}})
	require.NoError(t, err)
	require.Len(t, moved, 2)
	require.True(t, moved[0].Quantity.Equal(dec("10")))
	require.EqualValues(t, 9, *moved[0].OrderID)

	soja, err = svc.CurrentBalance(ctx, "SEM-SOJA", "", "")
	require.NoError(t, err)
	require.True(t, soja.Quantity.IsZero())
}

func TestReverse(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()

	in, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("3")})
	require.NoError(t, err)
	rev, err := svc.Reverse(ctx, in.ID, "")
	require.NoError(t, err)
	require.Equal(t, MovementOut, rev.Type)
	require.EqualValues(t, in.ID, *rev.ReversesID)

	_, err = svc.Reverse(ctx, in.ID, "")
	require.ErrorIs(t, err, ErrNotReversible)
	_, err = svc.Reverse(ctx, rev.ID, "")
	require.ErrorIs(t, err, ErrNotReversible)
	_, err = svc.Reverse(ctx, 999, "")
	require.ErrorIs(t, err, ErrMovementNotFound)

	bal, err := svc.CurrentBalance(ctx, "SEM-SOJA", "", "")
	require.NoError(t, err)
	require.True(t, bal.Quantity.IsZero())
}

func TestConcurrentOutMovementsNeverOversell(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	ctx := context.Background()
	_, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("10")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.RecordMovement(ctx, MovementInput{Type: MovementOut, ProductCode: "SEM-SOJA", Quantity: dec("1")}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
	bal, err := svc.CurrentBalance(ctx, "SEM-SOJA", "", "")
	require.NoError(t, err)
	require.True(t, bal.Quantity.IsZero())

	drifts, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestBalancesRebuildFromJournal(t *testing.T) {
	journal := memdb.NewMemoryJournal()
	db, err := memdb.Open(memdb.Config{Journal: journal})
	require.NoError(t, err)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	_, err = svc.AddProduct(ctx, ProductInput{Code: "HERB-GLI", Name: "Glifosato", InitialQuantity: dec("12")})
	require.NoError(t, err)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("5")})
	require.NoError(t, err)
	_, err = svc.PostShipment(ctx, ShipmentInput{OrderID: 1, Lines: []ShipmentLine{{ProductCode: "HERB-GLI", Quantity: dec("2")}}})
	require.NoError(t, err)
	_, _, err = svc.RecordMovement(ctx, MovementInput{Type: MovementOut, ProductCode: "SEM-SOJA", Quantity: dec("50")})
	require.Error(t, err)

	restoredDB, err := memdb.Open(memdb.Config{Journal: journal})
	require.NoError(t, err)
	restored, _ := newTestService(t, restoredDB)
	_, err = restoredDB.Restore(ctx)
	require.NoError(t, err)

	want, err := svc.Balances(ctx, BalanceFilter{})
	require.NoError(t, err)
	got, err := restored.Balances(ctx, BalanceFilter{})
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Key(), got[i].Key())
		require.Equal(t, want[i].Name, got[i].Name)
		require.True(t, want[i].Quantity.Equal(got[i].Quantity))
	}

	mv, _, err := restored.RecordMovement(ctx, MovementInput{Type: MovementIn, ProductCode: "SEM-SOJA", Quantity: dec("1")})
	require.NoError(t, err)
	require.EqualValues(t, 4, mv.ID)
}

func TestHandlerAddProductAndBalance(t *testing.T) {
	svc, _ := newTestService(t, memdb.New())
	r := chi.NewRouter()
	NewHandler(svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	body := `{"code":"SEM-MAIZ","name":"Maiz","category":"semillas","initial_quantity":"25"}`
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stock/products", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stock/products", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate_product_code")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stock/movements", strings.NewReader(`{"type":"out","product_code":"SEM-MAIZ","quantity":"30"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "insufficient_stock")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stock/movements", strings.NewReader(`{"type":"sideways","product_code":"SEM-MAIZ","quantity":"1"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/balances/SEM-MAIZ", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var bal Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	require.True(t, bal.Quantity.Equal(dec("25")))
}
