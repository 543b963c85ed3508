package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/orders"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/statement"
	_ "github.com/agrodist/salesops/internal/testing/guard"
	"github.com/agrodist/salesops/jobs"
)

func testConfig() *Config {
	return &Config{
		AppEnv:               "test",
		AppRequestTimeout:    5 * time.Second,
		NodeID:               1,
		IdempotencyRetention: time.Hour,
		CatalogFile:          "../../config/catalog.yaml",
		ClientsFile:          "../../config/clients.yaml",
		DefaultTaxRate:       decimal.NewFromInt(21),
		PointOfSale:          3,
		InvoiceDueDays:       30,
		ApprovalTimeout:      time.Second,
		DefaultWarehouse:     "central",
		StatementCacheTTL:    time.Minute,
		RateLimitPerMinute:   10000,
	}
}

func newTestApp(t *testing.T, journal memdb.Journal, rdb redis.UniversalClient) *App {
	t.Helper()
	cfg := testConfig()
	cat, err := catalog.LoadFile(cfg.CatalogFile, cfg.ClientsFile)
	require.NoError(t, err)
	a, err := New(context.Background(), Options{Config: cfg, Catalog: cat, Journal: journal, Redis: rdb})
	require.NoError(t, err)
	return a
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestOrderToCashOverHTTP(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	a := newTestApp(t, nil, rdb)
	h := a.Handler

	rec := do(t, h, http.MethodPost, "/api/stock/products", map[string]any{"code": "SEM-SOJA", "initial_quantity": "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/orders", map[string]any{
		"client_id": 2,
		"lines":     []map[string]any{{"product_code": "SEM-SOJA", "quantity": "2"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[orders.Order](t, rec)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, o.Total.Equal(decimal.RequireFromString("150040")), o.Total.String())
	base := "/api/orders/" + strconv.FormatInt(o.ID, 10)

	rec = do(t, h, http.MethodPost, base+"/ship", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, base+"/invoice", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/clients/2/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statement.Statement](t, rec)
	assert.True(t, st.Balance.Equal(decimal.RequireFromString("150040")))

	payment := map[string]any{"amount": "50040", "method": "transfer", "bank": "Banco Nacion"}
	rec = do(t, h, http.MethodPost, base+"/payments", payment, "Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, base+"/payments", payment, "Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/clients/2/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = decode[statement.Statement](t, rec)
	assert.True(t, st.Balance.Equal(decimal.RequireFromString("100000")), st.Balance.String())
	require.Len(t, st.Movements, 2)

	got, err := a.Orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusInvoiced, got.Status)
	assert.True(t, got.PendingBalance().Equal(decimal.RequireFromString("100000")))

	report, err := (&jobs.LedgerVerifyJob{Checks: a.LedgerChecks()}).Verify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total(), report.Problems)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `salesops_order_transitions_total{from="pending",to="shipped"} 1`)
	assert.Contains(t, rec.Body.String(), `salesops_statement_read_duration_seconds_count{source="rebuild"} 2`)
}

func TestRestoreRebuildsStateFromJournal(t *testing.T) {
	journal := memdb.NewMemoryJournal()
	ctx := context.Background()

	first := newTestApp(t, journal, nil)
	rec := do(t, first.Handler, http.MethodPost, "/api/stock/products", map[string]any{"code": "FERT-UREA", "initial_quantity": "4"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o, err := first.Orders.CreateManual(ctx, orders.ManualInput{
		ClientID: 1,
		Lines:    []orders.LineInput{{ProductCode: "FERT-UREA", Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	_, err = first.Orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, inv, err := first.Orders.Invoice(ctx, o.ID)
	require.NoError(t, err)

	second := newTestApp(t, journal, nil)
	assert.Positive(t, second.Restored)
	restored, err := second.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusInvoiced, restored.Status)
	again, err := second.Invoicing.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Number, again.Number)

	next, err := second.Orders.CreateManual(ctx, orders.ManualInput{
		ClientID: 1,
		Lines:    []orders.LineInput{{ProductCode: "FERT-UREA", Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	assert.Greater(t, next.ID, o.ID)

	report, err := (&jobs.LedgerVerifyJob{Checks: second.LedgerChecks()}).Verify(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total(), report.Problems)
}

// forgingJournal replays its inner journal with the cached counters of order,
// payment and invoice snapshots overwritten.
type forgingJournal struct {
	*memdb.MemoryJournal
	forge map[string]map[string]any
}

func (j forgingJournal) Replay(ctx context.Context, fn func(memdb.Event) error) error {
	return j.MemoryJournal.Replay(ctx, func(evt memdb.Event) error {
		fields, ok := j.forge[evt.Kind]
		if !ok {
			return fn(evt)
		}
		var doc map[string]any
		if err := json.Unmarshal(evt.Payload, &doc); err != nil {
			return err
		}
		for k, v := range fields {
			doc[k] = v
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		evt.Payload = raw
		return fn(evt)
	})
}

func TestRestoreRecomputesCountersFromLogs(t *testing.T) {
	journal := memdb.NewMemoryJournal()
	ctx := context.Background()

	first := newTestApp(t, journal, nil)
	rec := do(t, first.Handler, http.MethodPost, "/api/stock/products", map[string]any{"code": "FERT-UREA", "initial_quantity": "4"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o, err := first.Orders.CreateManual(ctx, orders.ManualInput{
		ClientID: 1,
		Lines:    []orders.LineInput{{ProductCode: "FERT-UREA", Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	_, err = first.Orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, inv, err := first.Orders.Invoice(ctx, o.ID)
	require.NoError(t, err)
	paid := decimal.RequireFromString("1000.25")
	_, p, err := first.Orders.RegisterPayment(ctx, o.ID, orders.PaymentInput{Amount: paid})
	require.NoError(t, err)

	forged := forgingJournal{MemoryJournal: journal, forge: map[string]map[string]any{
		"order.saved":   {"paid_amount": o.Total.String(), "status": "paid"},
		"payment.saved": {"allocated": "0"},
		"invoice.saved": {"collected": "0", "credited": "5", "status": "paid"},
	}}
	second := newTestApp(t, forged, nil)
	assert.Positive(t, second.Restored)

	gotOrder, err := second.Orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusInvoiced, gotOrder.Status)
	assert.True(t, gotOrder.PaidAmount.Equal(paid), gotOrder.PaidAmount.String())

	gotPayment, err := second.Payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, gotPayment.Allocated.Equal(paid), gotPayment.Allocated.String())

	gotInvoice, err := second.Invoicing.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, gotInvoice.Collected.Equal(paid), gotInvoice.Collected.String())
	assert.True(t, gotInvoice.Credited.IsZero(), gotInvoice.Credited.String())
	assert.Equal(t, invoicing.StatusPartial, gotInvoice.Status)

	report, err := (&jobs.LedgerVerifyJob{Checks: second.LedgerChecks()}).Verify(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total(), report.Problems)
}

func TestServiceEndpoints(t *testing.T) {
	a := newTestApp(t, nil, nil)

	rec := do(t, a.Handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, a.Handler, http.MethodGet, "/jobs/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	rec = do(t, a.Handler, http.MethodGet, "/api/catalog/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SEM-MAIZ")

	rec = do(t, a.Handler, http.MethodGet, "/api/clients/999/statement", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("client_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestNewRequiresConfigAndCatalog(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
	_, err = New(context.Background(), Options{Config: testConfig()})
	require.ErrorContains(t, err, "catalog")
}
