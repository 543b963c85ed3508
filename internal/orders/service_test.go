package orders

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/quotation"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/stock"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	db         *memdb.DB
	orders     *Service
	quotations *quotation.Service
	stock      *stock.Service
	invoicing  *invoicing.Service
	payments   *payments.Service
}

func newHarness(t *testing.T, approver invoicing.ApprovalProvider) harness {
	t.Helper()
	return newHarnessOn(t, memdb.New(), approver)
}

func newHarnessOn(t *testing.T, db *memdb.DB, approver invoicing.ApprovalProvider) harness {
	t.Helper()
	cat, err := catalog.New([]catalog.Product{
		{Code: "SEM-SOJA", Name: "Semilla de soja", Category: "semillas", UnitPrice: dec("1000")},
		{Code: "FERT-UREA", Name: "Urea", Category: "fertilizantes", UnitPrice: dec("50")},
	}, []catalog.Client{
		{ID: 1, Name: "Estancia La Paz", Channel: catalog.ChannelOwn, PaymentTermsDays: 30},
		{ID: 2, Name: "Agro Norte", Channel: catalog.ChannelPartner, PaymentTermsDays: 15},
	})
	require.NoError(t, err)
	if approver == nil {
		approver = invoicing.LocalApprover{}
	}
	locks := shared.NewKeyedMutex()
	clock := shared.NewFakeClock(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))

	quotes := quotation.NewService(quotation.NewRepository(db), cat, clock, nil, quotation.ServiceConfig{})
	stockSvc := stock.NewService(stock.NewRepository(db), cat, clock, nil, stock.ServiceConfig{DefaultWarehouse: "central"})
	invoices := invoicing.NewService(invoicing.NewRepository(db), approver, locks, clock, nil, invoicing.ServiceConfig{PointOfSale: 2, ApprovalTimeout: 100 * time.Millisecond})
	pays := payments.NewService(payments.NewRepository(db), invoices, locks, clock, nil)
	orderSvc := NewService(NewRepository(db), Deps{
		Quotations: quotes,
		Clients:    cat,
		Stock:      stockSvc,
		Invoicing:  invoices,
		Payments:   pays,
		Locks:      locks,
		Clock:      clock,
	})
	pays.OnAllocation(orderSvc.ApplyAllocation)
	return harness{db: db, orders: orderSvc, quotations: quotes, stock: stockSvc, invoicing: invoices, payments: pays}
}

func (h harness) approvedQuotation(t *testing.T, qty string) quotation.Quotation {
	t.Helper()
	ctx := context.Background()
	q, err := h.quotations.Create(ctx, quotation.CreateInput{ClientID: 1, Lines: []quotation.LineInput{
		{ProductCode: "SEM-SOJA", Quantity: dec(qty)},
	}})
	require.NoError(t, err)
	_, err = h.quotations.Send(ctx, q.ID)
	require.NoError(t, err)
	q, err = h.quotations.Approve(ctx, q.ID)
	require.NoError(t, err)
	return q
}

func (h harness) stockUp(t *testing.T, qty string) {
	t.Helper()
	_, err := h.stock.AddProduct(context.Background(), stock.ProductInput{
		Code: "SEM-SOJA", Ownership: stock.OwnershipOwn, Warehouse: "central", InitialQuantity: dec(qty),
	})
	require.NoError(t, err)
}

func TestFullLifecycleScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "25")

	q := h.approvedQuotation(t, "10")
	require.True(t, q.Subtotal.Equal(dec("10000")))
	require.True(t, q.Tax.Equal(dec("2100")))
	require.True(t, q.Total.Equal(dec("12100")))

	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "central", o.Warehouse)

	o, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)
	require.NotNil(t, o.ShippedAt)
	bal, err := h.stock.CurrentBalance(ctx, "SEM-SOJA", "central", stock.OwnershipOwn)
	require.NoError(t, err)
	assert.True(t, bal.Quantity.Equal(dec("15")))

	o, inv, err := h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvoiced, o.Status)
	assert.True(t, inv.Total.Equal(dec("12100")))
	require.NotNil(t, o.InvoiceID)
	assert.Equal(t, inv.ID, *o.InvoiceID)

	p1, err := h.payments.Record(ctx, payments.RecordInput{ClientID: 1, Amount: dec("6050"), Method: payments.MethodTransfer})
	require.NoError(t, err)
	_, o, err = h.orders.AllocatePayment(ctx, p1.ID, inv.ID, dec("6050"))
	require.NoError(t, err)
	assert.Equal(t, StatusInvoiced, o.Status)
	assert.True(t, o.PaidAmount.Equal(dec("6050")))
	assert.True(t, o.PendingBalance().Equal(dec("6050")))
	inv, err = h.invoicing.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusPartial, inv.Status)

	p2, err := h.payments.Record(ctx, payments.RecordInput{ClientID: 1, Amount: dec("6050"), Method: payments.MethodCash})
	require.NoError(t, err)
	_, o, err = h.orders.AllocatePayment(ctx, p2.ID, inv.ID, dec("6050"))
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	inv, err = h.invoicing.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusPaid, inv.Status)

	o, err = h.orders.Complete(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)

	problems, err := h.orders.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestShipInsufficientStockWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "5")
	q := h.approvedQuotation(t, "10")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)

	_, err = h.orders.Ship(ctx, o.ID)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	kind, _ := shared.KindOf(err)
	assert.Equal(t, shared.KindExhausted, kind)

	bal, err := h.stock.CurrentBalance(ctx, "SEM-SOJA", "central", stock.OwnershipOwn)
	require.NoError(t, err)
	assert.True(t, bal.Quantity.Equal(dec("5")))
	card, err := h.stock.StockCard(ctx, stock.StockCardFilter{Key: stock.Key{ProductCode: "SEM-SOJA", Warehouse: "central", Ownership: stock.OwnershipOwn}})
	require.NoError(t, err)
	assert.Len(t, card, 1)
	o, err = h.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
}

func TestConfirmRequiresApprovedQuotation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q, err := h.quotations.Create(ctx, quotation.CreateInput{ClientID: 1, Lines: []quotation.LineInput{{ProductCode: "SEM-SOJA", Quantity: dec("1")}}})
	require.NoError(t, err)

	_, err = h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.ErrorIs(t, err, ErrQuotationNotApproved)

	approved := h.approvedQuotation(t, "1")
	_, err = h.orders.CreateFromQuotation(ctx, approved.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.CreateFromQuotation(ctx, approved.ID, ConfirmOptions{})
	require.ErrorIs(t, err, ErrQuotationAlreadyConverted)
}

func TestTransitionsRejectSkipsAndRegressions(t *testing.T) {
	all := []Status{StatusPending, StatusShipped, StatusInvoiced, StatusPaid, StatusCompleted, StatusCancelled}
	legal := map[[2]Status]bool{
		{StatusPending, StatusShipped}:   true,
		{StatusShipped, StatusInvoiced}:  true,
		{StatusInvoiced, StatusPaid}:     true,
		{StatusPaid, StatusCompleted}:    true,
		{StatusPending, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.approvedQuotation(t, "1")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)

	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = h.orders.Complete(ctx, o.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, _, err = h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("1")})
	require.ErrorIs(t, err, ErrIllegalTransition)

	o, err = h.orders.Cancel(ctx, o.ID, "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	_, err = h.orders.Ship(ctx, o.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateLinesOnlyWhilePending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "100")
	o, err := h.orders.CreateManual(ctx, ManualInput{ClientID: 2, Lines: []LineInput{{ProductCode: "FERT-UREA", Quantity: dec("4")}}})
	require.NoError(t, err)
	assert.Nil(t, o.QuotationID)
	assert.True(t, o.Total.Equal(dec("242")))

	o, err = h.orders.UpdateLines(ctx, o.ID, []LineInput{{ProductCode: "SEM-SOJA", Quantity: dec("2")}})
	require.NoError(t, err)
	assert.True(t, o.Total.Equal(dec("2420")))

	_, err = h.orders.UpdateLines(ctx, o.ID, nil)
	require.ErrorIs(t, err, ErrEmptyLines)

	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, err = h.orders.UpdateLines(ctx, o.ID, []LineInput{{ProductCode: "SEM-SOJA", Quantity: dec("1")}})
	require.ErrorIs(t, err, ErrLinesFrozen)
}

func TestInvoiceIsIdempotentAndAtomic(t *testing.T) {
	failing := invoicing.ApprovalFunc(func(context.Context, invoicing.ApprovalRequest) (invoicing.Approval, error) {
		return invoicing.Approval{}, errors.New("authority timeout")
	})
	var approver invoicing.ApprovalProvider = failing
	switchable := invoicing.ApprovalFunc(func(ctx context.Context, req invoicing.ApprovalRequest) (invoicing.Approval, error) {
		return approver.Approve(ctx, req)
	})
	h := newHarness(t, switchable)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "2")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)

	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.ErrorIs(t, err, invoicing.ErrApprovalUnavailable)
	assert.True(t, shared.IsRetryable(err))
	o, err = h.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)
	assert.Nil(t, o.InvoiceID)

	approver = invoicing.LocalApprover{}
	o, inv, err := h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "0002-00000001", inv.Number)
	assert.Equal(t, StatusInvoiced, o.Status)

	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.ErrorIs(t, err, invoicing.ErrAlreadyInvoiced)
	all, err := h.invoicing.List(ctx, invoicing.ListFilter{OrderID: o.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterPaymentRejectsOverpayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "1")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)

	o, p, err := h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("1000"), Method: payments.MethodCheck})
	require.NoError(t, err)
	assert.True(t, p.Remainder().IsZero())
	assert.True(t, o.PaidAmount.Equal(dec("1000")))
	assert.Equal(t, StatusInvoiced, o.Status)

	_, _, err = h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("210.01")})
	require.ErrorIs(t, err, ErrOverpaymentRejected)
	listed, err := h.payments.List(ctx, payments.ListFilter{OrderID: o.ID})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	o, _, err = h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("210")})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)

	_, _, err = h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("1")})
	require.ErrorIs(t, err, ErrOverpaymentRejected)
}

func TestConcurrentPaymentsNeverOverpay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "1")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("200")})
			if err != nil {
				assert.ErrorIs(t, err, ErrOverpaymentRejected)
			}
		}()
	}
	wg.Wait()

	o, err = h.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, o.PaidAmount.Equal(dec("1200")))
	assert.True(t, o.PaidAmount.LessThanOrEqual(o.Total))
	problems, err := h.payments.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestVerifySeesConsistentSnapshotUnderLoad(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "1")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 121; i++ {
			_, _, err := h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("10")})
			assert.NoError(t, err)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		problems, err := h.orders.Verify(ctx)
		require.NoError(t, err)
		require.Empty(t, problems)
	}

	o, err = h.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.True(t, o.PaidAmount.Equal(o.Total))
}

func TestConcurrentShipDeductsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "4")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	shipped := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orders.Ship(ctx, o.ID); err == nil {
				mu.Lock()
				shipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, shipped)
	bal, err := h.stock.CurrentBalance(ctx, "SEM-SOJA", "central", stock.OwnershipOwn)
	require.NoError(t, err)
	assert.True(t, bal.Quantity.Equal(dec("6")))
}

func TestCreditNoteLeavesStockAlone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "3")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)

	_, err = h.orders.CreditNote(ctx, o.ID, invoicing.CreditScope{Kind: invoicing.ScopeTotal})
	require.ErrorIs(t, err, invoicing.ErrInvoiceNotIssued)

	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)

	note, err := h.orders.CreditNote(ctx, o.ID, invoicing.CreditScope{Kind: invoicing.ScopeAmount, Amount: dec("3630"), Reason: "hail damage"})
	require.NoError(t, err)
	assert.Equal(t, invoicing.TypeCreditNote, note.Type)
	_, err = h.orders.CreditNote(ctx, o.ID, invoicing.CreditScope{Kind: invoicing.ScopeAmount, Amount: dec("0.01")})
	require.ErrorIs(t, err, invoicing.ErrScopeExceedsInvoice)

	bal, err := h.stock.CurrentBalance(ctx, "SEM-SOJA", "central", stock.OwnershipOwn)
	require.NoError(t, err)
	assert.True(t, bal.Quantity.Equal(dec("7")))
}

func TestRestoreRebuildsPaidAmounts(t *testing.T) {
	journal := memdb.NewMemoryJournal()
	db, err := memdb.Open(memdb.Config{Journal: journal})
	require.NoError(t, err)
	h := newHarnessOn(t, db, nil)
	ctx := context.Background()
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "1")
	o, err := h.orders.CreateFromQuotation(ctx, q.ID, ConfirmOptions{})
	require.NoError(t, err)
	_, err = h.orders.Ship(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.Invoice(ctx, o.ID)
	require.NoError(t, err)
	_, _, err = h.orders.RegisterPayment(ctx, o.ID, PaymentInput{Amount: dec("500")})
	require.NoError(t, err)

	fresh, err := memdb.Open(memdb.Config{Journal: journal})
	require.NoError(t, err)
	restored := newHarnessOn(t, fresh, nil)
	_, err = fresh.Restore(ctx)
	require.NoError(t, err)

	got, err := restored.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvoiced, got.Status)
	assert.True(t, got.PaidAmount.Equal(dec("500")))
	bal, err := restored.stock.CurrentBalance(ctx, "SEM-SOJA", "central", stock.OwnershipOwn)
	require.NoError(t, err)
	assert.True(t, bal.Quantity.Equal(dec("9")))
	problems, err := restored.orders.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestHandlerLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.stockUp(t, "10")
	q := h.approvedQuotation(t, "1")
	r := chi.NewRouter()
	handler := NewHandler(h.orders, nil)
	handler.MountRoutes(r)
	ph := payments.NewHandler(h.payments, nil)
	ph.UseAllocator(handler.Allocate)
	ph.MountRoutes(r)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	rec := do(http.MethodPost, "/orders", `{"quotation_id":`+jsonInt(q.ID)+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var o Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))

	rec = do(http.MethodPost, "/orders/1/invoice", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "illegal_transition")

	require.Equal(t, http.StatusOK, do(http.MethodPost, "/orders/1/ship", "").Code)
	rec = do(http.MethodPost, "/orders/1/invoice", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"number":"0002-00000001"`)

	rec = do(http.MethodPost, "/payments", `{"client_id":1,"amount":"1210","method":"transfer"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(http.MethodPost, "/payments/1/allocations", `{"invoice_id":1,"amount":"1210"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)

	rec = do(http.MethodPost, "/orders/1/payments", `{"amount":"5"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "overpayment_rejected")

	rec = do(http.MethodPost, "/orders/1/complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
