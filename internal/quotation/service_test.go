package quotation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

func newTestService(t *testing.T) *Service {
	t.Helper()
	reduced := dec("10.5")
	cat, err := catalog.New([]catalog.Product{
		{Code: "SEM-SOJA", Name: "Semilla de soja", UnitPrice: dec("100")},
		{Code: "FERT-UREA", Name: "Urea", UnitPrice: dec("33.333"), TaxRate: &reduced},
	}, []catalog.Client{
		{ID: 1, Name: "Estancia La Paz", Channel: catalog.ChannelPartner, PaymentTermsDays: 30, BillingAddress: "Ruta 5 km 300"},
	})
	require.NoError(t, err)
	clock := shared.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	return NewService(NewRepository(memdb.New()), cat, clock, nil, ServiceConfig{})
}

func TestCreateComputesTotals(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	q, err := svc.Create(ctx, CreateInput{ClientID: 1, Lines: []LineInput{
		{ProductCode: "SEM-SOJA", Quantity: dec("10")},
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, q.Status)
	assert.Equal(t, catalog.ChannelPartner, q.Channel)
	assert.Equal(t, "30 days", q.PaymentTerms)
	assert.Equal(t, "Ruta 5 km 300", q.BillingAddress)
	assert.Equal(t, "Q-000001", q.Number)
	require.True(t, q.Subtotal.Equal(dec("1000")))
	require.True(t, q.Tax.Equal(dec("210")))
	require.True(t, q.Total.Equal(dec("1210")))
}

func TestAddLineUsesProductRateAndRounds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	q, err := svc.Create(ctx, CreateInput{ClientID: 1})
	require.NoError(t, err)

	q, err = svc.AddLine(ctx, q.ID, LineInput{ProductCode: "FERT-UREA", Quantity: dec("3")})
	require.NoError(t, err)
	require.Len(t, q.Lines, 1)
	line := q.Lines[0]
	require.True(t, line.Subtotal.Equal(dec("100")), line.Subtotal.String())
	require.True(t, line.Tax.Equal(dec("10.5")))
	require.True(t, line.Total.Equal(dec("110.5")))
	require.Equal(t, "Urea", line.Description)

	price := dec("90")
	q, err = svc.AddLine(ctx, q.ID, LineInput{ProductCode: "SEM-SOJA", Quantity: dec("1"), UnitPrice: &price})
	require.NoError(t, err)
	require.True(t, q.Subtotal.Equal(dec("190")))
	require.True(t, q.Total.Equal(q.Subtotal.Add(q.Tax)))
}

func TestAddLineValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	q, err := svc.Create(ctx, CreateInput{ClientID: 1})
	require.NoError(t, err)

	_, err = svc.AddLine(ctx, q.ID, LineInput{ProductCode: "SEM-SOJA", Quantity: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.AddLine(ctx, q.ID, LineInput{ProductCode: "NOPE", Quantity: dec("1")})
	require.ErrorIs(t, err, ErrUnknownProduct)
	_, err = svc.Create(ctx, CreateInput{ClientID: 1, Lines: []LineInput{{ProductCode: "NOPE", Quantity: dec("1")}}})
	require.ErrorIs(t, err, ErrUnknownProduct)
	_, err = svc.Create(ctx, CreateInput{ClientID: 99})
	require.ErrorIs(t, err, catalog.ErrUnknownClient)
}

func TestStatusMachine(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	q, err := svc.Create(ctx, CreateInput{ClientID: 1, Lines: []LineInput{{ProductCode: "SEM-SOJA", Quantity: dec("1")}}})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, q.ID)
	require.ErrorIs(t, err, ErrIllegalStatusTransition)

	q, err = svc.Send(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, q.SentAt)

	_, err = svc.AddLine(ctx, q.ID, LineInput{ProductCode: "SEM-SOJA", Quantity: dec("1")})
	require.ErrorIs(t, err, ErrQuotationLocked)
	_, err = svc.RemoveLine(ctx, q.ID, 0)
	require.ErrorIs(t, err, ErrQuotationLocked)

	q, err = svc.Reject(ctx, q.ID, "price too high")
	require.NoError(t, err)
	require.Equal(t, "price too high", q.RejectionReason)

	q, err = svc.Send(ctx, q.ID)
	require.NoError(t, err)
	require.Empty(t, q.RejectionReason)

	q, err = svc.Approve(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, q.Status)
	require.NotNil(t, q.ApprovedAt)

	for _, next := range []Status{StatusDraft, StatusSent, StatusRejected, StatusRevision} {
		_, err = svc.SetStatus(ctx, q.ID, next, "")
		require.ErrorIs(t, err, ErrIllegalStatusTransition, "approved -> %s", next)
	}
}

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusDraft, StatusSent, StatusApproved, StatusRejected, StatusRevision}
	legal := map[[2]Status]bool{
		{StatusDraft, StatusSent}:    true,
		{StatusSent, StatusApproved}: true,
		{StatusSent, StatusRejected}: true,
		{StatusRejected, StatusSent}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestUpdateAndRemoveLine(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	q, err := svc.Create(ctx, CreateInput{ClientID: 1, Lines: []LineInput{
		{ProductCode: "SEM-SOJA", Quantity: dec("1")},
		{ProductCode: "SEM-SOJA", Quantity: dec("2")},
	}})
	require.NoError(t, err)

	q, err = svc.UpdateLine(ctx, q.ID, 1, LineInput{ProductCode: "SEM-SOJA", Quantity: dec("5")})
	require.NoError(t, err)
	require.True(t, q.Subtotal.Equal(dec("600")))

	q, err = svc.RemoveLine(ctx, q.ID, 0)
	require.NoError(t, err)
	require.Len(t, q.Lines, 1)
	require.True(t, q.Subtotal.Equal(dec("500")))

	_, err = svc.RemoveLine(ctx, q.ID, 4)
	require.ErrorIs(t, err, ErrLineNotFound)
}

func TestHandlerFlow(t *testing.T) {
	svc := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quotations", strings.NewReader(`{"client_id":1,"lines":[{"product_code":"SEM-SOJA","quantity":"2"}]}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var q Quotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.True(t, q.Total.Equal(dec("242")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quotations/1/approve", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "illegal_status_transition")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quotations/1/lines", strings.NewReader(`{"product_code":"SEM-SOJA","quantity":"-1"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_quantity")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quotations?client_id=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)
}
