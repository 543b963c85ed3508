package orders

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/platform/httpx"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/stock"
)

// Handler exposes order endpoints.
type Handler struct {
	service *Service
	idem    *shared.IdempotencyStore
}

// NewHandler builds the handler. idem may be nil.
func NewHandler(service *Service, idem *shared.IdempotencyStore) *Handler {
	return &Handler{service: service, idem: idem}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Put("/{id}/lines", h.updateLines)
		r.Post("/{id}/ship", h.ship)
		r.Post("/{id}/invoice", h.invoice)
		r.With(httpx.Idempotent(h.idem, "order-payments")).Post("/{id}/payments", h.registerPayment)
		r.Post("/{id}/credit-notes", h.creditNote)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/cancel", h.cancel)
	})
}

// Allocate adapts AllocatePayment to the payments handler so the response
// carries the order next to the allocation.
func (h *Handler) Allocate(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (any, error) {
	alloc, o, err := h.service.AllocatePayment(ctx, paymentID, invoiceID, amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"allocation": alloc, "order": o}, nil
}

type lineRequest struct {
	ProductCode string           `json:"product_code" validate:"required,max=64"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	TaxRate     *decimal.Decimal `json:"tax_rate"`
	Description string           `json:"description" validate:"max=200"`
}

func linesInput(reqs []lineRequest) []LineInput {
	out := make([]LineInput, 0, len(reqs))
	for _, l := range reqs {
		out = append(out, LineInput{
			ProductCode: l.ProductCode,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
			Description: l.Description,
		})
	}
	return out
}

type createRequest struct {
	QuotationID     int64         `json:"quotation_id" validate:"required_without=ClientID,omitempty,gt=0"`
	ClientID        int64         `json:"client_id" validate:"required_without=QuotationID,omitempty,gt=0"`
	Warehouse       string        `json:"warehouse" validate:"max=64"`
	Ownership       string        `json:"ownership" validate:"omitempty,oneof=own consigned"`
	ShippingAddress string        `json:"shipping_address" validate:"max=300"`
	Lines           []lineRequest `json:"lines" validate:"dive"`
}

type linesRequest struct {
	Lines []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"omitempty,oneof=cash transfer check card other"`
	Date   *time.Time      `json:"date"`
	Bank   string          `json:"bank" validate:"max=100"`
	Number string          `json:"number" validate:"max=100"`
	Note   string          `json:"note" validate:"max=500"`
}

type creditNoteRequest struct {
	Scope  string          `json:"scope" validate:"required,oneof=total lines amount"`
	Lines  []int           `json:"lines" validate:"required_if=Scope lines,dive,gte=0"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, r, shared.Wrapf(httpx.ErrInvalidID, "client_id"))
			return
		}
		filter.ClientID = id
	}
	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	page, meta := shared.Paginate(items, httpx.IntQuery(r, "page", 1), httpx.IntQuery(r, "per_page", 50))
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": page, "pagination": meta})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var (
		o   Order
		err error
	)
	if req.QuotationID > 0 {
		o, err = h.service.CreateFromQuotation(r.Context(), req.QuotationID, ConfirmOptions{
			Warehouse: req.Warehouse,
			Ownership: stock.Ownership(req.Ownership),
		})
	} else {
		o, err = h.service.CreateManual(r.Context(), ManualInput{
			ClientID:        req.ClientID,
			Warehouse:       req.Warehouse,
			Ownership:       stock.Ownership(req.Ownership),
			ShippingAddress: req.ShippingAddress,
			Lines:           linesInput(req.Lines),
		})
	}
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	o, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": o, "pending_balance": o.PendingBalance()})
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req linesRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	o, err := h.service.UpdateLines(r.Context(), id, linesInput(req.Lines))
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.service.Ship)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.service.Complete)
}

func (h *Handler) simple(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (Order, error)) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	o, err := fn(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) invoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	o, inv, err := h.service.Invoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"order": o, "invoice": inv})
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req paymentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	in := PaymentInput{
		Amount:    req.Amount,
		Method:    payments.Method(req.Method),
		Reference: payments.Reference{Bank: req.Bank, Number: req.Number, Note: req.Note},
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	o, p, err := h.service.RegisterPayment(r.Context(), id, in)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"order": o, "payment": p})
}

func (h *Handler) creditNote(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req creditNoteRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	note, err := h.service.CreditNote(r.Context(), id, invoicing.CreditScope{
		Kind:        invoicing.ScopeKind(req.Scope),
		LineIndexes: req.Lines,
		Amount:      req.Amount,
		Reason:      req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, note)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req cancelRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	o, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}
