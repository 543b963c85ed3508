package payments

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/platform/httpx"
	"github.com/agrodist/salesops/internal/shared"
)

// AllocateFunc performs an allocation and returns the response body.
type AllocateFunc func(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (any, error)

// Handler exposes payment endpoints.
type Handler struct {
	service  *Service
	idem     *shared.IdempotencyStore
	allocate AllocateFunc
}

// NewHandler builds the handler. idem may be nil.
func NewHandler(service *Service, idem *shared.IdempotencyStore) *Handler {
	h := &Handler{service: service, idem: idem}
	h.allocate = func(ctx context.Context, paymentID, invoiceID int64, amount decimal.Decimal) (any, error) {
		return service.Allocate(ctx, paymentID, invoiceID, amount)
	}
	return h
}

// UseAllocator replaces the allocation call, letting the order lifecycle
// report the order next to the allocation.
func (h *Handler) UseAllocator(fn AllocateFunc) {
	h.allocate = fn
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Get("/", h.list)
		r.With(httpx.Idempotent(h.idem, "payments")).Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Get("/{id}/allocations", h.allocations)
		r.With(httpx.Idempotent(h.idem, "allocations")).Post("/{id}/allocations", h.createAllocation)
	})
}

type referenceRequest struct {
	Bank   string `json:"bank" validate:"max=100"`
	Number string `json:"number" validate:"max=100"`
	Note   string `json:"note" validate:"max=500"`
}

type createRequest struct {
	ClientID  int64            `json:"client_id" validate:"required,gt=0"`
	Amount    decimal.Decimal  `json:"amount"`
	Method    string           `json:"method" validate:"omitempty,oneof=cash transfer check card other"`
	Date      *time.Time       `json:"date"`
	Reference referenceRequest `json:"reference"`
	InvoiceID int64            `json:"invoice_id" validate:"gte=0"`
}

type allocateRequest struct {
	InvoiceID int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
}

type paymentView struct {
	Payment
	Remainder   decimal.Decimal `json:"remainder"`
	Allocations []Allocation    `json:"allocations,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ListFilter
	for name, dst := range map[string]*int64{"client_id": &filter.ClientID, "order_id": &filter.OrderID} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, r, shared.Wrapf(httpx.ErrInvalidID, "%s", name))
			return
		}
		*dst = v
	}
	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	page, meta := shared.Paginate(items, httpx.IntQuery(r, "page", 1), httpx.IntQuery(r, "per_page", 50))
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": page, "pagination": meta})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	in := RecordInput{
		ClientID:  req.ClientID,
		Amount:    req.Amount,
		Method:    Method(req.Method),
		Reference: Reference(req.Reference),
	}
	if req.Date != nil {
		in.Date = *req.Date
	}
	if req.InvoiceID == 0 {
		p, err := h.service.Record(r.Context(), in)
		if err != nil {
			httpx.RespondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, paymentView{Payment: p, Remainder: p.Remainder()})
		return
	}
	p, alloc, err := h.service.RecordAndAllocate(r.Context(), in, req.InvoiceID)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, paymentView{Payment: p, Remainder: p.Remainder(), Allocations: []Allocation{alloc}})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	allocs, err := h.service.Allocations(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, paymentView{Payment: p, Remainder: p.Remainder(), Allocations: allocs})
}

func (h *Handler) allocations(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	allocs, err := h.service.Allocations(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": allocs})
}

func (h *Handler) createAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req allocateRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	body, err := h.allocate(r.Context(), id, req.InvoiceID, req.Amount)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, body)
}
