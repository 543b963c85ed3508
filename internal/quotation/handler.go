package quotation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/platform/httpx"
	"github.com/agrodist/salesops/internal/shared"
)

// Handler exposes quotation endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type lineRequest struct {
	ProductCode string           `json:"product_code" validate:"required,max=64"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	TaxRate     *decimal.Decimal `json:"tax_rate"`
	Description string           `json:"description" validate:"max=200"`
}

func (l lineRequest) input() LineInput {
	return LineInput{
		ProductCode: l.ProductCode,
		Quantity:    l.Quantity,
		UnitPrice:   l.UnitPrice,
		TaxRate:     l.TaxRate,
		Description: l.Description,
	}
}

type createRequest struct {
	ClientID        int64         `json:"client_id" validate:"required,gt=0"`
	Channel         string        `json:"channel" validate:"omitempty,oneof=own partner"`
	PaymentTerms    string        `json:"payment_terms" validate:"max=100"`
	DeliveryDate    *time.Time    `json:"delivery_date"`
	BillingAddress  string        `json:"billing_address" validate:"max=300"`
	ShippingAddress string        `json:"shipping_address" validate:"max=300"`
	Lines           []lineRequest `json:"lines" validate:"dive"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent approved rejected revision"`
	Reason string `json:"reason" validate:"max=500"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
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
	httpx.JSON(w, http.StatusOK, map[string]any{"quotations": page, "pagination": meta})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	input := CreateInput{
		ClientID:        req.ClientID,
		Channel:         catalog.Channel(req.Channel),
		PaymentTerms:    req.PaymentTerms,
		DeliveryDate:    req.DeliveryDate,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, l.input())
	}
	q, err := h.service.Create(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	q, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req lineRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	q, err := h.service.AddLine(r.Context(), id, req.input())
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func lineIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		return 0, shared.Wrapf(ErrLineNotFound, "index %q", chi.URLParam(r, "index"))
	}
	return idx, nil
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	idx, err := lineIndex(r)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req lineRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	q, err := h.service.UpdateLine(r.Context(), id, idx, req.input())
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	idx, err := lineIndex(r)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	q, err := h.service.RemoveLine(r.Context(), id, idx)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req statusRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	q, err := h.service.SetStatus(r.Context(), id, Status(req.Status), req.Reason)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) transition(next Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.IDParam(r, "id")
		if err != nil {
			httpx.RespondError(w, r, err)
			return
		}
		var req rejectRequest
		if next == StatusRejected && r.ContentLength > 0 {
			if err := httpx.Bind(r, &req); err != nil {
				httpx.RespondError(w, r, err)
				return
			}
		}
		q, err := h.service.SetStatus(r.Context(), id, next, req.Reason)
		if err != nil {
			httpx.RespondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, q)
	}
}
