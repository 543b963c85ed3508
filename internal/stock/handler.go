package stock

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/platform/httpx"
)

// Handler exposes stock ledger endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Post("/products", h.addProduct)
		r.Post("/movements", h.recordMovement)
		r.Post("/movements/{id}/reverse", h.reverse)
		r.Get("/balances", h.listBalances)
		r.Get("/balances/{code}", h.currentBalance)
		r.Get("/card", h.stockCard)
	})
}

type addProductRequest struct {
	Code            string          `json:"code" validate:"required,max=64"`
	Name            string          `json:"name" validate:"max=200"`
	Category        string          `json:"category" validate:"max=100"`
	Ownership       Ownership       `json:"ownership" validate:"omitempty,oneof=own consigned"`
	Warehouse       string          `json:"warehouse" validate:"max=64"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
}

type movementRequest struct {
	Code        string          `json:"code" validate:"max=80"`
	Type        MovementType    `json:"type" validate:"required,oneof=in out"`
	ProductCode string          `json:"product_code" validate:"required,max=64"`
	Quantity    decimal.Decimal `json:"quantity"`
	Ownership   Ownership       `json:"ownership" validate:"omitempty,oneof=own consigned"`
	Warehouse   string          `json:"warehouse" validate:"max=64"`
	OrderID     *int64          `json:"order_id" validate:"omitempty,gt=0"`
	Note        string          `json:"note" validate:"max=500"`
}

type reverseRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) addProduct(w http.ResponseWriter, r *http.Request) {
	var req addProductRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	bal, err := h.service.AddProduct(r.Context(), ProductInput{
		Code:            req.Code,
		Name:            req.Name,
		Category:        req.Category,
		Ownership:       req.Ownership,
		Warehouse:       req.Warehouse,
		InitialQuantity: req.InitialQuantity,
	})
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bal)
}

func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	mv, bal, err := h.service.RecordMovement(r.Context(), MovementInput{
		Code:        req.Code,
		Type:        req.Type,
		ProductCode: req.ProductCode,
		Quantity:    req.Quantity,
		Ownership:   req.Ownership,
		Warehouse:   req.Warehouse,
		OrderID:     req.OrderID,
		Note:        req.Note,
	})
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"movement": mv, "balance": bal})
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	var req reverseRequest
	if r.ContentLength > 0 {
		if err := httpx.Bind(r, &req); err != nil {
			httpx.RespondError(w, r, err)
			return
		}
	}
	mv, err := h.service.Reverse(r.Context(), id, req.Note)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mv)
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	balances, err := h.service.Balances(r.Context(), BalanceFilter{
		ProductCode: q.Get("product"),
		Warehouse:   q.Get("warehouse"),
		Ownership:   Ownership(q.Get("ownership")),
	})
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) currentBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bal, err := h.service.CurrentBalance(r.Context(), chi.URLParam(r, "code"), q.Get("warehouse"), Ownership(q.Get("ownership")))
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.service.StockCard(r.Context(), StockCardFilter{
		Key: Key{
			ProductCode: q.Get("product"),
			Warehouse:   q.Get("warehouse"),
			Ownership:   Ownership(q.Get("ownership")),
		},
		Limit: httpx.IntQuery(r, "limit", 0),
	})
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}
