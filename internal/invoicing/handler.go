package invoicing

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/platform/httpx"
	"github.com/agrodist/salesops/internal/shared"
)

// Handler exposes invoice endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
		r.Get("/{id}/outstanding", h.outstanding)
		r.Post("/{id}/credit-notes", h.creditNote)
	})
}

type creditNoteRequest struct {
	Scope  string          `json:"scope" validate:"required,oneof=total lines amount"`
	Lines  []int           `json:"lines" validate:"required_if=Scope lines,dive,gte=0"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Type: Type(q.Get("type"))}
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
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": page, "pagination": meta})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) outstanding(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	amount, err := h.service.OutstandingBalance(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice_id": id, "outstanding": amount})
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
	note, err := h.service.CreditNote(r.Context(), id, CreditScope{
		Kind:        ScopeKind(req.Scope),
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
