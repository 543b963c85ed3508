package statement

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agrodist/salesops/internal/platform/httpx"
)

// Handler exposes client statements.
type Handler struct {
	service *Service
}

// NewHandler builds the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers statement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/clients/{id}/statement", h.show)
	r.Get("/clients/{id}/statement.csv", h.csv)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (Statement, bool) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return Statement{}, false
	}
	st, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return Statement{}, false
	}
	return st, true
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	if st, ok := h.load(w, r); ok {
		httpx.JSON(w, http.StatusOK, st)
	}
}

func (h *Handler) csv(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=statement-%d.csv", st.ClientID))
	w.WriteHeader(http.StatusOK)
	_ = WriteCSV(w, st)
}
