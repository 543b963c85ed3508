package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agrodist/salesops/internal/platform/httpx"
)

// Handler exposes read-only catalog endpoints.
type Handler struct {
	catalog *Catalog
}

// NewHandler builds the handler.
func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/catalog/products", h.listProducts)
	r.Get("/catalog/products/{code}", h.showProduct)
	r.Get("/clients", h.listClients)
	r.Get("/clients/{id}", h.showClient)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"products": h.catalog.Products(r.Context())})
}

func (h *Handler) showProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.Product(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"clients": h.catalog.Clients(r.Context())})
}

func (h *Handler) showClient(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	cl, err := h.catalog.Client(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cl)
}
