package quotation

import "github.com/go-chi/chi/v5"

// MountRoutes registers quotation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/quotations", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Post("/{id}/lines", h.addLine)
		r.Put("/{id}/lines/{index}", h.updateLine)
		r.Delete("/{id}/lines/{index}", h.removeLine)
		r.Post("/{id}/status", h.setStatus)
		r.Post("/{id}/send", h.transition(StatusSent))
		r.Post("/{id}/approve", h.transition(StatusApproved))
		r.Post("/{id}/reject", h.transition(StatusRejected))
	})
}
