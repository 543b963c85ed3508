package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/observability"
	"github.com/agrodist/salesops/internal/orders"
	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/quotation"
	"github.com/agrodist/salesops/internal/statement"
	"github.com/agrodist/salesops/internal/stock"
	"github.com/agrodist/salesops/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	CatalogHandler   *catalog.Handler
	StockHandler     *stock.Handler
	QuotationHandler *quotation.Handler
	OrdersHandler    *orders.Handler
	InvoicingHandler *invoicing.Handler
	PaymentsHandler  *payments.Handler
	StatementHandler *statement.Handler
	JobHandler       *jobs.Handler
}

type routeMounter interface {
	MountRoutes(chi.Router)
}

// NewRouter constructs the chi.Router serving the JSON API under /api.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))
		for _, h := range []routeMounter{
			params.CatalogHandler,
			params.StockHandler,
			params.QuotationHandler,
			params.OrdersHandler,
			params.InvoicingHandler,
			params.PaymentsHandler,
			params.StatementHandler,
		} {
			h.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
