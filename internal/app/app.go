package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	jobmetrics "github.com/agrodist/salesops/internal/jobs"
	"github.com/agrodist/salesops/internal/observability"
	"github.com/agrodist/salesops/internal/orders"
	"github.com/agrodist/salesops/internal/payments"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/internal/quotation"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/statement"
	"github.com/agrodist/salesops/internal/stock"
	"github.com/agrodist/salesops/jobs"
)

// Options carries the infrastructure New wires the services onto. Only
// Config and Catalog are required.
type Options struct {
	Config   *Config
	Logger   *slog.Logger
	Catalog  *catalog.Catalog
	Journal  memdb.Journal
	Redis    redis.UniversalClient
	Approver invoicing.ApprovalProvider
	Clock    shared.Clock
	Metrics  *observability.Metrics
	// Jobs enqueues statement warmups after ledger changes. May be nil.
	Jobs *jobs.Client
	// Inspector backs /jobs/health. May be nil.
	Inspector jobs.QueueInspector
}

// App is the assembled sales-ops core.
type App struct {
	Config     *Config
	Logger     *slog.Logger
	DB         *memdb.DB
	Catalog    *catalog.Catalog
	Stock      *stock.Service
	Quotations *quotation.Service
	Orders     *orders.Service
	Invoicing  *invoicing.Service
	Payments   *payments.Service
	Statements *statement.Service
	Metrics    *observability.Metrics
	Handler    http.Handler
	Restored   int
}

// New builds the store, replays the journal and wires every service and
// route.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app: config required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("app: catalog required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Approver == nil {
		opts.Approver = invoicing.LocalApprover{}
	}
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	store, err := memdb.Open(memdb.Config{Journal: opts.Journal, NodeID: cfg.NodeID})
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	locks := shared.NewKeyedMutex()
	metrics := opts.Metrics

	stockSvc := stock.NewService(stock.NewRepository(store), opts.Catalog, opts.Clock, logger.With(slog.String("module", "stock")),
		stock.ServiceConfig{DefaultWarehouse: cfg.DefaultWarehouse}).WithMetrics(metrics)
	quotes := quotation.NewService(quotation.NewRepository(store), opts.Catalog, opts.Clock, logger.With(slog.String("module", "quotation")),
		quotation.ServiceConfig{DefaultTaxRate: cfg.DefaultTaxRate})
	invoiceRepo := invoicing.NewRepository(store)
	paymentRepo := payments.NewRepository(store)
	orderRepo := orders.NewRepository(store)
	store.AfterRestore(reconcileLedgers(logger, paymentRepo, invoiceRepo, orderRepo))

	invoices := invoicing.NewService(invoiceRepo, opts.Approver, locks, opts.Clock, logger.With(slog.String("module", "invoicing")),
		invoicing.ServiceConfig{PointOfSale: cfg.PointOfSale, DueDays: cfg.InvoiceDueDays, ApprovalTimeout: cfg.ApprovalTimeout}).WithMetrics(metrics)
	pays := payments.NewService(paymentRepo, invoices, locks, opts.Clock, logger.With(slog.String("module", "payments"))).
		WithClients(opts.Catalog).
		WithMetrics(metrics)
	orderSvc := orders.NewService(orderRepo, orders.Deps{
		Quotations: quotes,
		Clients:    opts.Catalog,
		Stock:      stockSvc,
		Invoicing:  invoices,
		Payments:   pays,
		Locks:      locks,
		Clock:      opts.Clock,
		Logger:     logger.With(slog.String("module", "orders")),
	}).WithMetrics(metrics)
	pays.OnAllocation(orderSvc.ApplyAllocation)

	var stmtCache *statement.Cache
	var idem *shared.IdempotencyStore
	if opts.Redis != nil {
		stmtCache = statement.NewCache(opts.Redis, cfg.StatementCacheTTL)
		idem = shared.NewIdempotencyStore(opts.Redis, cfg.IdempotencyRetention)
	}
	statements := statement.NewService(invoices, pays, opts.Catalog, store, stmtCache, logger.With(slog.String("module", "statement"))).
		WithMetrics(metrics)

	for _, listener := range []func(context.Context, int64){statements.Listener(), opts.Jobs.WarmupListener()} {
		invoices.OnChange(listener)
		pays.OnChange(listener)
	}

	restored, err := store.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: restore journal: %w", err)
	}
	if restored > 0 {
		logger.Info("journal restored", slog.Int("events", restored))
	}

	ordersHandler := orders.NewHandler(orderSvc, idem)
	paymentsHandler := payments.NewHandler(pays, idem)
	paymentsHandler.UseAllocator(ordersHandler.Allocate)

	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         store,
		Catalog:    opts.Catalog,
		Stock:      stockSvc,
		Quotations: quotes,
		Orders:     orderSvc,
		Invoicing:  invoices,
		Payments:   pays,
		Statements: statements,
		Metrics:    metrics,
		Restored:   restored,
	}
	a.Handler = NewRouter(RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		CatalogHandler:   catalog.NewHandler(opts.Catalog),
		StockHandler:     stock.NewHandler(stockSvc),
		QuotationHandler: quotation.NewHandler(quotes),
		OrdersHandler:    ordersHandler,
		InvoicingHandler: invoicing.NewHandler(invoices),
		PaymentsHandler:  paymentsHandler,
		StatementHandler: statement.NewHandler(statements),
		JobHandler:       jobs.NewHandler(opts.Inspector, logger),
	})
	return a, nil
}

// reconcileLedgers rebuilds the counters cached on payments, invoices and
// orders from the replayed allocations and credit notes.
func reconcileLedgers(logger *slog.Logger, pays *payments.Repository, invoices *invoicing.Repository, ords *orders.Repository) func() error {
	return func() error {
		collected, fixed := pays.Reconcile()
		fixed = append(fixed, invoices.Reconcile(collected)...)
		fixed = append(fixed, ords.Reconcile(collected)...)
		for _, f := range fixed {
			logger.Warn("journal snapshot corrected on restore", slog.String("detail", f))
		}
		return nil
	}
}

// LedgerChecks lists the integrity checks run by the ledger:verify job.
func (a *App) LedgerChecks() []jobs.LedgerCheck {
	return []jobs.LedgerCheck{
		{Ledger: "stock", Run: func(ctx context.Context) ([]string, error) {
			drifts, err := a.Stock.Verify(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(drifts))
			for _, d := range drifts {
				out = append(out, fmt.Sprintf("%s/%s/%s: cached %s, movements %s",
					d.Key.ProductCode, d.Key.Warehouse, d.Key.Ownership, d.Cached, d.Computed))
			}
			return out, nil
		}},
		{Ledger: "orders", Run: a.Orders.Verify},
		{Ledger: "invoices", Run: a.Invoicing.Verify},
		{Ledger: "payments", Run: a.Payments.Verify},
	}
}

// JobHandlers returns the task handlers served by the worker.
func (a *App) JobHandlers(m *jobmetrics.Metrics) []jobs.TaskHandler {
	warmup := &jobs.StatementWarmupJob{Statements: a.Statements, Logger: a.Logger, Metrics: m}
	verify := &jobs.LedgerVerifyJob{Checks: a.LedgerChecks(), Logger: a.Logger, Metrics: m}
	return []jobs.TaskHandler{
		{Type: jobs.TaskStatementWarmup, Handler: warmup.Handle},
		{Type: jobs.TaskLedgerVerify, Handler: verify.Handle},
	}
}

// Cron schedules the nightly ledger check.
func (a *App) Cron() []jobs.CronRegistration {
	if a.Config.LedgerVerifyCron == "" {
		return nil
	}
	return []jobs.CronRegistration{{
		Spec:    a.Config.LedgerVerifyCron,
		Task:    jobs.NewLedgerVerifyTask(),
		Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)},
	}}
}
