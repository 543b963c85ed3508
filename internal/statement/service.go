package statement

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/invoicing"
	"github.com/agrodist/salesops/internal/payments"
)

// Invoices lists issued documents.
type Invoices interface {
	List(ctx context.Context, filter invoicing.ListFilter) ([]invoicing.Invoice, error)
}

// Payments lists received payments.
type Payments interface {
	List(ctx context.Context, filter payments.ListFilter) ([]payments.Payment, error)
}

// Clients resolves client references.
type Clients interface {
	Client(ctx context.Context, id int64) (catalog.Client, error)
}

// Snapshotter runs reads against one consistent view of the store.
type Snapshotter interface {
	View(ctx context.Context, fn func(context.Context) error) error
}

// Metrics observes statement reads. source is "cache" or "rebuild".
type Metrics interface {
	ObserveStatement(source string, elapsed time.Duration)
}

// Service projects client accounts from invoices and payments.
type Service struct {
	invoices Invoices
	payments Payments
	clients  Clients
	snap     Snapshotter
	cache    *Cache
	logger   *slog.Logger
	metrics  Metrics
	group    singleflight.Group
}

// NewService wires the projection. cache may be nil.
func NewService(invoices Invoices, pays Payments, clients Clients, snap Snapshotter, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		invoices: invoices,
		payments: pays,
		clients:  clients,
		snap:     snap,
		cache:    cache,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// Rebuild replays the client's documents into a statement. It never writes
// and reads invoices and payments from the same snapshot.
func (s *Service) Rebuild(ctx context.Context, clientID int64) (Statement, error) {
	cl, err := s.clients.Client(ctx, clientID)
	if err != nil {
		return Statement{}, err
	}
	var (
		invs []invoicing.Invoice
		pays []payments.Payment
	)
	err = s.snap.View(ctx, func(ctx context.Context) error {
		var err error
		if invs, err = s.invoices.List(ctx, invoicing.ListFilter{ClientID: clientID}); err != nil {
			return err
		}
		pays, err = s.payments.List(ctx, payments.ListFilter{ClientID: clientID})
		return err
	})
	if err != nil {
		return Statement{}, err
	}
	st := Statement{
		ClientID:   clientID,
		ClientName: cl.Name,
		Movements:  Build(clientID, invs, pays),
	}
	summarise(&st)
	return st, nil
}

// Get returns the client's statement, served from the cache when the
// version is current. Concurrent callers for the same client share a
// single rebuild.
func (s *Service) Get(ctx context.Context, clientID int64) (Statement, error) {
	start := time.Now()
	key, err := s.cache.BuildKey(ctx, clientID)
	if err != nil {
		s.logger.WarnContext(ctx, "statement cache unavailable", slog.Int64("client_id", clientID), slog.Any("error", err))
		st, err := s.Rebuild(ctx, clientID)
		s.observe("rebuild", start, err)
		return st, err
	}

	type result struct {
		st  Statement
		hit bool
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var (
			st   Statement
			hctx = context.WithoutCancel(ctx)
		)
		hit, err := s.cache.FetchJSON(hctx, key, &st, func(ctx context.Context) (any, error) {
			return s.Rebuild(ctx, clientID)
		})
		return result{st: st, hit: hit}, err
	})
	select {
	case <-ctx.Done():
		return Statement{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Statement{}, res.Err
		}
		r := res.Val.(result)
		source := "rebuild"
		if r.hit {
			source = "cache"
		}
		s.observe(source, start, nil)
		return r.st, nil
	}
}

func (s *Service) observe(source string, start time.Time, err error) {
	if s.metrics == nil || err != nil {
		return
	}
	s.metrics.ObserveStatement(source, time.Since(start))
}

// Invalidate drops the cached statement of a client.
func (s *Service) Invalidate(ctx context.Context, clientID int64) error {
	_, err := s.cache.Bump(ctx, clientID)
	return err
}

// Listener adapts Invalidate to the invoicing and payment change hooks.
// Failures are logged; the version key only moves forward so a missed bump
// leaves a stale entry until its TTL.
func (s *Service) Listener() func(ctx context.Context, clientID int64) {
	return func(ctx context.Context, clientID int64) {
		if err := s.Invalidate(ctx, clientID); err != nil {
			s.logger.ErrorContext(ctx, "statement invalidate failed", slog.Int64("client_id", clientID), slog.Any("error", err))
		}
	}
}
