package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/agrodist/salesops/cmd/salesops/cli"
	"github.com/agrodist/salesops/internal/app"
	"github.com/agrodist/salesops/internal/catalog"
	jobmetrics "github.com/agrodist/salesops/internal/jobs"
	"github.com/agrodist/salesops/internal/observability"
	"github.com/agrodist/salesops/internal/platform/cache"
	"github.com/agrodist/salesops/internal/platform/db"
	"github.com/agrodist/salesops/internal/platform/eventlog"
	"github.com/agrodist/salesops/internal/platform/memdb"
	"github.com/agrodist/salesops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "verify":
		os.Exit(verify(ctx, cfg, logger, os.Args[2:]))
	case "jobs":
		os.Exit(jobsCommand(ctx, cfg, os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "usage: salesops [serve|verify [-json]|jobs trigger <task> [client_id]|jobs stats]\n")
		os.Exit(2)
	}
}

type runtime struct {
	journal memdb.Journal
	redis   *redis.Client
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// connect opens the optional Postgres journal and Redis client.
func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{}
	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConn})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		journal := eventlog.New(pool)
		if err := journal.Migrate(ctx); err != nil {
			rt.close()
			return nil, err
		}
		rt.journal = journal
	} else {
		logger.Warn("PG_DSN not set, state is kept in memory only")
	}
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, redisOptions(cfg))
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.redis = client
		rt.closers = append(rt.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}
	return rt, nil
}

func redisOptions(cfg *app.Config) cache.Options {
	return cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func build(ctx context.Context, cfg *app.Config, logger *slog.Logger, rt *runtime, opts app.Options) (*app.App, error) {
	cat, err := catalog.LoadFile(cfg.CatalogFile, cfg.ClientsFile)
	if err != nil {
		return nil, err
	}
	opts.Config = cfg
	opts.Logger = logger
	opts.Catalog = cat
	opts.Journal = rt.journal
	if rt.redis != nil {
		opts.Redis = rt.redis
	}
	return app.New(ctx, opts)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	rt, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	metrics := observability.NewMetrics()
	opts := app.Options{Metrics: metrics}
	if cfg.WorkerActive() {
		queueOpt := redisOptions(cfg).QueueOpt()
		client := jobs.NewClient(queueOpt, logger)
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		inspector := asynq.NewInspector(queueOpt)
		rt.closers = append(rt.closers, func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		})
		opts.Jobs = client
		opts.Inspector = inspector
	}

	a, err := build(ctx, cfg, logger, rt, opts)
	if err != nil {
		return err
	}

	if cfg.WorkerActive() {
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts:   redisOptions(cfg).QueueOpt(),
			Logger:      logger,
			Concurrency: cfg.WorkerConcurrency,
			Handlers:    a.JobHandlers(jobmetrics.NewMetrics(metrics.Registerer())),
			Cron:        a.Cron(),
		})
		if err != nil {
			return err
		}
		go func() {
			logger.Info("starting job worker", slog.Int("concurrency", cfg.WorkerConcurrency))
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job worker", slog.Any("error", err))
				stop()
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      a.Handler,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func verify(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	// Verification replays the journal only; it never touches the shared cache.
	local := *cfg
	local.RedisAddr = ""
	rt, err := connect(ctx, &local, logger)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.close()
	a, err := build(ctx, &local, logger, rt, app.Options{})
	if err != nil {
		logger.Error("build", slog.Any("error", err))
		return 1
	}
	return cli.VerifyCommand(ctx, a.LedgerChecks(), cli.VerifyOptions{JSONOutput: *asJSON})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	c, err := cli.NewJobsCLI(redisOptions(cfg).QueueOpt())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer c.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: salesops jobs [trigger <task> [client_id]|stats]")
		return 2
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "jobs trigger: task name required")
			return 2
		}
		info, err := c.Trigger(ctx, args[1], args[2:]...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("%s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %s\n", args[0])
		return 2
	}
	return 0
}
