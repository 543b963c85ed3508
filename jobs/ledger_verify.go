package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/agrodist/salesops/internal/jobs"
)

// ErrLedgerDrift is returned when a verification pass finds inconsistencies.
var ErrLedgerDrift = errors.New("ledger verify: drift detected")

// LedgerCheck recomputes one ledger and reports the problems it found.
type LedgerCheck struct {
	Ledger string
	Run    func(ctx context.Context) ([]string, error)
}

// LedgerVerifyJob runs every ledger check in parallel.
type LedgerVerifyJob struct {
	Checks  []LedgerCheck
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Report is the outcome of one verification pass.
type Report struct {
	Problems map[string][]string
	Duration time.Duration
}

// Total counts problems across ledgers.
func (r Report) Total() int {
	n := 0
	for _, p := range r.Problems {
		n += len(p)
	}
	return n
}

// Verify runs the checks. A failing check cancels the others.
func (j *LedgerVerifyJob) Verify(ctx context.Context) (Report, error) {
	start := time.Now()
	results := make([][]string, len(j.Checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range j.Checks {
		g.Go(func() error {
			problems, err := check.Run(gctx)
			if err != nil {
				return fmt.Errorf("ledger verify %s: %w", check.Ledger, err)
			}
			results[i] = problems
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	report := Report{Problems: make(map[string][]string, len(j.Checks)), Duration: time.Since(start)}
	for i, check := range j.Checks {
		report.Problems[check.Ledger] = results[i]
		j.Metrics.SetDrift(check.Ledger, len(results[i]))
	}
	return report, nil
}

// Handle processes ledger verification tasks. Drift is not retried: the
// data will not heal on its own.
func (j *LedgerVerifyJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.Metrics.Track(TaskLedgerVerify)
	defer func() { err = tracker.End(err) }()

	logger := jobLogger(j.Logger, TaskLedgerVerify)
	report, err := j.Verify(ctx)
	if err != nil {
		logger.Error("ledger verify failed", slog.Any("error", err))
		return err
	}
	for ledger, problems := range report.Problems {
		for _, p := range problems {
			logger.Error("ledger drift", slog.String("ledger", ledger), slog.String("problem", p))
		}
	}
	if n := report.Total(); n > 0 {
		return fmt.Errorf("%w: %d problems: %w", ErrLedgerDrift, n, asynq.SkipRetry)
	}
	logger.Info("ledgers consistent", slog.Int("checks", len(j.Checks)), slog.Duration("duration", report.Duration))
	return nil
}
