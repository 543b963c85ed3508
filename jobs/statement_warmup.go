package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/agrodist/salesops/internal/jobs"
	"github.com/agrodist/salesops/internal/shared"
	"github.com/agrodist/salesops/internal/statement"
)

// StatementReader loads a statement through the cache.
type StatementReader interface {
	Get(ctx context.Context, clientID int64) (statement.Statement, error)
}

// StatementWarmupJob repopulates the statement cache after a commit so the
// next read is served from Redis.
type StatementWarmupJob struct {
	Statements StatementReader
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// Handle processes statement warmup tasks.
func (j *StatementWarmupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Statements == nil {
		return errors.New("statement warmup: handler not configured")
	}
	var payload StatementWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ClientID <= 0 {
		return fmt.Errorf("statement warmup: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskStatementWarmup)
	defer func() { err = tracker.End(err) }()

	logger := jobLogger(j.Logger, TaskStatementWarmup).With(slog.Int64("client_id", payload.ClientID))
	st, err := j.Statements.Get(ctx, payload.ClientID)
	if err != nil {
		if kind, ok := shared.KindOf(err); ok && kind == shared.KindNotFound {
			logger.Warn("statement warmup skipped", slog.Any("error", err))
			return fmt.Errorf("statement warmup: %v: %w", err, asynq.SkipRetry)
		}
		logger.Error("statement warmup failed", slog.Any("error", err))
		return err
	}
	logger.Info("statement warmed", slog.Int("movements", len(st.Movements)), slog.String("balance", st.Balance.String()))
	return nil
}

func jobLogger(l *slog.Logger, job string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("job", job))
}
