package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// warmupWindow collapses bursts of ledger changes for one client into a
// single queued rebuild.
const warmupWindow = 30 * time.Second

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue.
type Client struct {
	client enqueuer
	logger *slog.Logger
}

// NewClient opens an asynq client on the given Redis.
func NewClient(redisOpts asynq.RedisClientOpt, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: asynq.NewClient(redisOpts), logger: logger.With(slog.String("module", "jobs"))}
}

// EnqueueStatementWarmup queues a statement rebuild for clientID. A rebuild
// already queued for the same client inside the warmup window is reused.
func (c *Client) EnqueueStatementWarmup(ctx context.Context, clientID int64) (*asynq.TaskInfo, error) {
	task, err := NewStatementWarmupTask(clientID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.Unique(warmupWindow))
}

// WarmupListener returns a ledger change hook that queues warmups. Enqueue
// failures are logged and dropped; a nil Client yields a no-op hook.
func (c *Client) WarmupListener() func(ctx context.Context, clientID int64) {
	return func(ctx context.Context, clientID int64) {
		if c == nil {
			return
		}
		_, err := c.EnqueueStatementWarmup(ctx, clientID)
		if err == nil || errors.Is(err, asynq.ErrDuplicateTask) {
			return
		}
		c.logger.WarnContext(ctx, "enqueue statement warmup", slog.Int64("client_id", clientID), slog.Any("error", err))
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
