package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/agrodist/salesops/jobs"
)

type stubClient struct {
	tasks []*asynq.Task
}

func (s *stubClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubClient) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, nil }

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{ID: "cron", Type: jobs.TaskLedgerVerify}}, nil
}

func (s stubInspector) Close() error { return nil }

func TestTriggerKnownJobs(t *testing.T) {
	client := &stubClient{}
	c := &JobsCLI{client: client}
	ctx := context.Background()

	info, err := c.Trigger(ctx, jobs.TaskStatementWarmup, "42")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskStatementWarmup, info.Type)
	var payload jobs.StatementWarmupPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, int64(42), payload.ClientID)

	_, err = c.Trigger(ctx, jobs.TaskLedgerVerify)
	require.NoError(t, err)
	require.Len(t, client.tasks, 2)

	_, err = c.Trigger(ctx, jobs.TaskStatementWarmup, "abc")
	require.ErrorContains(t, err, "invalid client id")
	_, err = c.Trigger(ctx, jobs.TaskStatementWarmup)
	require.ErrorContains(t, err, "needs a client id")
	_, err = c.Trigger(ctx, "report:render")
	require.ErrorContains(t, err, "unsupported job")
}

func TestInspectQueue(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{info: &asynq.QueueInfo{Pending: 3, Retry: 1, Archived: 2}}}
	stats, err := c.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Retry: 1, Archived: 2}, stats)

	scheduled, err := c.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	var empty *JobsCLI
	_, err = empty.InspectQueue(context.Background())
	require.Error(t, err)
}

func TestVerifyCommandExitCodes(t *testing.T) {
	clean := []jobs.LedgerCheck{{Ledger: "stock", Run: func(context.Context) ([]string, error) { return nil, nil }}}
	var out bytes.Buffer
	require.Equal(t, 0, VerifyCommand(context.Background(), clean, VerifyOptions{Stdout: &out}))
	require.Contains(t, out.String(), "all ledgers consistent")

	drift := []jobs.LedgerCheck{{Ledger: "payments", Run: func(context.Context) ([]string, error) {
		return []string{"payment 3: allocated 120 > amount 100"}, nil
	}}}
	out.Reset()
	require.Equal(t, 2, VerifyCommand(context.Background(), drift, VerifyOptions{Stdout: &out, JSONOutput: true}))
	var summary VerifySummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Equal(t, []string{"payment 3: allocated 120 > amount 100"}, summary.Problems["payments"])

	failing := []jobs.LedgerCheck{{Ledger: "orders", Run: func(context.Context) ([]string, error) { return nil, errors.New("closed") }}}
	var stderr bytes.Buffer
	require.Equal(t, 1, VerifyCommand(context.Background(), failing, VerifyOptions{Stdout: &out, Stderr: &stderr}))
	require.Contains(t, stderr.String(), "closed")
}
