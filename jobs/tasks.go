package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementWarmup rebuilds and caches one client's statement.
	TaskStatementWarmup = "statement:warmup"
	// TaskLedgerVerify recomputes cached ledgers from their logs.
	TaskLedgerVerify = "ledger:verify"
)

// StatementWarmupPayload names the client whose statement changed.
type StatementWarmupPayload struct {
	ClientID int64 `json:"client_id"`
}

// NewStatementWarmupTask constructs a warmup task.
func NewStatementWarmupTask(clientID int64) (*asynq.Task, error) {
	data, err := json.Marshal(StatementWarmupPayload{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatementWarmup, data, asynq.MaxRetry(3), asynq.Timeout(30*time.Second)), nil
}

// NewLedgerVerifyTask constructs the verification task.
func NewLedgerVerifyTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerVerify, nil, asynq.MaxRetry(0), asynq.Timeout(10*time.Minute))
}
