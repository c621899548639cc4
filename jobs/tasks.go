package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskClassifyGroups resolves classification suggestions for freshly
	// imported transactions.
	TaskClassifyGroups = "receipts:classify_groups"
	// TaskRetroRun processes one chunk of a retroactive rule run.
	TaskRetroRun = "receipts:retro_run"
	// TaskReminderSweep sends the daily booking reminder batch.
	TaskReminderSweep = "reminders:sweep"
)

// ClassifyGroupsPayload carries the transaction ids to pre-classify.
type ClassifyGroupsPayload struct {
	TransactionIDs []int64 `json:"transactionIds"`
}

// NewClassifyGroupsTask constructs an Asynq task.
func NewClassifyGroupsTask(payload ClassifyGroupsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClassifyGroups, data), nil
}

// RetroRunPayload identifies a chunk of a retroactive run.
type RetroRunPayload struct {
	RuleID int64  `json:"ruleId"`
	Scope  string `json:"scope"`
	Offset int    `json:"offset"`
}

// NewRetroRunTask constructs an Asynq task.
func NewRetroRunTask(payload RetroRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetroRun, data), nil
}

// NewReminderSweepTask constructs the daily sweep task. The sweep derives its
// run key from the clock, so the payload is empty.
func NewReminderSweepTask() *asynq.Task {
	return asynq.NewTask(TaskReminderSweep, nil)
}
