package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/barline-hq/barline/internal/jobs"
	"github.com/barline-hq/barline/internal/receipts"
)

// RetroRunJob drives a retroactive rule run chunk by chunk. Each task
// processes one time-budgeted slice and re-enqueues itself with the resume
// cursor until the run reports done.
type RetroRunJob struct {
	Runner  *receipts.RetroRunner
	Client  *Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRetroRunJob wires dependencies for the retro-run handler.
func NewRetroRunJob(runner *receipts.RetroRunner, client *Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetroRunJob {
	return &RetroRunJob{Runner: runner, Client: client, Logger: logger, Metrics: metrics}
}

// Handle processes retro-run tasks.
func (j *RetroRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("retro run: handler not configured")
	}
	var payload RetroRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	scope := receipts.RetroScope(payload.Scope)
	if payload.RuleID <= 0 || !receipts.ValidRetroScope(scope) {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskRetroRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	run, err := j.Runner.Run(ctx, payload.RuleID, scope, payload.Offset)
	if err != nil {
		resultErr = err
		return err
	}

	logger := j.logger().With(slog.Int64("rule_id", payload.RuleID), slog.String("scope", payload.Scope))
	if !run.Done {
		if j.Client == nil {
			resultErr = errors.New("retro run: no client to resume with")
			return resultErr
		}
		if _, err := j.Client.EnqueueRetroRun(ctx, RetroRunPayload{
			RuleID: payload.RuleID,
			Scope:  payload.Scope,
			Offset: run.NextOffset,
		}); err != nil {
			resultErr = err
			return err
		}
		logger.Info("retro run chunk complete, resuming",
			slog.Int("next_offset", run.NextOffset), slog.Int("total", run.Total))
		return nil
	}

	logger.Info("retro run finished",
		slog.Int("reviewed", run.Result.Reviewed),
		slog.Int("matched", run.Result.Matched),
		slog.Int("errored", run.Result.Errored))
	return nil
}

func (j *RetroRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
