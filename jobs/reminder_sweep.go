package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/barline-hq/barline/internal/jobs"
	"github.com/barline-hq/barline/internal/reminders"
)

// ReminderSweepJob runs the daily booking reminder sweep. The sweep itself is
// guarded by the run lock, so overlapping triggers collapse to one send pass.
type ReminderSweepJob struct {
	Sweeper *reminders.Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReminderSweepJob wires dependencies for the sweep handler.
func NewReminderSweepJob(sweeper *reminders.Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReminderSweepJob {
	return &ReminderSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle processes reminder sweep tasks.
func (j *ReminderSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("reminder sweep: handler not configured")
	}

	tracker := j.Metrics.Track(TaskReminderSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	result, err := j.Sweeper.Sweep(ctx)
	if err != nil {
		resultErr = err
		return err
	}
	j.logger().Info("reminder sweep task finished",
		slog.String("run_key", result.RunKey),
		slog.Bool("skipped", result.Skipped),
		slog.Int("sent", result.Sent),
		slog.Int("failed", result.Failed))
	return nil
}

func (j *ReminderSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
