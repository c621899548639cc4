package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/barline-hq/barline/internal/classify"
	jobmetrics "github.com/barline-hq/barline/internal/jobs"
)

// ClassifyWarmupJob pre-resolves classification suggestions after an import so
// the review screen serves from cache.
type ClassifyWarmupJob struct {
	Classify *classify.Service
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewClassifyWarmupJob wires dependencies for the warmup handler.
func NewClassifyWarmupJob(svc *classify.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClassifyWarmupJob {
	return &ClassifyWarmupJob{Classify: svc, Logger: logger, Metrics: metrics}
}

// Handle processes classify-groups tasks.
func (j *ClassifyWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Classify == nil {
		return errors.New("classify warmup: handler not configured")
	}
	var payload ClassifyGroupsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskClassifyGroups)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	review, err := j.Classify.ReviewGroups(ctx, classify.ReviewInput{OnlyUnclassified: true})
	if err != nil {
		resultErr = err
		return err
	}
	j.logger().Info("classification warmup finished",
		slog.Int("imported", len(payload.TransactionIDs)),
		slog.Int("groups", len(review.Groups)))
	return nil
}

func (j *ClassifyWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
