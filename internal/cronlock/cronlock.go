// Package cronlock provides at-most-one-successful-run semantics for
// scheduled jobs. All mutual exclusion lives in the database: a unique
// constraint on (job_name, run_key) forces concurrent acquirers into a
// conflict path that inspects and possibly reclaims the existing row.
package cronlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status enumerates run-lock states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StaleAfter is the window after which a running lock with no heartbeat is
// treated as abandoned and reclaimed in place.
const StaleAfter = 30 * time.Minute

// ErrorMessageLimit truncates persisted failure messages.
const ErrorMessageLimit = 2000

// Run is one lock/idempotency record for a scheduled job.
type Run struct {
	ID           int64
	JobName      string
	RunKey       string
	Status       Status
	AttemptToken string
	StartedAt    time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
	Note         *string
}

// DB is the query surface the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder receives run-lock outcome counters. *observability.Metrics
// satisfies it; a nil Recorder disables instrumentation.
type Recorder interface {
	CronRun(job, status string)
}

// Store persists run locks.
type Store struct {
	pool    DB
	metrics Recorder
	now     func() time.Time
}

// NewStore constructs the store.
func NewStore(pool DB) *Store {
	return &Store{pool: pool, now: time.Now}
}

// WithNow overrides the store clock for testing.
func (s *Store) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithMetrics attaches the outcome counters.
func (s *Store) WithMetrics(rec Recorder) {
	s.metrics = rec
}

func (s *Store) record(job, status string) {
	if s.metrics != nil {
		s.metrics.CronRun(job, status)
	}
}

// Acquire attempts to take the lock for (jobName, runKey). It returns the
// run row and true when this caller owns a fresh running lock, or false when
// the period was already handled (completed, or another live runner owns it).
// A stale running row or a failed row is reclaimed in place rather than
// duplicated; losing a reclaim race also yields false.
func (s *Store) Acquire(ctx context.Context, jobName, runKey string) (*Run, bool, error) {
	if jobName == "" || runKey == "" {
		return nil, false, errors.New("cronlock: job name and run key required")
	}
	token := uuid.NewString()
	now := s.now()

	var run Run
	err := s.pool.QueryRow(ctx, `INSERT INTO cron_job_runs (job_name, run_key, status, attempt_token, started_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		jobName, runKey, string(StatusRunning), token, now).Scan(&run.ID)
	if err == nil {
		run.JobName = jobName
		run.RunKey = runKey
		run.Status = StatusRunning
		run.AttemptToken = token
		run.StartedAt = now
		s.record(jobName, "acquired")
		return &run, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, false, err
	}

	existing, err := s.get(ctx, jobName, runKey)
	if err != nil {
		return nil, false, err
	}

	switch existing.Status {
	case StatusCompleted:
		s.record(jobName, "skipped")
		return existing, false, nil
	case StatusRunning:
		if now.Sub(existing.StartedAt) < StaleAfter {
			s.record(jobName, "skipped")
			return existing, false, nil
		}
	case StatusFailed:
		// Reclaimable: a manual or scheduled re-trigger restarts the period.
	default:
		s.record(jobName, "skipped")
		return existing, false, nil
	}

	return s.reclaim(ctx, existing, token, now)
}

// reclaim resets an abandoned or failed row in place. The WHERE clause pins
// the observed state so exactly one of any concurrent reclaimers wins.
func (s *Store) reclaim(ctx context.Context, existing *Run, token string, now time.Time) (*Run, bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE cron_job_runs
SET status = $1, attempt_token = $2, started_at = $3, finished_at = NULL, error_message = NULL, note = NULL
WHERE id = $4 AND status = $5 AND attempt_token = $6`,
		string(StatusRunning), token, now,
		existing.ID, string(existing.Status), existing.AttemptToken)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		s.record(existing.JobName, "skipped")
		return existing, false, nil
	}
	s.record(existing.JobName, "acquired")
	reclaimed := *existing
	reclaimed.Status = StatusRunning
	reclaimed.AttemptToken = token
	reclaimed.StartedAt = now
	reclaimed.FinishedAt = nil
	reclaimed.ErrorMessage = nil
	reclaimed.Note = nil
	return &reclaimed, true, nil
}

func (s *Store) get(ctx context.Context, jobName, runKey string) (*Run, error) {
	var run Run
	var status string
	err := s.pool.QueryRow(ctx, `SELECT id, job_name, run_key, status, attempt_token, started_at, finished_at, error_message, note
FROM cron_job_runs WHERE job_name = $1 AND run_key = $2`, jobName, runKey).Scan(
		&run.ID, &run.JobName, &run.RunKey, &status, &run.AttemptToken,
		&run.StartedAt, &run.FinishedAt, &run.ErrorMessage, &run.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("cronlock: conflicting run row disappeared")
	}
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	return &run, nil
}

// Complete marks a run successful. Only the holding attempt may complete it.
func (s *Store) Complete(ctx context.Context, run *Run, note string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE cron_job_runs
SET status = $1, finished_at = $2, note = $3
WHERE id = $4 AND status = $5 AND attempt_token = $6`,
		string(StatusCompleted), s.now(), note,
		run.ID, string(StatusRunning), run.AttemptToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("cronlock: lock no longer held")
	}
	s.record(run.JobName, "completed")
	return nil
}

// Fail marks a run failed, persisting a truncated error message for
// observability. Failed periods require a re-trigger.
func (s *Store) Fail(ctx context.Context, run *Run, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > ErrorMessageLimit {
		message = message[:ErrorMessageLimit]
	}
	tag, err := s.pool.Exec(ctx, `UPDATE cron_job_runs
SET status = $1, finished_at = $2, error_message = $3
WHERE id = $4 AND status = $5 AND attempt_token = $6`,
		string(StatusFailed), s.now(), message,
		run.ID, string(StatusRunning), run.AttemptToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("cronlock: lock no longer held")
	}
	s.record(run.JobName, "failed")
	return nil
}

// DayKey formats the logical scheduling period for daily jobs in a fixed
// timezone, so DST shifts never produce duplicate or skipped keys.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
