package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/barline-hq/barline/internal/cronlock"
)

// JobName is the lock name the daily sweep runs under.
const JobName = "reminder_sweep"

// Locker is the run-lock surface the sweep needs. *cronlock.Store satisfies it.
type Locker interface {
	Acquire(ctx context.Context, jobName, runKey string) (*cronlock.Run, bool, error)
	Complete(ctx context.Context, run *cronlock.Run, note string) error
	Fail(ctx context.Context, run *cronlock.Run, cause error) error
}

// SweepRepository is the persistence surface the sweep needs.
type SweepRepository interface {
	ListDueBookings(ctx context.Context, from, to time.Time) ([]Booking, error)
	ListSentBookingIDs(ctx context.Context, runKey string) (map[int64]struct{}, error)
	RecordSend(ctx context.Context, bookingID int64, runKey string, status SendStatus, detail string) error
}

// SweepResult summarises one sweep invocation.
type SweepResult struct {
	RunKey  string `json:"runKey"`
	Skipped bool   `json:"skipped"`
	Due     int    `json:"due"`
	Sent    int    `json:"sent"`
	Already int    `json:"alreadySent"`
	Failed  int    `json:"failed"`
}

// Recorder receives reminder send counters. *observability.Metrics
// satisfies it; a nil Recorder disables instrumentation.
type Recorder interface {
	ReminderSend(status string, n int)
}

// Sweeper sends next-day booking reminders at most once per calendar day.
type Sweeper struct {
	locker  Locker
	repo    SweepRepository
	sender  Sender
	loc     *time.Location
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// NewSweeper constructs the sweep service. loc fixes the calendar used for
// run keys and due windows.
func NewSweeper(locker Locker, repo SweepRepository, sender Sender, loc *time.Location, logger *slog.Logger) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{locker: locker, repo: repo, sender: sender, loc: loc, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Sweeper) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithMetrics attaches the send counters.
func (s *Sweeper) WithMetrics(rec Recorder) {
	s.metrics = rec
}

// Sweep runs one guarded pass. Send failures are isolated per booking; a
// failure to read the dedupe set or to append the send log aborts the whole
// run and marks it failed, since continuing risks duplicate sends.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	runKey := cronlock.DayKey(now, s.loc)
	result := SweepResult{RunKey: runKey}

	run, acquired, err := s.locker.Acquire(ctx, JobName, runKey)
	if err != nil {
		return result, fmt.Errorf("acquire reminder lock: %w", err)
	}
	if !acquired {
		result.Skipped = true
		s.logger.Info("reminder sweep skipped", "run_key", runKey, "lock_status", string(run.Status))
		return result, nil
	}

	// Remind for bookings happening tomorrow, local calendar.
	local := now.In(s.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	to := from.AddDate(0, 0, 1)

	due, err := s.repo.ListDueBookings(ctx, from, to)
	if err != nil {
		return result, s.abort(ctx, run, fmt.Errorf("list due bookings: %w", err))
	}
	result.Due = len(due)

	sentSet, err := s.repo.ListSentBookingIDs(ctx, runKey)
	if err != nil {
		return result, s.abort(ctx, run, fmt.Errorf("compute dedupe set: %w", err))
	}

	for _, booking := range due {
		if _, ok := sentSet[booking.ID]; ok {
			result.Already++
			continue
		}
		message := reminderMessage(booking, s.loc)
		if err := s.sender.Send(ctx, booking.Phone, message); err != nil {
			result.Failed++
			s.logger.Warn("reminder send failed", "booking_id", booking.ID, "error", err)
			if logErr := s.repo.RecordSend(ctx, booking.ID, runKey, SendStatusFailed, err.Error()); logErr != nil {
				return result, s.abort(ctx, run, fmt.Errorf("record failed send: %w", logErr))
			}
			continue
		}
		if err := s.repo.RecordSend(ctx, booking.ID, runKey, SendStatusSent, ""); err != nil {
			return result, s.abort(ctx, run, fmt.Errorf("record send: %w", err))
		}
		result.Sent++
	}

	note := fmt.Sprintf("due=%d sent=%d already=%d failed=%d", result.Due, result.Sent, result.Already, result.Failed)
	if err := s.locker.Complete(ctx, run, note); err != nil {
		return result, fmt.Errorf("complete reminder run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ReminderSend(string(SendStatusSent), result.Sent)
		s.metrics.ReminderSend(string(SendStatusFailed), result.Failed)
		s.metrics.ReminderSend("already", result.Already)
	}
	s.logger.Info("reminder sweep finished", "run_key", runKey, "sent", result.Sent, "failed", result.Failed)
	return result, nil
}

func (s *Sweeper) abort(ctx context.Context, run *cronlock.Run, cause error) error {
	if failErr := s.locker.Fail(ctx, run, cause); failErr != nil {
		s.logger.Error("mark reminder run failed", "run_key", run.RunKey, "error", failErr)
	}
	return cause
}

func reminderMessage(b Booking, loc *time.Location) string {
	when := b.BookingAt.In(loc).Format("Mon 2 Jan at 15:04")
	return fmt.Sprintf("Hi %s, a reminder of your booking (%s) for %d on %s. Reply to this message if your plans have changed.",
		b.GuestName, b.Reference, b.PartySize, when)
}
