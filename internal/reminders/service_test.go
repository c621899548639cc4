package reminders

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/barline-hq/barline/internal/cronlock"
)

type fakeLocker struct {
	acquired   bool
	existing   cronlock.Status
	acquireErr error

	completed    bool
	completeNote string
	failed       bool
	failCause    error
}

func (l *fakeLocker) Acquire(ctx context.Context, jobName, runKey string) (*cronlock.Run, bool, error) {
	if l.acquireErr != nil {
		return nil, false, l.acquireErr
	}
	run := &cronlock.Run{ID: 1, JobName: jobName, RunKey: runKey, Status: cronlock.StatusRunning}
	if !l.acquired {
		run.Status = l.existing
	}
	return run, l.acquired, nil
}

func (l *fakeLocker) Complete(ctx context.Context, run *cronlock.Run, note string) error {
	l.completed = true
	l.completeNote = note
	return nil
}

func (l *fakeLocker) Fail(ctx context.Context, run *cronlock.Run, cause error) error {
	l.failed = true
	l.failCause = cause
	return nil
}

type fakeSweepRepo struct {
	bookings []Booking
	sent     map[int64]struct{}
	sentErr  error

	records   []SendRecord
	recordErr error

	lastFrom time.Time
	lastTo   time.Time
}

func (r *fakeSweepRepo) ListDueBookings(ctx context.Context, from, to time.Time) ([]Booking, error) {
	r.lastFrom = from
	r.lastTo = to
	return r.bookings, nil
}

func (r *fakeSweepRepo) ListSentBookingIDs(ctx context.Context, runKey string) (map[int64]struct{}, error) {
	if r.sentErr != nil {
		return nil, r.sentErr
	}
	if r.sent == nil {
		return map[int64]struct{}{}, nil
	}
	return r.sent, nil
}

func (r *fakeSweepRepo) RecordSend(ctx context.Context, bookingID int64, runKey string, status SendStatus, detail string) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	r.records = append(r.records, SendRecord{BookingID: bookingID, RunKey: runKey, Status: status})
	return nil
}

type fakeSender struct {
	failFor map[string]error
	sent    []string
}

func (s *fakeSender) Send(ctx context.Context, to, message string) error {
	if err, ok := s.failFor[to]; ok {
		return err
	}
	s.sent = append(s.sent, to)
	return nil
}

type recordingMetrics struct {
	sends map[string]int
}

func (m *recordingMetrics) ReminderSend(status string, n int) {
	if n <= 0 {
		return
	}
	if m.sends == nil {
		m.sends = map[string]int{}
	}
	m.sends[status] += n
}

var _ Recorder = (*recordingMetrics)(nil)

func booking(id int64, phone string, at time.Time) Booking {
	return Booking{ID: id, Reference: "BK-001", GuestName: "Sam", Phone: phone, BookingAt: at, PartySize: 4}
}

func newTestSweeper(locker *fakeLocker, repo *fakeSweepRepo, sender *fakeSender) *Sweeper {
	s := NewSweeper(locker, repo, sender, time.UTC, slog.Default())
	s.WithNow(func() time.Time { return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC) })
	return s
}

func TestSweepSendsDueReminders(t *testing.T) {
	tomorrow := time.Date(2026, 9, 1, 18, 30, 0, 0, time.UTC)
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{bookings: []Booking{
		booking(1, "+447700900001", tomorrow),
		booking(2, "+447700900002", tomorrow),
	}}
	sender := &fakeSender{}

	result, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2026-08-31", result.RunKey)
	require.False(t, result.Skipped)
	require.Equal(t, 2, result.Due)
	require.Equal(t, 2, result.Sent)
	require.Len(t, sender.sent, 2)
	require.Len(t, repo.records, 2)
	require.Equal(t, SendStatusSent, repo.records[0].Status)

	require.True(t, locker.completed)
	require.Equal(t, "due=2 sent=2 already=0 failed=0", locker.completeNote)

	// The due window is tomorrow's local calendar day.
	require.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), repo.lastFrom)
	require.Equal(t, time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC), repo.lastTo)
}

func TestSweepSkipsWhenLockNotAcquired(t *testing.T) {
	locker := &fakeLocker{acquired: false, existing: cronlock.StatusCompleted}
	repo := &fakeSweepRepo{bookings: []Booking{booking(1, "+447700900001", time.Now())}}
	sender := &fakeSender{}

	result, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Zero(t, result.Sent)
	require.Empty(t, sender.sent)
}

func TestSweepIsolatesSendFailures(t *testing.T) {
	tomorrow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{bookings: []Booking{
		booking(1, "+447700900001", tomorrow),
		booking(2, "+447700900002", tomorrow),
		booking(3, "+447700900003", tomorrow),
	}}
	sender := &fakeSender{failFor: map[string]error{"+447700900002": errors.New("provider 500")}}

	result, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Sent)
	require.Equal(t, 1, result.Failed)
	require.True(t, locker.completed)
	require.False(t, locker.failed)

	// The failed attempt is recorded too, so the trail shows what happened.
	require.Len(t, repo.records, 3)
	var failedRecords int
	for _, rec := range repo.records {
		if rec.Status == SendStatusFailed {
			failedRecords++
		}
	}
	require.Equal(t, 1, failedRecords)
}

func TestSweepSkipsAlreadySentBookings(t *testing.T) {
	tomorrow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{
		bookings: []Booking{
			booking(1, "+447700900001", tomorrow),
			booking(2, "+447700900002", tomorrow),
		},
		sent: map[int64]struct{}{1: {}},
	}
	sender := &fakeSender{}

	result, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Already)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, []string{"+447700900002"}, sender.sent)
}

func TestSweepAbortsWhenDedupeSetUnreadable(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{
		bookings: []Booking{booking(1, "+447700900001", time.Now())},
		sentErr:  errors.New("db down"),
	}
	sender := &fakeSender{}

	_, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.Error(t, err)
	require.True(t, locker.failed)
	require.False(t, locker.completed)
	require.Empty(t, sender.sent)
}

func TestSweepAbortsWhenRecordSendFails(t *testing.T) {
	tomorrow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{
		bookings:  []Booking{booking(1, "+447700900001", tomorrow)},
		recordErr: errors.New("insert failed"),
	}
	sender := &fakeSender{}

	_, err := newTestSweeper(locker, repo, sender).Sweep(context.Background())
	require.Error(t, err)
	require.True(t, locker.failed)
	require.False(t, locker.completed)
}

func TestSweepRecordsSendOutcomes(t *testing.T) {
	tomorrow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	locker := &fakeLocker{acquired: true}
	repo := &fakeSweepRepo{
		bookings: []Booking{
			booking(1, "+447700900001", tomorrow),
			booking(2, "+447700900002", tomorrow),
			booking(3, "+447700900003", tomorrow),
		},
		sent: map[int64]struct{}{1: {}},
	}
	sender := &fakeSender{failFor: map[string]error{"+447700900003": errors.New("provider 500")}}

	sweeper := newTestSweeper(locker, repo, sender)
	metrics := &recordingMetrics{}
	sweeper.WithMetrics(metrics)

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Already)

	require.Equal(t, 1, metrics.sends["sent"])
	require.Equal(t, 1, metrics.sends["failed"])
	require.Equal(t, 1, metrics.sends["already"])
}

func TestReminderMessage(t *testing.T) {
	b := booking(1, "+447700900001", time.Date(2026, 9, 1, 18, 30, 0, 0, time.UTC))
	message := reminderMessage(b, time.UTC)
	require.Contains(t, message, "Sam")
	require.Contains(t, message, "BK-001")
	require.Contains(t, message, "Tue 1 Sep at 18:30")
	require.Contains(t, message, "for 4")
}
