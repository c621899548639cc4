package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists bookings and the reminder send log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListDueBookings returns confirmed bookings scheduled inside [from, to) that
// have a contact number.
func (r *Repository) ListDueBookings(ctx context.Context, from, to time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, reference, guest_name, phone, booking_at, party_size
FROM private_bookings
WHERE status = 'confirmed' AND phone IS NOT NULL AND phone <> ''
  AND booking_at >= $1 AND booking_at < $2
ORDER BY booking_at ASC, id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list due bookings: %w", err)
	}
	defer rows.Close()

	var bookings []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.Reference, &b.GuestName, &b.Phone, &b.BookingAt, &b.PartySize); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ListSentBookingIDs returns booking ids already sent successfully under the
// given run key. This is the dedupe set guarding against double sends.
func (r *Repository) ListSentBookingIDs(ctx context.Context, runKey string) (map[int64]struct{}, error) {
	rows, err := r.pool.Query(ctx, `SELECT booking_id FROM reminder_sends
WHERE run_key = $1 AND status = 'sent'`, runKey)
	if err != nil {
		return nil, fmt.Errorf("list sent bookings: %w", err)
	}
	defer rows.Close()

	sent := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sent booking id: %w", err)
		}
		sent[id] = struct{}{}
	}
	return sent, rows.Err()
}

// RecordSend appends one send-log row.
func (r *Repository) RecordSend(ctx context.Context, bookingID int64, runKey string, status SendStatus, detail string) error {
	var detailArg *string
	if detail != "" {
		detailArg = &detail
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO reminder_sends (booking_id, run_key, status, detail)
VALUES ($1, $2, $3, $4)`, bookingID, runKey, string(status), detailArg)
	if err != nil {
		return fmt.Errorf("record reminder send: %w", err)
	}
	return nil
}
