package reminders

import "time"

// Booking is a confirmed private booking due an SMS reminder.
type Booking struct {
	ID        int64
	Reference string
	GuestName string
	Phone     string
	BookingAt time.Time
	PartySize int
}

// SendStatus records the outcome of one reminder attempt.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
)

// SendRecord is one audit row in the reminder send log.
type SendRecord struct {
	ID        int64
	BookingID int64
	RunKey    string
	Status    SendStatus
	Detail    *string
	CreatedAt time.Time
}
