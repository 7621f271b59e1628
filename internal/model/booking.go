package model

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingPaid      BookingStatus = "PAID"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingExpired   BookingStatus = "EXPIRED"
	BookingAttended  BookingStatus = "ATTENDED"
	BookingCompleted BookingStatus = "COMPLETED"
)

// OccupiesSpots reports whether a booking in this status counts against
// the session's capacity.
func (s BookingStatus) OccupiesSpots() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingPaid, BookingAttended, BookingCompleted:
		return true
	}
	return false
}

// Committed reports whether a booking in this status is included in the
// session's CurrentParticipants.
func (s BookingStatus) Committed() bool {
	return s.OccupiesSpots() && s != BookingPending
}

// Contact holds the customer details captured with a booking or inquiry.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Booking is a durable reservation of Participants spots on one session.
// It corresponds to a row in the `bookings` table.
//
// Fields:
//  ID               – primary key identifier.
//  SessionID        – session being booked.
//  Reference        – unique human readable code (BK2510xxxxx).
//  Participants     – number of spots, at least one.
//  Status           – lifecycle state.
//  Contact          – customer contact details.
//  IdempotencyKey   – client supplied key used to deduplicate retries.
//  HoldID           – inquiry hold this booking was converted from.
//  TotalAmountCents – participants multiplied by the session price.
//  ReminderSentAt   – when the pre-course reminder went out.
type Booking struct {
	ID               uint64        `json:"id"`
	SessionID        uint64        `json:"session_id"`
	Reference        string        `json:"reference"`
	Participants     int           `json:"participants"`
	Status           BookingStatus `json:"status"`
	Contact          Contact       `json:"contact"`
	IdempotencyKey   *string       `json:"-"`
	HoldID           *uint64       `json:"hold_id,omitempty"`
	TotalAmountCents uint64        `json:"total_amount_cents"`
	ReminderSentAt   *time.Time    `json:"reminder_sent_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TotalAmount is the price of participants spots at priceCents each.  It is
// computed in 64 bits so large groups on expensive sessions cannot wrap.
func TotalAmount(participants int, priceCents uint32) uint64 {
	if participants <= 0 {
		return 0
	}
	return uint64(participants) * uint64(priceCents)
}
