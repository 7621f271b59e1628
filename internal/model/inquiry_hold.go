package model

import "time"

// HoldStatus is the lifecycle state of an inquiry hold.
type HoldStatus string

const (
	HoldActive    HoldStatus = "ACTIVE"
	HoldConverted HoldStatus = "CONVERTED"
	HoldExpired   HoldStatus = "EXPIRED"
	HoldCancelled HoldStatus = "CANCELLED"
)

// InquiryHold represents a temporary reservation created when a customer
// submits a question instead of paying.  While Active its participants
// count against availability exactly like a pending booking.  Holds are
// stored in the `inquiry_holds` table, separate from bookings, so they
// can be released without touching booking history.
type InquiryHold struct {
	ID           uint64     `json:"id"`
	SessionID    uint64     `json:"session_id"`
	Reference    string     `json:"reference"`
	Participants int        `json:"participants"`
	Status       HoldStatus `json:"status"`
	Contact      Contact    `json:"contact"`
	Message      string     `json:"message,omitempty"`
	BookingID    *uint64    `json:"booking_id,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Overdue reports whether the hold has passed its expiry at now.
func (h InquiryHold) Overdue(now time.Time) bool {
	return now.After(h.ExpiresAt)
}
