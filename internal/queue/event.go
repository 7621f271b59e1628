// Package queue defines message payloads exchanged over the message broker
// and the consumer that processes them.
package queue

import (
	"time"

	"github.com/iliyamo/course-booking/internal/model"
)

// Lifecycle event types.  They double as the AMQP message type property.
const (
	BookingCreated   = "booking.created"
	BookingConfirmed = "booking.confirmed"
	BookingCancelled = "booking.cancelled"
	BookingExpired   = "booking.expired"
	HoldCreated      = "hold.created"
	HoldConverted    = "hold.converted"
	HoldExpired      = "hold.expired"
	HoldCancelled    = "hold.cancelled"
)

// BookingEvent is published whenever the booking engine changes the state
// of a booking or inquiry hold.  It carries enough information for
// downstream consumers (notifications, admin dashboards, reporting) to act
// without querying the primary database.
type BookingEvent struct {
	Type             string `json:"type"`
	SessionID        uint64 `json:"session_id"`
	BookingID        uint64 `json:"booking_id,omitempty"`
	HoldID           uint64 `json:"hold_id,omitempty"`
	Reference        string `json:"reference"`
	Participants     int    `json:"participants"`
	Status           string `json:"status"`
	ContactEmail     string `json:"contact_email,omitempty"`
	TotalAmountCents uint64 `json:"total_amount_cents,omitempty"`
	AvailableSpots   int    `json:"available_spots"`
	OccurredAt       string `json:"occurred_at"`
}

// NewBookingEvent builds an event for a booking transition.
func NewBookingEvent(typ string, b model.Booking, snap model.AvailabilitySnapshot, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:             typ,
		SessionID:        b.SessionID,
		BookingID:        b.ID,
		Reference:        b.Reference,
		Participants:     b.Participants,
		Status:           string(b.Status),
		ContactEmail:     b.Contact.Email,
		TotalAmountCents: b.TotalAmountCents,
		AvailableSpots:   snap.AvailableSpots,
		OccurredAt:       at.UTC().Format(time.RFC3339),
	}
	if b.HoldID != nil {
		ev.HoldID = *b.HoldID
	}
	return ev
}

// NewHoldEvent builds an event for an inquiry hold transition.
func NewHoldEvent(typ string, h model.InquiryHold, snap model.AvailabilitySnapshot, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:           typ,
		SessionID:      h.SessionID,
		HoldID:         h.ID,
		Reference:      h.Reference,
		Participants:   h.Participants,
		Status:         string(h.Status),
		ContactEmail:   h.Contact.Email,
		AvailableSpots: snap.AvailableSpots,
		OccurredAt:     at.UTC().Format(time.RFC3339),
	}
	if h.BookingID != nil {
		ev.BookingID = *h.BookingID
	}
	return ev
}
