package model

import (
	"math"
	"time"
)

// AvailabilitySnapshot is the computed, point-in-time capacity state of a
// session.  It is never stored; it is what clients receive.
type AvailabilitySnapshot struct {
	SessionID      uint64    `json:"session_id"`
	TotalCapacity  int       `json:"total_capacity"`
	BookedCount    int       `json:"booked_count"`
	AvailableSpots int       `json:"available_spots"`
	IsAvailable    bool      `json:"is_available"`
	PercentageFull float64   `json:"percentage_full"`
	Version        uint64    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewSnapshot derives a snapshot from a session and the number of spots
// held by pending/committed bookings and active holds.
func NewSnapshot(s CourseSession, booked int, at time.Time) AvailabilitySnapshot {
	available := s.MaxParticipants - booked
	if available < 0 {
		available = 0
	}
	pct := 100.0
	if s.MaxParticipants > 0 {
		pct = math.Round(float64(booked)*1000/float64(s.MaxParticipants)) / 10
	}
	return AvailabilitySnapshot{
		SessionID:      s.ID,
		TotalCapacity:  s.MaxParticipants,
		BookedCount:    booked,
		AvailableSpots: available,
		IsAvailable:    available > 0 && s.Status.Open(),
		PercentageFull: pct,
		Version:        s.Version,
		Timestamp:      at.UTC(),
	}
}

// BookingIntent signals that a user is in the middle of booking Spots on a
// session.  Intents are relayed to other viewers only and never reserve
// capacity.
type BookingIntent struct {
	ID        string    `json:"id"`
	SessionID uint64    `json:"session_id"`
	Spots     int       `json:"spots"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the intent is past its expiry at now.
func (i BookingIntent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
