package model

import "time"

// SessionStatus is the scheduling state of a course session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "SCHEDULED"
	SessionConfirmed SessionStatus = "CONFIRMED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Open reports whether the session still accepts bookings and holds.
func (s SessionStatus) Open() bool {
	return s == SessionScheduled || s == SessionConfirmed
}

// CourseSession represents one scheduled delivery of a course.  Sessions
// are created by scheduling outside this service; the booking engine only
// mutates CurrentParticipants and Version.  This struct corresponds to a
// row in the `course_sessions` table.
//
// Fields:
//  ID                  – primary key identifier.
//  CourseID            – course being delivered.
//  StartsAt / EndsAt   – schedule of the session.
//  Venue               – where the session takes place.
//  MaxParticipants     – fixed capacity.
//  CurrentParticipants – committed participants (CONFIRMED, PAID,
//                        ATTENDED, COMPLETED bookings).
//  PriceCents          – price per participant in cents.
//  Status              – SCHEDULED, CONFIRMED, CANCELLED or COMPLETED.
//  Version             – bumped on every capacity mutation.
type CourseSession struct {
	ID                  uint64        // course_sessions.id
	CourseID            uint64        // course_sessions.course_id
	StartsAt            time.Time     // course_sessions.starts_at
	EndsAt              time.Time     // course_sessions.ends_at
	Venue               string        // course_sessions.venue
	MaxParticipants     int           // course_sessions.max_participants
	CurrentParticipants int           // course_sessions.current_participants
	PriceCents          uint32        // course_sessions.price_cents
	Status              SessionStatus // course_sessions.status
	Version             uint64        // course_sessions.version
	CreatedAt           time.Time     // course_sessions.created_at
	UpdatedAt           time.Time     // course_sessions.updated_at
}
