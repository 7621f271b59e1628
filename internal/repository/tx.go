package repository

import (
	"context"

	"github.com/iliyamo/course-booking/internal/model"
)

// SessionTx is a unit of work that holds the exclusive lock on a single
// course session row.  Every read through it observes the state as of
// lock acquisition plus its own writes; nothing written through it is
// visible to others until Commit.  Exactly one of Commit or Rollback must
// be called; Rollback after Commit is a no-op so it can be deferred.
type SessionTx interface {
	// SessionID is the id of the locked session.
	SessionID() uint64
	// ReadSession re-reads the locked session row.
	ReadSession(ctx context.Context) (*model.CourseSession, error)
	// ReadBookedSpots sums spots of spot-occupying bookings and active
	// holds on the locked session.
	ReadBookedSpots(ctx context.Context) (int, error)
	// ReferenceExists reports whether any booking or hold already uses ref.
	ReferenceExists(ctx context.Context, ref string) (bool, error)
	FindBookingByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error)
	GetBooking(ctx context.Context, id uint64) (*model.Booking, error)
	GetHold(ctx context.Context, id uint64) (*model.InquiryHold, error)
	// InsertBooking stores b and populates its ID.
	InsertBooking(ctx context.Context, b *model.Booking) error
	// InsertHold stores h and populates its ID.
	InsertHold(ctx context.Context, h *model.InquiryHold) error
	UpdateBookingStatus(ctx context.Context, id uint64, status model.BookingStatus) error
	// UpdateHoldStatus changes a hold's status; bookingID is recorded when
	// the hold is converted and may be nil otherwise.
	UpdateHoldStatus(ctx context.Context, id uint64, status model.HoldStatus, bookingID *uint64) error
	// SyncParticipants recomputes current_participants from committed
	// bookings and returns the new value.
	SyncParticipants(ctx context.Context) (int, error)
	// BumpVersion increments the session version and returns it.
	BumpVersion(ctx context.Context) (uint64, error)
	Commit() error
	Rollback() error
}
