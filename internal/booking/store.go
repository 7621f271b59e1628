package booking

import (
	"context"
	"time"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/repository"
)

// Store is the storage the engine runs against.  LockSession is the only
// way to mutate state; the remaining methods are unlocked reads.
// repository.Store and repository.MemoryStore both satisfy it.
type Store interface {
	LockSession(ctx context.Context, sessionID uint64) (repository.SessionTx, error)
	ReadSession(ctx context.Context, sessionID uint64) (*model.CourseSession, error)
	ReadBookedSpots(ctx context.Context, sessionID uint64) (int, error)
	GetBooking(ctx context.Context, id uint64) (*model.Booking, error)
	FindBookingByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error)
	GetHold(ctx context.Context, id uint64) (*model.InquiryHold, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.InquiryHold, error)
	ListStalePendingBookings(ctx context.Context, cutoff time.Time, limit int) ([]model.Booking, error)
}

// Broadcaster receives a snapshot after every committed ledger mutation.
// Implementations must not block on I/O for long; realtime.Hub only
// enqueues to subscriber buffers.
type Broadcaster interface {
	Publish(ctx context.Context, snap model.AvailabilitySnapshot)
}

// EventPublisher forwards lifecycle events to the message broker.  Failures
// are logged by the engine and never fail the operation that produced them.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev queue.BookingEvent) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, model.AvailabilitySnapshot) {}

type nopEvents struct{}

func (nopEvents) PublishEvent(context.Context, queue.BookingEvent) error { return nil }
