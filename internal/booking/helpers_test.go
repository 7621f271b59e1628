package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder captures snapshots and lifecycle events.
type recorder struct {
	mu     sync.Mutex
	snaps  []model.AvailabilitySnapshot
	events []queue.BookingEvent
}

func (r *recorder) Publish(_ context.Context, snap model.AvailabilitySnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
}

func (r *recorder) PublishEvent(_ context.Context, ev queue.BookingEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Snapshots() []model.AvailabilitySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AvailabilitySnapshot(nil), r.snaps...)
}

func (r *recorder) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store    *repository.MemoryStore
	clock    *fakeClock
	rec      *recorder
	logger   *logrus.Logger
	logHook  *test.Hook
	bookings *Coordinator
	holds    *HoldManager
	sweeper  *Sweeper
}

func newFixture(t *testing.T, cfg Config, opts ...repository.MemoryOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	opts = append([]repository.MemoryOption{repository.WithClock(clock.Now)}, opts...)
	store := repository.NewMemoryStore(opts...)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	rec := &recorder{}
	deps := Deps{Store: store, Broadcaster: rec, Events: rec, Logger: logger, Clock: clock.Now}
	f := &fixture{
		store:    store,
		clock:    clock,
		rec:      rec,
		logger:   logger,
		logHook:  hook,
		bookings: NewCoordinator(deps, cfg),
		holds:    NewHoldManager(deps, cfg),
	}
	f.sweeper = NewSweeper(f.bookings, f.holds)
	return f
}

func (f *fixture) session(capacity int) model.CourseSession {
	return f.store.AddSession(model.CourseSession{
		CourseID:        7,
		StartsAt:        f.clock.Now().Add(72 * time.Hour),
		EndsAt:          f.clock.Now().Add(80 * time.Hour),
		Venue:           "Manchester",
		MaxParticipants: capacity,
		PriceCents:      12500,
	})
}

func (f *fixture) available(t *testing.T, sessionID uint64) int {
	t.Helper()
	snap, err := f.bookings.Ledger().GetAvailability(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	return snap.AvailableSpots
}

func contact() model.Contact {
	return model.Contact{Name: "Dana Whitfield", Email: "dana@example.com", Phone: "+44 161 000 0000"}
}

func bookingReq(sessionID uint64, n int) BookingRequest {
	return BookingRequest{SessionID: sessionID, Participants: n, Contact: contact()}
}
