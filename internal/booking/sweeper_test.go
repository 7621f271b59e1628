package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/repository"
)

func TestSweepOnce_ExpiresStalePendingBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(4)

	pending, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 4))
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	res := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, SweepResult{}, res)
	_, err = f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 1))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	f.clock.Advance(time.Hour + time.Minute)
	res = f.sweeper.SweepOnce(ctx)
	assert.Equal(t, SweepResult{BookingsExpired: 1}, res)

	got, err := f.bookings.GetBooking(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingExpired, got.Status)

	_, err = f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 4))
	require.NoError(t, err)
}

func TestSweepOnce_LeavesConfirmedBookings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(4)

	req := bookingReq(sess.ID, 2)
	req.PaymentCaptured = true
	_, err := f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	assert.Equal(t, SweepResult{}, f.sweeper.SweepOnce(ctx))
	assert.Equal(t, 2, f.available(t, sess.ID))
}

func TestSweepOnce_ExpiresOverdueHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{HoldTTL: 30 * time.Minute})
	sess := f.session(6)

	overdue, err := f.holds.CreateHold(ctx, holdReq(sess.ID, 2))
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	fresh, err := f.holds.CreateHold(ctx, holdReq(sess.ID, 3))
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	res := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, SweepResult{HoldsExpired: 1}, res)
	assert.Equal(t, 3, f.available(t, sess.ID))

	got, err := f.holds.GetHold(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldExpired, got.Status)
	got, err = f.holds.GetHold(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldActive, got.Status)
}

// brokenStore fails every lock on one session.
type brokenStore struct {
	*repository.MemoryStore
	broken uint64
}

func (s brokenStore) LockSession(ctx context.Context, id uint64) (repository.SessionTx, error) {
	if id == s.broken {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.LockSession(ctx, id)
}

func TestSweepOnce_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	bad := f.session(3)
	good := f.session(3)

	_, err := f.bookings.CreateBooking(ctx, bookingReq(bad.ID, 1))
	require.NoError(t, err)
	_, err = f.bookings.CreateBooking(ctx, bookingReq(good.ID, 3))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	deps := Deps{
		Store:       brokenStore{MemoryStore: f.store, broken: bad.ID},
		Broadcaster: f.rec,
		Logger:      f.logger,
		Clock:       f.clock.Now,
	}
	sweeper := NewSweeper(NewCoordinator(deps, Config{}), NewHoldManager(deps, Config{}))

	res := sweeper.SweepOnce(ctx)
	assert.Equal(t, SweepResult{BookingsExpired: 1, Failures: 1}, res)
	assert.Equal(t, 3, f.available(t, good.ID))
	assert.Equal(t, 2, f.available(t, bad.ID))
}

func TestSweeperRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: 5 * time.Millisecond})
	sess := f.session(2)
	_, err := f.holds.CreateHold(context.Background(), holdReq(sess.ID, 2))
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, 2, f.available(t, sess.ID))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
