package booking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_BaselineWithoutMutations(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(12)

	snap, err := f.bookings.Ledger().GetAvailability(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, snap.SessionID)
	assert.Equal(t, 12, snap.TotalCapacity)
	assert.Equal(t, 0, snap.BookedCount)
	assert.Equal(t, 12, snap.AvailableSpots)
	assert.True(t, snap.IsAvailable)
	assert.Equal(t, f.clock.Now(), snap.Timestamp)
}

func TestLedger_CountsPendingConfirmedAndHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(12)

	_, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 2))
	require.NoError(t, err)
	req := bookingReq(sess.ID, 3)
	req.PaymentCaptured = true
	_, err = f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	_, err = f.holds.CreateHold(ctx, holdReq(sess.ID, 4))
	require.NoError(t, err)

	snap, err := f.bookings.Ledger().GetAvailability(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, snap.BookedCount)
	assert.Equal(t, 3, snap.AvailableSpots)
	assert.Equal(t, 75.0, snap.PercentageFull)
}

func TestLedger_RejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(3)
	ledger := f.bookings.Ledger()

	_, err := ledger.GetAvailability(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ledger.GetAvailability(ctx, 77)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := f.store.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	defer tx.Rollback()

	_, _, err = ledger.TryReserve(ctx, tx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ledger.Release(ctx, tx, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ok, snap, err := ledger.TryReserve(ctx, tx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, snap.AvailableSpots)
	ok, _, err = ledger.TryReserve(ctx, tx, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}
