package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/course-booking/internal/model"
)

func newSession(t *testing.T, s *MemoryStore, capacity int) model.CourseSession {
	t.Helper()
	return s.AddSession(model.CourseSession{CourseID: 1, Venue: "Leeds", MaxParticipants: capacity})
}

func TestMemoryStore_LockSessionUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LockSession(context.Background(), 42)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithLockTimeout(20 * time.Millisecond))
	sess := newSession(t, s, 5)
	other := newSession(t, s, 5)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = s.LockSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrLockTimeout)

	// other sessions are not affected
	tx2, err := s.LockSession(ctx, other.ID)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())

	require.NoError(t, tx.Rollback())
	tx3, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, tx3.Rollback())
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession(t, s, 5)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	b := &model.Booking{Reference: "BK25010001", Participants: 2, Status: model.BookingPending}
	require.NoError(t, tx.InsertBooking(ctx, b))

	booked, err := tx.ReadBookedSpots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, booked, "own writes are visible inside the tx")

	outside, err := s.ReadBookedSpots(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, outside, "uncommitted writes are invisible outside")

	require.NoError(t, tx.Rollback())
	_, err = s.GetBooking(ctx, b.ID)
	require.ErrorIs(t, err, ErrBookingNotFound)
}

func TestMemoryStore_CommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession(t, s, 10)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	b := &model.Booking{Reference: "BK25010002", Participants: 3, Status: model.BookingConfirmed}
	require.NoError(t, tx.InsertBooking(ctx, b))
	h := &model.InquiryHold{Reference: "INQ25010003", Participants: 2, Status: model.HoldActive, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, tx.InsertHold(ctx, h))
	n, err := tx.SyncParticipants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	v, err := tx.BumpVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	got, err := s.ReadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentParticipants)
	assert.Equal(t, uint64(1), got.Version)

	booked, err := s.ReadBookedSpots(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, booked)
}

func TestMemoryStore_DuplicateReference(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession(t, s, 10)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.InsertBooking(ctx, &model.Booking{Reference: "BK1", Participants: 1, Status: model.BookingPending}))
	exists, err := tx.ReferenceExists(ctx, "BK1")
	require.NoError(t, err)
	assert.True(t, exists)
	err = tx.InsertHold(ctx, &model.InquiryHold{Reference: "BK1", Participants: 1, Status: model.HoldActive})
	require.ErrorIs(t, err, ErrDuplicateReference)
}

func TestMemoryStore_ReferenceTakenByConcurrentSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newSession(t, s, 5)
	b := newSession(t, s, 5)

	txA, err := s.LockSession(ctx, a.ID)
	require.NoError(t, err)
	txB, err := s.LockSession(ctx, b.ID)
	require.NoError(t, err)
	defer txB.Rollback()

	require.NoError(t, txA.InsertBooking(ctx, &model.Booking{Reference: "BK25030042", Participants: 1, Status: model.BookingPending}))
	require.NoError(t, txB.InsertHold(ctx, &model.InquiryHold{Reference: "BK25030042", Participants: 1, Status: model.HoldActive}))
	require.NoError(t, txA.Commit())

	require.ErrorIs(t, txB.Commit(), ErrDuplicateReference)
	booked, err := s.ReadBookedSpots(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, booked, "the failed commit applied nothing")
}

func TestMemoryStore_HoldStatusOverlay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession(t, s, 4)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	h := &model.InquiryHold{Reference: "INQ1", Participants: 4, Status: model.HoldActive}
	require.NoError(t, tx.InsertHold(ctx, h))
	require.NoError(t, tx.Commit())

	tx, err = s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateHoldStatus(ctx, h.ID, model.HoldExpired, nil))
	booked, err := tx.ReadBookedSpots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, booked)
	require.NoError(t, tx.Commit())

	got, err := s.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldExpired, got.Status)
}

func TestMemoryStore_ListStalePendingBookings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := newSession(t, s, 10)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tx, err := s.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	for i, st := range []model.BookingStatus{model.BookingPending, model.BookingConfirmed, model.BookingPending} {
		b := &model.Booking{
			Reference:    "BK" + string(rune('A'+i)),
			Participants: 1,
			Status:       st,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, tx.InsertBooking(ctx, b))
	}
	require.NoError(t, tx.Commit())

	stale, err := s.ListStalePendingBookings(ctx, base.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "BKA", stale[0].Reference)
	assert.Equal(t, "BKC", stale[1].Reference)

	limited, err := s.ListStalePendingBookings(ctx, base.Add(3*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
