package booking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/repository"
)

func TestCreateBooking_ConcurrentSingleSpotRequests(t *testing.T) {
	const capacity, callers = 5, 25
	f := newFixture(t, Config{})
	sess := f.session(capacity)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
		other    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacityExceeded):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, capacity, ok)
	assert.Equal(t, callers-capacity, rejected)
	assert.Equal(t, 0, f.available(t, sess.ID))
}

func TestCreateBooking_TwoRequestsForAllSpots(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, 2))
		}(i)
	}
	wg.Wait()

	var failed error
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			failed = err
		}
	}
	require.Equal(t, 1, succeeded)
	var ce *CapacityError
	require.ErrorAs(t, failed, &ce)
	assert.Equal(t, 0, ce.Available)
	assert.Equal(t, 2, ce.Requested)
	assert.ErrorIs(t, failed, ErrCapacityExceeded)
}

func TestCreateBooking_CapacityErrorCarriesRemainingSpots(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(6)
	_, err := f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, 4))
	require.NoError(t, err)

	_, err = f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, 3))
	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Available)

	b, err := f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, ce.Available))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Participants)
}

func TestCreateBooking_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(10)

	req := bookingReq(sess.ID, 3)
	req.IdempotencyKey = "checkout-8f2c"
	first, err := f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	second, err := f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 7, f.available(t, sess.ID))
	assert.Len(t, f.rec.Snapshots(), 1, "a replay publishes nothing")

	other := f.session(10)
	req.SessionID = other.ID
	_, err = f.bookings.CreateBooking(ctx, req)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 10, f.available(t, other.ID))
}

func TestCreateBooking_ConcurrentDuplicatesReserveOnce(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(10)

	refs := make([]string, 8)
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := bookingReq(sess.ID, 2)
			req.IdempotencyKey = "same-submit"
			b, err := f.bookings.CreateBooking(context.Background(), req)
			if assert.NoError(t, err) {
				refs[i] = b.Reference
			}
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	assert.Equal(t, 8, f.available(t, sess.ID))
}

func TestCreateBooking_StatusAndPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(10)

	pending, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 2))
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, pending.Status)
	assert.Equal(t, uint64(25000), pending.TotalAmountCents)
	assert.Regexp(t, `^BK2503\d{4,5}$`, pending.Reference)

	req := bookingReq(sess.ID, 3)
	req.PaymentCaptured = true
	paid, err := f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, paid.Status)

	got, err := f.store.ReadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentParticipants, "only committed bookings feed current participants")
	assert.Equal(t, uint64(2), got.Version)

	snaps := f.rec.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, 8, snaps[0].AvailableSpots)
	assert.Equal(t, 5, snaps[1].AvailableSpots)
	assert.Less(t, snaps[0].Version, snaps[1].Version)
	assert.Equal(t, []string{queue.BookingCreated, queue.BookingCreated}, f.rec.EventTypes())
}

func TestCreateBooking_LargeGroupTotal(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.store.AddSession(model.CourseSession{MaxParticipants: 60, PriceCents: 100_000_000})

	b, err := f.bookings.CreateBooking(context.Background(), bookingReq(sess.ID, 50))
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), b.TotalAmountCents)
}

func TestCreateBooking_InvalidRequests(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(4)

	cases := []struct {
		name   string
		mutate func(r *BookingRequest)
	}{
		{"zero participants", func(r *BookingRequest) { r.Participants = 0 }},
		{"negative participants", func(r *BookingRequest) { r.Participants = -2 }},
		{"missing session", func(r *BookingRequest) { r.SessionID = 0 }},
		{"missing name", func(r *BookingRequest) { r.Contact.Name = "  " }},
		{"bad email", func(r *BookingRequest) { r.Contact.Email = "not-an-email" }},
		{"long idempotency key", func(r *BookingRequest) {
			r.IdempotencyKey = string(make([]byte, maxIdempotencyKeyLen+1))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := bookingReq(sess.ID, 1)
			tc.mutate(&req)
			_, err := f.bookings.CreateBooking(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Equal(t, 4, f.available(t, sess.ID))
}

func TestCreateBooking_UnknownAndClosedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.bookings.CreateBooking(ctx, bookingReq(404, 1))
	assert.ErrorIs(t, err, ErrNotFound)

	closed := f.store.AddSession(model.CourseSession{MaxParticipants: 5, Status: model.SessionCancelled})
	_, err = f.bookings.CreateBooking(ctx, bookingReq(closed.ID, 1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateBooking_BusyAfterBoundedRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LockAttempts: 3, LockRetryBackoff: 5 * time.Millisecond},
		repository.WithLockTimeout(10*time.Millisecond))
	sess := f.session(4)

	tx, err := f.store.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 1))
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, f.rec.Snapshots())
}

func TestCreateBooking_RetriesUntilLockFrees(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LockAttempts: 10, LockRetryBackoff: 10 * time.Millisecond},
		repository.WithLockTimeout(15*time.Millisecond))
	sess := f.session(4)

	tx, err := f.store.LockSession(ctx, sess.ID)
	require.NoError(t, err)
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = tx.Rollback()
	}()

	b, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 1))
	require.NoError(t, err)
	assert.NotZero(t, b.ID)
}

// racingStore fails the next booking inserts with a reference collision, as
// when another session's transaction commits the same reference first.
type racingStore struct {
	*repository.MemoryStore
	collisions atomic.Int32
}

func (s *racingStore) LockSession(ctx context.Context, sessionID uint64) (repository.SessionTx, error) {
	tx, err := s.MemoryStore.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &racingTx{SessionTx: tx, store: s}, nil
}

type racingTx struct {
	repository.SessionTx
	store *racingStore
}

func (t *racingTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	if t.store.collisions.Add(-1) >= 0 {
		return repository.ErrDuplicateReference
	}
	return t.SessionTx.InsertBooking(ctx, b)
}

func TestCreateBooking_ReferenceTakenConcurrently(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: repository.NewMemoryStore()}
	sess := store.AddSession(model.CourseSession{MaxParticipants: 4, PriceCents: 12500})
	logger, _ := test.NewNullLogger()
	coord := NewCoordinator(Deps{Store: store, Logger: logger}, Config{LockAttempts: 3, LockRetryBackoff: time.Millisecond})

	store.collisions.Store(1)
	b, err := coord.CreateBooking(ctx, bookingReq(sess.ID, 2))
	require.NoError(t, err)
	assert.NotEmpty(t, b.Reference)
	snap, err := coord.Ledger().GetAvailability(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.AvailableSpots)

	store.collisions.Store(3)
	_, err = coord.CreateBooking(ctx, bookingReq(sess.ID, 1))
	require.ErrorIs(t, err, ErrReferenceExhausted)
	assert.NotErrorIs(t, err, ErrInternal)
}

func TestCreateBooking_OtherSessionsUnaffectedByLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LockAttempts: 1}, repository.WithLockTimeout(10*time.Millisecond))
	busy := f.session(4)
	free := f.session(4)

	tx, err := f.store.LockSession(ctx, busy.ID)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = f.bookings.CreateBooking(ctx, bookingReq(free.ID, 2))
	require.NoError(t, err)
}

func TestCancelBooking_ReleasesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(3)

	req := bookingReq(sess.ID, 3)
	req.PaymentCaptured = true
	b, err := f.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, sess.ID))

	cancelled, err := f.bookings.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.Status)
	assert.Equal(t, 3, f.available(t, sess.ID))

	got, err := f.store.ReadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentParticipants)

	again, err := f.bookings.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, again.Status)
	assert.Len(t, f.rec.Snapshots(), 2, "repeating a cancel publishes nothing")
	assert.Equal(t, []string{queue.BookingCreated, queue.BookingCancelled}, f.rec.EventTypes())

	_, err = f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 3))
	require.NoError(t, err)
}

func TestConfirmBooking_Transitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(5)

	b, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 2))
	require.NoError(t, err)

	_, err = f.bookings.ConfirmBooking(ctx, b.ID, model.BookingCancelled)
	require.ErrorIs(t, err, ErrInvalidArgument)

	confirmed, err := f.bookings.ConfirmBooking(ctx, b.ID, model.BookingConfirmed)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, confirmed.Status)

	got, err := f.store.ReadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentParticipants)

	paid, err := f.bookings.ConfirmBooking(ctx, b.ID, model.BookingPaid)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPaid, paid.Status)

	_, err = f.bookings.ConfirmBooking(ctx, b.ID, model.BookingConfirmed)
	require.ErrorIs(t, err, ErrInvalidArgument, "paid cannot go back to confirmed")

	_, err = f.bookings.ConfirmBooking(ctx, 999, model.BookingPaid)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, f.available(t, sess.ID))
}

func TestExpireBooking_OnlyStalePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	sess := f.session(5)

	b, err := f.bookings.CreateBooking(ctx, bookingReq(sess.ID, 2))
	require.NoError(t, err)

	expired, err := f.bookings.ExpireBooking(ctx, b.ID, b.CreatedAt)
	require.NoError(t, err)
	assert.False(t, expired, "not older than cutoff")

	expired, err = f.bookings.ExpireBooking(ctx, b.ID, b.CreatedAt.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, 5, f.available(t, sess.ID))

	got, err := f.bookings.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingExpired, got.Status)
}

func TestGetBooking_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.bookings.GetBooking(context.Background(), 12)
	assert.ErrorIs(t, err, ErrNotFound)
}
