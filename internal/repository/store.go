package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/course-booking/internal/model"
)

// MySQL error numbers the engine reacts to.
const (
	errLockWaitTimeout uint16 = 1205
	errDeadlock        uint16 = 1213
	errDuplicateEntry  uint16 = 1062
)

// classify maps driver errors onto repository sentinels.  Anything not
// recognised is returned unchanged.
func classify(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return err
	}
	switch me.Number {
	case errLockWaitTimeout, errDeadlock:
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case errDuplicateEntry:
		if strings.Contains(me.Message, "idempotency") {
			return fmt.Errorf("%w: %v", ErrDuplicateIdempotencyKey, err)
		}
		if strings.Contains(me.Message, "reference") {
			return fmt.Errorf("%w: %v", ErrDuplicateReference, err)
		}
	}
	return err
}

// Store is the MySQL implementation of the booking engine's storage.  The
// per-session lock is the InnoDB row lock taken by SELECT ... FOR UPDATE on
// the course_sessions row; its wait is bounded by innodb_lock_wait_timeout
// (set through the DSN, see database.Open).
type Store struct {
	db       *sqlx.DB
	sessions *SessionRepo
	bookings *BookingRepo
	holds    *HoldRepo
	now      func() time.Time
}

// NewStore returns a Store bound to db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:       db,
		sessions: NewSessionRepo(db),
		bookings: NewBookingRepo(db),
		holds:    NewHoldRepo(db),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Sessions returns the session repository sharing this store's handle.
func (s *Store) Sessions() *SessionRepo { return s.sessions }

// LockSession begins a transaction and locks the session row.  The
// returned SessionTx must be committed or rolled back.
func (s *Store) LockSession(ctx context.Context, sessionID uint64) (SessionTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	if _, err := readSession(ctx, tx, sessionID, true); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &sqlTx{tx: tx, sessionID: sessionID, now: s.now}, nil
}

func (s *Store) ReadSession(ctx context.Context, sessionID uint64) (*model.CourseSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

func (s *Store) ReadBookedSpots(ctx context.Context, sessionID uint64) (int, error) {
	return bookedSpots(ctx, s.db, sessionID)
}

func (s *Store) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

func (s *Store) FindBookingByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	return s.bookings.FindByIdempotencyKey(ctx, key)
}

func (s *Store) GetHold(ctx context.Context, id uint64) (*model.InquiryHold, error) {
	return s.holds.GetByID(ctx, id)
}

func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.InquiryHold, error) {
	return s.holds.ListExpired(ctx, now, limit)
}

func (s *Store) ListStalePendingBookings(ctx context.Context, cutoff time.Time, limit int) ([]model.Booking, error) {
	return s.bookings.ListStalePending(ctx, cutoff, limit)
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// sqlTx is a SessionTx backed by a database transaction.
type sqlTx struct {
	tx        *sqlx.Tx
	sessionID uint64
	now       func() time.Time
	done      bool
}

func (t *sqlTx) SessionID() uint64 { return t.sessionID }

func (t *sqlTx) ReadSession(ctx context.Context) (*model.CourseSession, error) {
	return readSession(ctx, t.tx, t.sessionID, false)
}

func (t *sqlTx) ReadBookedSpots(ctx context.Context) (int, error) {
	return bookedSpots(ctx, t.tx, t.sessionID)
}

func (t *sqlTx) ReferenceExists(ctx context.Context, ref string) (bool, error) {
	return referenceExists(ctx, t.tx, ref)
}

func (t *sqlTx) FindBookingByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	return findBookingByIdempotencyKey(ctx, t.tx, key)
}

func (t *sqlTx) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return getBooking(ctx, t.tx, id)
}

func (t *sqlTx) GetHold(ctx context.Context, id uint64) (*model.InquiryHold, error) {
	return getHold(ctx, t.tx, id)
}

func (t *sqlTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	b.SessionID = t.sessionID
	return insertBooking(ctx, t.tx, b)
}

func (t *sqlTx) InsertHold(ctx context.Context, h *model.InquiryHold) error {
	h.SessionID = t.sessionID
	return insertHold(ctx, t.tx, h)
}

func (t *sqlTx) UpdateBookingStatus(ctx context.Context, id uint64, status model.BookingStatus) error {
	return updateBookingStatus(ctx, t.tx, id, status, t.now())
}

func (t *sqlTx) UpdateHoldStatus(ctx context.Context, id uint64, status model.HoldStatus, bookingID *uint64) error {
	return updateHoldStatus(ctx, t.tx, id, status, bookingID, t.now())
}

func (t *sqlTx) SyncParticipants(ctx context.Context) (int, error) {
	return syncParticipants(ctx, t.tx, t.sessionID)
}

func (t *sqlTx) BumpVersion(ctx context.Context) (uint64, error) {
	return bumpVersion(ctx, t.tx, t.sessionID)
}

func (t *sqlTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return classify(t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
