package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/course-booking/internal/model"
)

// bookingRecord mirrors the schema of the bookings table.  It is used
// internally when scanning rows; business logic uses model.Booking.
type bookingRecord struct {
	ID               uint64         `db:"id"`
	SessionID        uint64         `db:"session_id"`
	Reference        string         `db:"reference"`
	Participants     int            `db:"participants"`
	Status           string         `db:"status"`
	ContactName      string         `db:"contact_name"`
	ContactEmail     string         `db:"contact_email"`
	ContactPhone     sql.NullString `db:"contact_phone"`
	IdempotencyKey   sql.NullString `db:"idempotency_key"`
	HoldID           sql.NullInt64  `db:"hold_id"`
	TotalAmountCents uint64         `db:"total_amount_cents"`
	ReminderSentAt   sql.NullTime   `db:"reminder_sent_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r bookingRecord) toModel() *model.Booking {
	b := &model.Booking{
		ID:               r.ID,
		SessionID:        r.SessionID,
		Reference:        r.Reference,
		Participants:     r.Participants,
		Status:           model.BookingStatus(r.Status),
		Contact:          model.Contact{Name: r.ContactName, Email: r.ContactEmail, Phone: r.ContactPhone.String},
		TotalAmountCents: r.TotalAmountCents,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.IdempotencyKey.Valid {
		k := r.IdempotencyKey.String
		b.IdempotencyKey = &k
	}
	if r.HoldID.Valid {
		id := uint64(r.HoldID.Int64)
		b.HoldID = &id
	}
	if r.ReminderSentAt.Valid {
		t := r.ReminderSentAt.Time
		b.ReminderSentAt = &t
	}
	return b
}

const bookingColumns = `id, session_id, reference, participants, status, contact_name, contact_email,
    contact_phone, idempotency_key, hold_id, total_amount_cents, reminder_sent_at, created_at, updated_at`

// BookingRepo provides read access to bookings outside of a session lock.
// Writes always go through a SessionTx.
type BookingRepo struct {
	db *sqlx.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sqlx.DB) *BookingRepo { return &BookingRepo{db: db} }

// GetByID returns a booking or ErrBookingNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	return getBooking(ctx, r.db, id)
}

// FindByIdempotencyKey returns the booking created with key, or
// ErrBookingNotFound.
func (r *BookingRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	return findBookingByIdempotencyKey(ctx, r.db, key)
}

// ListStalePending returns up to limit PENDING bookings created before
// cutoff, oldest first.
func (r *BookingRepo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings
               WHERE status = 'PENDING' AND created_at < ?
               ORDER BY created_at LIMIT ?`
	var recs []bookingRecord
	if err := sqlx.SelectContext(ctx, r.db, &recs, q, cutoff.UTC(), limit); err != nil {
		return nil, classify(err)
	}
	out := make([]model.Booking, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec.toModel())
	}
	return out, nil
}

func getBooking(ctx context.Context, q sqlx.QueryerContext, id uint64) (*model.Booking, error) {
	var rec bookingRecord
	if err := sqlx.GetContext(ctx, q, &rec, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, classify(err)
	}
	return rec.toModel(), nil
}

func findBookingByIdempotencyKey(ctx context.Context, q sqlx.QueryerContext, key string) (*model.Booking, error) {
	var rec bookingRecord
	if err := sqlx.GetContext(ctx, q, &rec, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, classify(err)
	}
	return rec.toModel(), nil
}

// insertBooking inserts b and populates its ID.  Timestamps are written
// from b so the engine's clock is authoritative.
func insertBooking(ctx context.Context, q sqlx.ExecerContext, b *model.Booking) error {
	const ins = `INSERT INTO bookings
        (session_id, reference, participants, status, contact_name, contact_email, contact_phone,
         idempotency_key, hold_id, total_amount_cents, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var phone, key sql.NullString
	if b.Contact.Phone != "" {
		phone = sql.NullString{String: b.Contact.Phone, Valid: true}
	}
	if b.IdempotencyKey != nil {
		key = sql.NullString{String: *b.IdempotencyKey, Valid: true}
	}
	var holdID sql.NullInt64
	if b.HoldID != nil {
		holdID = sql.NullInt64{Int64: int64(*b.HoldID), Valid: true}
	}
	res, err := q.ExecContext(ctx, ins, b.SessionID, b.Reference, b.Participants, string(b.Status),
		b.Contact.Name, b.Contact.Email, phone, key, holdID, b.TotalAmountCents,
		b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

// updateBookingStatus relies on clientFoundRows=true in the DSN so that
// RowsAffected counts matched rows rather than changed rows.
func updateBookingStatus(ctx context.Context, q sqlx.ExecerContext, id uint64, status model.BookingStatus, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?`, string(status), at.UTC(), id)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// referenceExists checks both bookings and inquiry_holds for ref.
func referenceExists(ctx context.Context, q sqlx.QueryerContext, ref string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM bookings WHERE reference = ?)
                       OR EXISTS(SELECT 1 FROM inquiry_holds WHERE reference = ?)`
	var found bool
	if err := sqlx.GetContext(ctx, q, &found, query, ref, ref); err != nil {
		return false, classify(err)
	}
	return found, nil
}
