package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/course-booking/internal/model"
)

// holdRecord mirrors the inquiry_holds table.
type holdRecord struct {
	ID           uint64         `db:"id"`
	SessionID    uint64         `db:"session_id"`
	Reference    string         `db:"reference"`
	Participants int            `db:"participants"`
	Status       string         `db:"status"`
	ContactName  string         `db:"contact_name"`
	ContactEmail string         `db:"contact_email"`
	ContactPhone sql.NullString `db:"contact_phone"`
	Message      sql.NullString `db:"message"`
	BookingID    sql.NullInt64  `db:"booking_id"`
	ExpiresAt    time.Time      `db:"expires_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r holdRecord) toModel() *model.InquiryHold {
	h := &model.InquiryHold{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Reference:    r.Reference,
		Participants: r.Participants,
		Status:       model.HoldStatus(r.Status),
		Contact:      model.Contact{Name: r.ContactName, Email: r.ContactEmail, Phone: r.ContactPhone.String},
		Message:      r.Message.String,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.BookingID.Valid {
		id := uint64(r.BookingID.Int64)
		h.BookingID = &id
	}
	return h
}

const holdColumns = `id, session_id, reference, participants, status, contact_name, contact_email,
    contact_phone, message, booking_id, expires_at, created_at, updated_at`

// HoldRepo provides read access to inquiry holds outside of a session
// lock.  All writes go through a SessionTx.
type HoldRepo struct {
	db *sqlx.DB
}

// NewHoldRepo returns a new HoldRepo bound to the given database.
func NewHoldRepo(db *sqlx.DB) *HoldRepo { return &HoldRepo{db: db} }

// GetByID returns a hold or ErrHoldNotFound.
func (r *HoldRepo) GetByID(ctx context.Context, id uint64) (*model.InquiryHold, error) {
	return getHold(ctx, r.db, id)
}

// ListExpired returns up to limit ACTIVE holds whose expires_at is before
// now, oldest first.  The rows are not locked; callers re-check each hold
// under the session lock before expiring it.
func (r *HoldRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.InquiryHold, error) {
	const q = `SELECT ` + holdColumns + ` FROM inquiry_holds
               WHERE status = 'ACTIVE' AND expires_at < ?
               ORDER BY expires_at LIMIT ?`
	var recs []holdRecord
	if err := sqlx.SelectContext(ctx, r.db, &recs, q, now.UTC(), limit); err != nil {
		return nil, classify(err)
	}
	out := make([]model.InquiryHold, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec.toModel())
	}
	return out, nil
}

func getHold(ctx context.Context, q sqlx.QueryerContext, id uint64) (*model.InquiryHold, error) {
	var rec holdRecord
	if err := sqlx.GetContext(ctx, q, &rec, `SELECT `+holdColumns+` FROM inquiry_holds WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, classify(err)
	}
	return rec.toModel(), nil
}

func insertHold(ctx context.Context, q sqlx.ExecerContext, h *model.InquiryHold) error {
	const ins = `INSERT INTO inquiry_holds
        (session_id, reference, participants, status, contact_name, contact_email, contact_phone,
         message, expires_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var phone, msg sql.NullString
	if h.Contact.Phone != "" {
		phone = sql.NullString{String: h.Contact.Phone, Valid: true}
	}
	if h.Message != "" {
		msg = sql.NullString{String: h.Message, Valid: true}
	}
	res, err := q.ExecContext(ctx, ins, h.SessionID, h.Reference, h.Participants, string(h.Status),
		h.Contact.Name, h.Contact.Email, phone, msg, h.ExpiresAt.UTC(), h.CreatedAt.UTC(), h.UpdatedAt.UTC())
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	h.ID = uint64(id)
	return nil
}

func updateHoldStatus(ctx context.Context, q sqlx.ExecerContext, id uint64, status model.HoldStatus, bookingID *uint64, at time.Time) error {
	var bid sql.NullInt64
	if bookingID != nil {
		bid = sql.NullInt64{Int64: int64(*bookingID), Valid: true}
	}
	res, err := q.ExecContext(ctx,
		`UPDATE inquiry_holds SET status = ?, booking_id = COALESCE(?, booking_id), updated_at = ? WHERE id = ?`,
		string(status), bid, at.UTC(), id)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrHoldNotFound
	}
	return nil
}
