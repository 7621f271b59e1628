// Package repository contains data access logic for the booking engine.
// This file covers the course_sessions table: the locked read used as the
// per-session mutex, the booked spot sum, and the denormalized counters
// maintained by the engine.
package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql.ErrNoRows sentinel
	"errors"       // errors.Is comparisons
	"time"         // timestamps

	"github.com/jmoiron/sqlx" // struct scanning helpers

	"github.com/iliyamo/course-booking/internal/model"
)

// occupyingStatuses and committedStatuses are inlined into queries; they
// must match model.BookingStatus.OccupiesSpots and Committed.
const (
	occupyingStatuses = `('PENDING','CONFIRMED','PAID','ATTENDED','COMPLETED')`
	committedStatuses = `('CONFIRMED','PAID','ATTENDED','COMPLETED')`
)

// sessionRecord mirrors the schema of the course_sessions table.
type sessionRecord struct {
	ID                  uint64    `db:"id"`
	CourseID            uint64    `db:"course_id"`
	StartsAt            time.Time `db:"starts_at"`
	EndsAt              time.Time `db:"ends_at"`
	Venue               string    `db:"venue"`
	MaxParticipants     int       `db:"max_participants"`
	CurrentParticipants int       `db:"current_participants"`
	PriceCents          uint32    `db:"price_cents"`
	Status              string    `db:"status"`
	Version             uint64    `db:"version"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r sessionRecord) toModel() *model.CourseSession {
	return &model.CourseSession{
		ID:                  r.ID,
		CourseID:            r.CourseID,
		StartsAt:            r.StartsAt,
		EndsAt:              r.EndsAt,
		Venue:               r.Venue,
		MaxParticipants:     r.MaxParticipants,
		CurrentParticipants: r.CurrentParticipants,
		PriceCents:          r.PriceCents,
		Status:              model.SessionStatus(r.Status),
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

const sessionColumns = `id, course_id, starts_at, ends_at, venue, max_participants,
    current_participants, price_cents, status, version, created_at, updated_at`

// SessionRepo manages persistence for course sessions outside of the
// booking engine's locked units of work (scheduling, listings).
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo returns a new SessionRepo bound to the given database.
func NewSessionRepo(db *sqlx.DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a course session and populates its ID.  Scheduling lives
// outside this service; Create exists for seeding and tooling.
func (r *SessionRepo) Create(ctx context.Context, s *model.CourseSession) error {
	const q = `INSERT INTO course_sessions
        (course_id, starts_at, ends_at, venue, max_participants, price_cents, status)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	status := s.Status
	if status == "" {
		status = model.SessionScheduled
	}
	res, err := r.db.ExecContext(ctx, q, s.CourseID, s.StartsAt.UTC(), s.EndsAt.UTC(), s.Venue,
		s.MaxParticipants, s.PriceCents, string(status))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := readSession(ctx, r.db, uint64(id), false)
	if err != nil {
		return err
	}
	*s = *got
	return nil
}

// GetByID returns a session by ID or ErrSessionNotFound.
func (r *SessionRepo) GetByID(ctx context.Context, id uint64) (*model.CourseSession, error) {
	return readSession(ctx, r.db, id, false)
}

// readSession loads a session row.  With forUpdate the row is read with
// SELECT ... FOR UPDATE, which blocks until any other transaction holding
// the row lock commits or rolls back.
func readSession(ctx context.Context, q sqlx.QueryerContext, id uint64, forUpdate bool) (*model.CourseSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM course_sessions WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var rec sessionRecord
	if err := sqlx.GetContext(ctx, q, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, classify(err)
	}
	return rec.toModel(), nil
}

// bookedSpots sums the participants of spot-occupying bookings and active
// holds for a session.
func bookedSpots(ctx context.Context, q sqlx.QueryerContext, sessionID uint64) (int, error) {
	const query = `SELECT
        (SELECT COALESCE(SUM(participants), 0) FROM bookings
            WHERE session_id = ? AND status IN ` + occupyingStatuses + `)
      + (SELECT COALESCE(SUM(participants), 0) FROM inquiry_holds
            WHERE session_id = ? AND status = 'ACTIVE')`
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, sessionID, sessionID); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// syncParticipants rewrites current_participants from committed bookings.
func syncParticipants(ctx context.Context, q sqlx.ExtContext, sessionID uint64) (int, error) {
	const upd = `UPDATE course_sessions SET current_participants = (
            SELECT COALESCE(SUM(participants), 0) FROM bookings
            WHERE session_id = ? AND status IN ` + committedStatuses + `)
        WHERE id = ?`
	if _, err := q.ExecContext(ctx, upd, sessionID, sessionID); err != nil {
		return 0, classify(err)
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT current_participants FROM course_sessions WHERE id = ?`, sessionID); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// bumpVersion increments the session version used to order snapshots.
func bumpVersion(ctx context.Context, q sqlx.ExtContext, sessionID uint64) (uint64, error) {
	if _, err := q.ExecContext(ctx, `UPDATE course_sessions SET version = version + 1 WHERE id = ?`, sessionID); err != nil {
		return 0, classify(err)
	}
	var v uint64
	if err := sqlx.GetContext(ctx, q, &v, `SELECT version FROM course_sessions WHERE id = ?`, sessionID); err != nil {
		return 0, classify(err)
	}
	return v, nil
}
