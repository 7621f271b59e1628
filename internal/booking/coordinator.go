package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/repository"
)

const maxIdempotencyKeyLen = 128

// BookingRequest is what the checkout layer submits.
type BookingRequest struct {
	SessionID    uint64
	Participants int
	Contact      model.Contact
	// IdempotencyKey deduplicates retried submissions.  Optional.
	IdempotencyKey string
	// PaymentCaptured creates the booking CONFIRMED instead of PENDING.
	PaymentCaptured bool
}

func (r *BookingRequest) validate() error {
	if r.SessionID == 0 {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	if r.Participants <= 0 {
		return fmt.Errorf("%w: participants must be at least 1", ErrInvalidArgument)
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidArgument, maxIdempotencyKeyLen)
	}
	return validateContact(&r.Contact)
}

func validateContact(c *model.Contact) error {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Name == "" {
		return fmt.Errorf("%w: contact name is required", ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("%w: contact email %q is invalid", ErrInvalidArgument, c.Email)
	}
	return nil
}

// Coordinator serializes bookings on a session through the session lock and
// owns the booking lifecycle.
type Coordinator struct {
	*engine
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	return &Coordinator{engine: newEngine(deps, cfg)}
}

// Ledger exposes the read side for availability queries.
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// CreateBooking reserves req.Participants spots on the session.  When the
// spots do not fit it returns a *CapacityError carrying the spots that were
// available inside the lock.  A repeated idempotency key returns the booking
// created by the first call.
func (c *Coordinator) CreateBooking(ctx context.Context, req BookingRequest) (*model.Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{"session_id": req.SessionID, "participants": req.Participants})

	if req.IdempotencyKey != "" {
		existing, err := c.store.FindBookingByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return replay(existing, req)
		case !errors.Is(err, repository.ErrBookingNotFound):
			return nil, translate(err)
		}
	}

	var (
		booking  *model.Booking
		snap     model.AvailabilitySnapshot
		replayed bool
	)
	err := c.locks.withSessionLock(ctx, req.SessionID, func(tx repository.SessionTx) error {
		booking, replayed = nil, false
		if req.IdempotencyKey != "" {
			existing, err := tx.FindBookingByIdempotencyKey(ctx, req.IdempotencyKey)
			if err == nil {
				booking, replayed = existing, true
				return nil
			}
			if !errors.Is(err, repository.ErrBookingNotFound) {
				return err
			}
		}

		ok, before, err := c.ledger.TryReserve(ctx, tx, req.Participants)
		if err != nil {
			return err
		}
		if !ok {
			return &CapacityError{SessionID: req.SessionID, Requested: req.Participants, Available: before.AvailableSpots}
		}
		sess, err := tx.ReadSession(ctx)
		if err != nil {
			return err
		}
		ref, err := c.refs.Generate(ctx, PrefixBooking, tx.ReferenceExists)
		if err != nil {
			return err
		}

		now := c.now()
		b := &model.Booking{
			Reference:        ref,
			Participants:     req.Participants,
			Status:           model.BookingPending,
			Contact:          req.Contact,
			TotalAmountCents: model.TotalAmount(req.Participants, sess.PriceCents),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if req.PaymentCaptured {
			b.Status = model.BookingConfirmed
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			b.IdempotencyKey = &key
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if snap, err = c.ledger.Settle(ctx, tx); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		var ce *CapacityError
		switch {
		case errors.As(err, &ce):
			log.WithField("available", ce.Available).Info("booking rejected: capacity exceeded")
			return nil, err
		case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
			// The key was committed by a request on another session.
			existing, ferr := c.store.FindBookingByIdempotencyKey(ctx, req.IdempotencyKey)
			if ferr != nil {
				return nil, translate(ferr)
			}
			return replay(existing, req)
		}
		err = translate(err)
		if errors.Is(err, ErrInternal) || errors.Is(err, ErrReferenceExhausted) {
			log.WithError(err).Error("create booking failed")
		}
		return nil, err
	}
	if replayed {
		return replay(booking, req)
	}

	log.WithFields(logrus.Fields{"booking_id": booking.ID, "reference": booking.Reference}).Info("booking created")
	c.afterCommit(ctx, snap, queue.NewBookingEvent(queue.BookingCreated, *booking, snap, c.now()))
	return booking, nil
}

// replay returns the booking created under the same idempotency key, after
// making sure the key is not being reused for a different request.
func replay(existing *model.Booking, req BookingRequest) (*model.Booking, error) {
	if existing.SessionID != req.SessionID || existing.Participants != req.Participants {
		return nil, fmt.Errorf("%w: idempotency key already used for booking %s", ErrInvalidArgument, existing.Reference)
	}
	return existing, nil
}

// GetBooking returns a booking by id.
func (c *Coordinator) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return b, nil
}

// ConfirmBooking records an upstream confirmation or payment.  Allowed moves
// are PENDING to CONFIRMED or PAID, and CONFIRMED to PAID.  Repeating the
// current status is a no-op.
func (c *Coordinator) ConfirmBooking(ctx context.Context, id uint64, status model.BookingStatus) (*model.Booking, error) {
	if status != model.BookingConfirmed && status != model.BookingPaid {
		return nil, fmt.Errorf("%w: cannot confirm to %s", ErrInvalidArgument, status)
	}
	b, _, err := c.transition(ctx, id, queue.BookingConfirmed, func(b *model.Booking) (bool, error) {
		switch {
		case b.Status == status:
			return false, nil
		case b.Status == model.BookingPending,
			b.Status == model.BookingConfirmed && status == model.BookingPaid:
			return true, nil
		}
		return false, fmt.Errorf("%w: booking %s is %s", ErrInvalidArgument, b.Reference, b.Status)
	}, status)
	return b, err
}

// CancelBooking cancels a PENDING, CONFIRMED or PAID booking and releases
// its spots immediately.  Cancelling a cancelled booking is a no-op.
func (c *Coordinator) CancelBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	b, _, err := c.transition(ctx, id, queue.BookingCancelled, func(b *model.Booking) (bool, error) {
		switch b.Status {
		case model.BookingCancelled:
			return false, nil
		case model.BookingPending, model.BookingConfirmed, model.BookingPaid:
			return true, nil
		}
		return false, fmt.Errorf("%w: booking %s is %s", ErrInvalidArgument, b.Reference, b.Status)
	}, model.BookingCancelled)
	return b, err
}

// ExpireBooking moves a PENDING booking created before cutoff to EXPIRED.
// It reports false when the booking no longer qualifies, e.g. because it
// was paid while the sweeper was waiting for the lock.
func (c *Coordinator) ExpireBooking(ctx context.Context, id uint64, cutoff time.Time) (bool, error) {
	_, changed, err := c.transition(ctx, id, queue.BookingExpired, func(b *model.Booking) (bool, error) {
		return b.Status == model.BookingPending && b.CreatedAt.Before(cutoff), nil
	}, model.BookingExpired)
	return changed, err
}

// transition re-reads the booking under its session lock, asks decide
// whether to move it to status, and settles the ledger when it does.
func (c *Coordinator) transition(ctx context.Context, id uint64, event string,
	decide func(b *model.Booking) (bool, error), status model.BookingStatus) (*model.Booking, bool, error) {

	current, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return nil, false, translate(err)
	}

	var (
		booking *model.Booking
		snap    model.AvailabilitySnapshot
		changed bool
	)
	err = c.locks.withSessionLock(ctx, current.SessionID, func(tx repository.SessionTx) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		booking, changed = b, false
		ok, err := decide(b)
		if err != nil || !ok {
			return err
		}
		if err := tx.UpdateBookingStatus(ctx, id, status); err != nil {
			return err
		}
		if b.Status.OccupiesSpots() && !status.OccupiesSpots() {
			snap, err = c.ledger.Release(ctx, tx, b.Participants)
		} else {
			snap, err = c.ledger.Settle(ctx, tx)
		}
		if err != nil {
			return err
		}
		b.Status = status
		b.UpdatedAt = c.now()
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, translate(err)
	}
	if changed {
		c.log.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"reference":  booking.Reference,
			"session_id": booking.SessionID,
			"status":     booking.Status,
		}).Info("booking updated")
		c.afterCommit(ctx, snap, queue.NewBookingEvent(event, *booking, snap, c.now()))
	}
	return booking, changed, nil
}
