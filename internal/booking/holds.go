package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
	"github.com/iliyamo/course-booking/internal/repository"
)

const maxHoldMessageLen = 4000

// HoldRequest is an inquiry submitted instead of an immediate checkout.
type HoldRequest struct {
	SessionID    uint64
	Participants int
	Contact      model.Contact
	Message      string
}

func (r *HoldRequest) validate() error {
	if r.SessionID == 0 {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	if r.Participants <= 0 {
		return fmt.Errorf("%w: participants must be at least 1", ErrInvalidArgument)
	}
	r.Message = strings.TrimSpace(r.Message)
	if len(r.Message) > maxHoldMessageLen {
		return fmt.Errorf("%w: message longer than %d bytes", ErrInvalidArgument, maxHoldMessageLen)
	}
	return validateContact(&r.Contact)
}

// HoldManager owns inquiry holds.  An ACTIVE hold occupies spots exactly
// like a PENDING booking until it is converted, expired or cancelled.
type HoldManager struct {
	*engine
}

func NewHoldManager(deps Deps, cfg Config) *HoldManager {
	return &HoldManager{engine: newEngine(deps, cfg)}
}

// CreateHold reserves spots for HoldTTL under the same lock and capacity
// check as CreateBooking.
func (m *HoldManager) CreateHold(ctx context.Context, req HoldRequest) (*model.InquiryHold, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var (
		hold *model.InquiryHold
		snap model.AvailabilitySnapshot
	)
	err := m.locks.withSessionLock(ctx, req.SessionID, func(tx repository.SessionTx) error {
		ok, before, err := m.ledger.TryReserve(ctx, tx, req.Participants)
		if err != nil {
			return err
		}
		if !ok {
			return &CapacityError{SessionID: req.SessionID, Requested: req.Participants, Available: before.AvailableSpots}
		}
		ref, err := m.refs.Generate(ctx, PrefixHold, tx.ReferenceExists)
		if err != nil {
			return err
		}
		now := m.now()
		h := &model.InquiryHold{
			Reference:    ref,
			Participants: req.Participants,
			Status:       model.HoldActive,
			Contact:      req.Contact,
			Message:      req.Message,
			ExpiresAt:    now.Add(m.cfg.HoldTTL),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		if snap, err = m.ledger.Settle(ctx, tx); err != nil {
			return err
		}
		hold = h
		return nil
	})
	log := m.log.WithFields(logrus.Fields{"session_id": req.SessionID, "participants": req.Participants})
	if err != nil {
		var ce *CapacityError
		if errors.As(err, &ce) {
			log.WithField("available", ce.Available).Info("hold rejected: capacity exceeded")
			return nil, err
		}
		return nil, translate(err)
	}
	log.WithFields(logrus.Fields{"hold_id": hold.ID, "reference": hold.Reference}).Info("hold created")
	m.afterCommit(ctx, snap, queue.NewHoldEvent(queue.HoldCreated, *hold, snap, m.now()))
	return hold, nil
}

// GetHold returns a hold by id.
func (m *HoldManager) GetHold(ctx context.Context, id uint64) (*model.InquiryHold, error) {
	h, err := m.store.GetHold(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return h, nil
}

// ConvertHold turns an ACTIVE hold into a booking for the same spots.  The
// spots are already reserved, so capacity is not checked again.  A hold
// past its expiry is expired on the spot and ErrHoldNotActive returned.
func (m *HoldManager) ConvertHold(ctx context.Context, holdID uint64, paymentCaptured bool) (*model.Booking, error) {
	current, err := m.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, translate(err)
	}

	var (
		hold    *model.InquiryHold
		booking *model.Booking
		snap    model.AvailabilitySnapshot
		expired bool
	)
	err = m.locks.withSessionLock(ctx, current.SessionID, func(tx repository.SessionTx) error {
		booking, expired = nil, false
		h, err := tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		hold = h
		if h.Status != model.HoldActive {
			return fmt.Errorf("%w: hold %s is %s", ErrHoldNotActive, h.Reference, h.Status)
		}
		now := m.now()
		if h.Overdue(now) {
			if err := tx.UpdateHoldStatus(ctx, h.ID, model.HoldExpired, nil); err != nil {
				return err
			}
			if snap, err = m.ledger.Release(ctx, tx, h.Participants); err != nil {
				return err
			}
			h.Status, h.UpdatedAt = model.HoldExpired, now
			expired = true
			return nil
		}

		sess, err := tx.ReadSession(ctx)
		if err != nil {
			return err
		}
		ref, err := m.refs.Generate(ctx, PrefixBooking, tx.ReferenceExists)
		if err != nil {
			return err
		}
		hid := h.ID
		b := &model.Booking{
			Reference:        ref,
			Participants:     h.Participants,
			Status:           model.BookingPending,
			Contact:          h.Contact,
			HoldID:           &hid,
			TotalAmountCents: model.TotalAmount(h.Participants, sess.PriceCents),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if paymentCaptured {
			b.Status = model.BookingConfirmed
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if err := tx.UpdateHoldStatus(ctx, h.ID, model.HoldConverted, &b.ID); err != nil {
			return err
		}
		if snap, err = m.ledger.Settle(ctx, tx); err != nil {
			return err
		}
		bookingID := b.ID
		h.Status, h.BookingID, h.UpdatedAt = model.HoldConverted, &bookingID, now
		booking = b
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	log := m.log.WithFields(logrus.Fields{"hold_id": hold.ID, "reference": hold.Reference, "session_id": hold.SessionID})
	if expired {
		log.Info("hold expired at conversion")
		m.afterCommit(ctx, snap, queue.NewHoldEvent(queue.HoldExpired, *hold, snap, m.now()))
		return nil, fmt.Errorf("%w: hold %s expired at %s", ErrHoldNotActive, hold.Reference, hold.ExpiresAt.Format(time.RFC3339))
	}
	log.WithFields(logrus.Fields{"booking_id": booking.ID, "booking_reference": booking.Reference}).Info("hold converted")
	m.afterCommit(ctx, snap,
		queue.NewHoldEvent(queue.HoldConverted, *hold, snap, m.now()),
		queue.NewBookingEvent(queue.BookingCreated, *booking, snap, m.now()))
	return booking, nil
}

// ExpireHold moves an ACTIVE hold to EXPIRED and releases its spots.
func (m *HoldManager) ExpireHold(ctx context.Context, holdID uint64) (*model.InquiryHold, error) {
	return m.release(ctx, holdID, model.HoldExpired, queue.HoldExpired)
}

// CancelHold moves an ACTIVE hold to CANCELLED and releases its spots.
func (m *HoldManager) CancelHold(ctx context.Context, holdID uint64) (*model.InquiryHold, error) {
	return m.release(ctx, holdID, model.HoldCancelled, queue.HoldCancelled)
}

func (m *HoldManager) release(ctx context.Context, holdID uint64, status model.HoldStatus, event string) (*model.InquiryHold, error) {
	current, err := m.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, translate(err)
	}
	var (
		hold *model.InquiryHold
		snap model.AvailabilitySnapshot
	)
	err = m.locks.withSessionLock(ctx, current.SessionID, func(tx repository.SessionTx) error {
		h, err := tx.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status != model.HoldActive {
			return fmt.Errorf("%w: hold %s is %s", ErrHoldNotActive, h.Reference, h.Status)
		}
		if err := tx.UpdateHoldStatus(ctx, h.ID, status, nil); err != nil {
			return err
		}
		if snap, err = m.ledger.Release(ctx, tx, h.Participants); err != nil {
			return err
		}
		h.Status, h.UpdatedAt = status, m.now()
		hold = h
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	m.log.WithFields(logrus.Fields{
		"hold_id":    hold.ID,
		"reference":  hold.Reference,
		"session_id": hold.SessionID,
		"status":     hold.Status,
	}).Info("hold released")
	m.afterCommit(ctx, snap, queue.NewHoldEvent(event, *hold, snap, m.now()))
	return hold, nil
}
