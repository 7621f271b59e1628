package booking

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepResult counts what one pass released.
type SweepResult struct {
	HoldsExpired    int `json:"holds_expired"`
	BookingsExpired int `json:"bookings_expired"`
	Failures        int `json:"failures"`
}

// Sweeper periodically expires overdue inquiry holds and PENDING bookings
// older than the pending window.  Each record goes through the same session
// lock as a booking request; one failing record never stops the pass.
type Sweeper struct {
	store    Store
	bookings *Coordinator
	holds    *HoldManager
	interval time.Duration
	pending  time.Duration
	batch    int
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewSweeper(bookings *Coordinator, holds *HoldManager) *Sweeper {
	e := bookings.engine
	return &Sweeper{
		store:    e.store,
		bookings: bookings,
		holds:    holds,
		interval: e.cfg.SweepInterval,
		pending:  e.cfg.PendingTTL,
		batch:    e.cfg.SweepBatch,
		now:      e.now,
		log:      e.log.WithField("component", "sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.WithField("interval", s.interval).Info("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return nil
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns what it did.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	holds, err := s.store.ListExpiredHolds(ctx, now, s.batch)
	if err != nil {
		s.log.WithError(err).Error("list expired holds failed")
		res.Failures++
	}
	for _, h := range holds {
		if ctx.Err() != nil {
			return res
		}
		_, err := s.holds.ExpireHold(ctx, h.ID)
		switch {
		case err == nil:
			res.HoldsExpired++
		case errors.Is(err, ErrHoldNotActive):
			// converted or cancelled since it was listed
		default:
			res.Failures++
			s.log.WithError(err).WithFields(logrus.Fields{"hold_id": h.ID, "session_id": h.SessionID}).
				Warn("expire hold failed")
		}
	}

	cutoff := now.Add(-s.pending)
	bookings, err := s.store.ListStalePendingBookings(ctx, cutoff, s.batch)
	if err != nil {
		s.log.WithError(err).Error("list stale pending bookings failed")
		res.Failures++
	}
	for _, b := range bookings {
		if ctx.Err() != nil {
			return res
		}
		expired, err := s.bookings.ExpireBooking(ctx, b.ID, cutoff)
		if err != nil {
			res.Failures++
			s.log.WithError(err).WithFields(logrus.Fields{"booking_id": b.ID, "session_id": b.SessionID}).
				Warn("expire booking failed")
			continue
		}
		if expired {
			res.BookingsExpired++
		}
	}

	if res.HoldsExpired+res.BookingsExpired+res.Failures > 0 {
		s.log.WithFields(logrus.Fields{
			"holds_expired":    res.HoldsExpired,
			"bookings_expired": res.BookingsExpired,
			"failures":         res.Failures,
		}).Info("sweep finished")
	}
	return res
}
