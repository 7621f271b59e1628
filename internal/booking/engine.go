// Package booking implements the availability engine: the capacity ledger,
// reference generation, the booking coordinator, inquiry holds and the
// expiry sweeper.  All mutations of a session go through one exclusive
// per-session lock taken from the Store.
package booking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/queue"
)

// Config tunes the engine.  Zero values are replaced by DefaultConfig's.
type Config struct {
	// LockAttempts is the number of times a lock timeout is tried before
	// ErrBusy is returned.
	LockAttempts int
	// LockRetryBackoff is the first wait between attempts; it doubles.
	LockRetryBackoff time.Duration
	HoldTTL          time.Duration
	// PendingTTL is how long a PENDING booking may wait for payment.
	PendingTTL    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	// EventTimeout bounds a single broker publish.
	EventTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockAttempts:     3,
		LockRetryBackoff: 100 * time.Millisecond,
		HoldTTL:          24 * time.Hour,
		PendingTTL:       24 * time.Hour,
		SweepInterval:    2 * time.Minute,
		SweepBatch:       200,
		EventTimeout:     3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockAttempts <= 0 {
		c.LockAttempts = d.LockAttempts
	}
	if c.LockRetryBackoff <= 0 {
		c.LockRetryBackoff = d.LockRetryBackoff
	}
	if c.HoldTTL <= 0 {
		c.HoldTTL = d.HoldTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = d.EventTimeout
	}
	return c
}

// Deps are the collaborators shared by the Coordinator, the HoldManager and
// the Sweeper.  Only Store is required.
type Deps struct {
	Store       Store
	Broadcaster Broadcaster
	Events      EventPublisher
	Logger      logrus.FieldLogger
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// engine holds what every mutating component needs.
type engine struct {
	store       Store
	ledger      *Ledger
	refs        *ReferenceGenerator
	locks       *locker
	broadcaster Broadcaster
	events      EventPublisher
	log         logrus.FieldLogger
	now         func() time.Time
	cfg         Config
}

func newEngine(deps Deps, cfg Config) *engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = nopBroadcaster{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	return &engine{
		store:       deps.Store,
		ledger:      NewLedger(deps.Store, deps.Clock),
		refs:        NewReferenceGenerator(deps.Clock, deps.Logger),
		locks:       newLocker(deps.Store, cfg.LockAttempts, cfg.LockRetryBackoff, deps.Logger),
		broadcaster: deps.Broadcaster,
		events:      deps.Events,
		log:         deps.Logger,
		now:         deps.Clock,
		cfg:         cfg,
	}
}

// afterCommit publishes the snapshot and the lifecycle events of a committed
// mutation.  It runs outside the session lock.
func (e *engine) afterCommit(ctx context.Context, snap model.AvailabilitySnapshot, events ...queue.BookingEvent) {
	e.broadcaster.Publish(ctx, snap)

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EventTimeout)
	defer cancel()
	for _, ev := range events {
		if err := e.events.PublishEvent(ectx, ev); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"event":      ev.Type,
				"session_id": ev.SessionID,
				"reference":  ev.Reference,
			}).Warn("publish lifecycle event failed")
		}
	}
}
