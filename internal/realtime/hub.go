package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/model"
)

// Intent lifetime bounds.
const (
	DefaultIntentTTL = 3 * time.Minute
	MinIntentTTL     = time.Second
	MaxIntentTTL     = 5 * time.Minute
)

// ErrInvalidIntent is returned for intents without a session or spots.
var ErrInvalidIntent = errors.New("invalid booking intent")

// SnapshotSource provides baselines for new subscribers.  booking.Ledger
// satisfies it.
type SnapshotSource interface {
	GetAvailability(ctx context.Context, sessionID uint64) (model.AvailabilitySnapshot, error)
}

// Subscriber is the outbound side of one connection.  Messages are queued
// without blocking; a subscriber that falls a full buffer behind is closed
// and must reconnect for a fresh baseline.
type Subscriber struct {
	id     string
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sessions map[uint64]struct{}
}

func NewSubscriber(id, userID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		id:       id,
		userID:   userID,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		sessions: make(map[uint64]struct{}),
	}
}

func (s *Subscriber) ID() string     { return s.id }
func (s *Subscriber) UserID() string { return s.userID }

// Outbound yields encoded frames to write to the connection.
func (s *Subscriber) Outbound() <-chan []byte { return s.send }

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber as gone.  It is safe to call repeatedly.
func (s *Subscriber) Close() { s.once.Do(func() { close(s.done) }) }

// Sessions returns the sessions the subscriber is registered for.
func (s *Subscriber) Sessions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enqueue queues a frame.  It reports false when the subscriber is closed or
// its buffer is full.
func (s *Subscriber) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// topic is the per-session registry.  Its mutex is held while frames are
// queued so every subscriber sees a session's frames in version order.
type topic struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	last    *model.AvailabilitySnapshot
	level   Level
	intents map[string]model.BookingIntent
}

// Hub fans snapshots out to the subscribers of each session.  It never
// touches storage except to fetch a baseline, and never while holding a
// topic lock.
type Hub struct {
	source SnapshotSource
	now    func() time.Time
	ttl    time.Duration
	log    logrus.FieldLogger

	mu     sync.Mutex
	topics map[uint64]*topic
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithIntentTTL sets the default lifetime of intents without an explicit TTL.
func WithIntentTTL(d time.Duration) HubOption {
	return func(h *Hub) { h.ttl = clampTTL(d) }
}

// WithHubClock overrides the clock used for intent expiry.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(source SnapshotSource, log logrus.FieldLogger, opts ...HubOption) *Hub {
	h := &Hub{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
		ttl:    DefaultIntentTTL,
		log:    log,
		topics: make(map[uint64]*topic),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func clampTTL(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultIntentTTL
	case d < MinIntentTTL:
		return MinIntentTTL
	case d > MaxIntentTTL:
		return MaxIntentTTL
	}
	return d
}

func (h *Hub) topic(sessionID uint64) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{}), intents: make(map[string]model.BookingIntent)}
		h.topics[sessionID] = t
	}
	return t
}

// Publish delivers snap to the session's subscribers, followed by a
// threshold event when the fill level rose.  Snapshots not newer than the
// last one seen for the session are dropped.
func (h *Hub) Publish(_ context.Context, snap model.AvailabilitySnapshot) {
	t := h.topic(snap.SessionID)
	t.mu.Lock()
	if t.last != nil && snap.Version <= t.last.Version {
		t.mu.Unlock()
		return
	}
	slow := h.advance(t, snap)
	t.mu.Unlock()

	h.drop(snap.SessionID, slow)
}

// advance makes snap the topic's latest snapshot and queues it, plus a
// threshold event when the level rose, to the current subscribers.  t.mu
// must be held and snap must be newer than t.last.
func (h *Hub) advance(t *topic, snap model.AvailabilitySnapshot) []*Subscriber {
	cp := snap
	t.last = &cp
	prev := t.level
	t.level = LevelOf(snap)

	frames := [][]byte{mustEncode(TypeUpdate, "", snap)}
	if ev := crossed(prev, t.level); ev != "" {
		frames = append(frames, mustEncode(ev, "", snap))
		h.log.WithFields(logrus.Fields{
			"session_id":      snap.SessionID,
			"level":           t.level.String(),
			"percentage_full": snap.PercentageFull,
		}).Info("availability threshold crossed")
	}
	return t.broadcast(frames...)
}

// broadcast queues frames to every subscriber and removes those that
// cannot keep up.  t.mu must be held.
func (t *topic) broadcast(frames ...[]byte) []*Subscriber {
	var slow []*Subscriber
	for sub := range t.subs {
		for _, f := range frames {
			if !sub.Enqueue(f) {
				slow = append(slow, sub)
				delete(t.subs, sub)
				break
			}
		}
	}
	return slow
}

func (h *Hub) drop(sessionID uint64, slow []*Subscriber) {
	for _, sub := range slow {
		sub.mu.Lock()
		delete(sub.sessions, sessionID)
		sub.mu.Unlock()
		sub.Close()
		h.log.WithFields(logrus.Fields{"conn_id": sub.ID(), "session_id": sessionID}).
			Warn("subscriber too slow, disconnected")
	}
}

// Subscribe registers sub for the session and queues, in order: the
// subscribed acknowledgement carrying requestID, the current snapshot, the
// current threshold event if any, and every live intent.
func (h *Hub) Subscribe(ctx context.Context, sub *Subscriber, sessionID uint64, requestID string) error {
	return h.deliverCurrent(ctx, sub, sessionID, requestID, true)
}

// Refresh queues the current snapshot to sub as the reply to requestID
// without changing its subscriptions.
func (h *Hub) Refresh(ctx context.Context, sub *Subscriber, sessionID uint64, requestID string) error {
	return h.deliverCurrent(ctx, sub, sessionID, requestID, false)
}

func (h *Hub) deliverCurrent(ctx context.Context, sub *Subscriber, sessionID uint64, requestID string, subscribe bool) error {
	baseline, err := h.source.GetAvailability(ctx, sessionID)
	if err != nil {
		return err
	}

	t := h.topic(sessionID)
	t.mu.Lock()
	// A baseline can be newer than anything published so far when it is
	// read between a commit and that commit's Publish.  Existing subscribers
	// get it now, since the later Publish will be dropped as stale.
	var slow []*Subscriber
	if t.last == nil || baseline.Version > t.last.Version {
		slow = h.advance(t, baseline)
	}
	current := *t.last

	var frames [][]byte
	if subscribe {
		frames = append(frames, mustEncode(TypeSubscribed, requestID, SessionRef{SessionID: sessionID}),
			mustEncode(TypeUpdate, "", current))
		if ev := t.level.EventType(); ev != "" {
			frames = append(frames, mustEncode(ev, "", current))
		}
		for _, in := range t.liveIntents(h.now()) {
			frames = append(frames, mustEncode(TypeIntentActive, "", in))
		}
	} else {
		frames = append(frames, mustEncode(TypeUpdate, requestID, current))
	}

	ok := true
	for _, f := range frames {
		if !sub.Enqueue(f) {
			ok = false
			break
		}
	}
	if ok && subscribe {
		t.subs[sub] = struct{}{}
	}
	if !ok {
		delete(t.subs, sub)
	}
	t.mu.Unlock()

	h.drop(sessionID, slow)
	if !ok {
		h.drop(sessionID, []*Subscriber{sub})
		return fmt.Errorf("subscriber %s closed", sub.ID())
	}
	if subscribe {
		sub.mu.Lock()
		sub.sessions[sessionID] = struct{}{}
		sub.mu.Unlock()
	}
	return nil
}

// liveIntents prunes expired intents and returns the rest oldest first.
// t.mu must be held.
func (t *topic) liveIntents(now time.Time) []model.BookingIntent {
	out := make([]model.BookingIntent, 0, len(t.intents))
	for id, in := range t.intents {
		if in.Expired(now) {
			delete(t.intents, id)
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Unsubscribe removes sub from the session.
func (h *Hub) Unsubscribe(sub *Subscriber, sessionID uint64) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	h.mu.Unlock()
	if ok {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	sub.mu.Lock()
	delete(sub.sessions, sessionID)
	sub.mu.Unlock()
}

// UnsubscribeAll removes sub from every session it joined.
func (h *Hub) UnsubscribeAll(sub *Subscriber) {
	for _, id := range sub.Sessions() {
		h.Unsubscribe(sub, id)
	}
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID uint64) int {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// PublishIntent records an intent and relays it to the session's
// subscribers.  A missing ID is generated; the lifetime is clamped to
// [MinIntentTTL, MaxIntentTTL].  Intents never affect availability.
func (h *Hub) PublishIntent(_ context.Context, in model.BookingIntent) (model.BookingIntent, error) {
	if in.SessionID == 0 || in.Spots <= 0 {
		return in, fmt.Errorf("%w: session %d spots %d", ErrInvalidIntent, in.SessionID, in.Spots)
	}
	now := h.now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = in.Timestamp.Add(h.ttl)
	} else {
		in.ExpiresAt = in.Timestamp.Add(clampTTL(in.ExpiresAt.Sub(in.Timestamp)))
	}
	if in.Expired(now) {
		return in, nil
	}

	t := h.topic(in.SessionID)
	t.mu.Lock()
	t.liveIntents(now)
	t.intents[in.ID] = in
	slow := t.broadcast(mustEncode(TypeIntentActive, "", in))
	t.mu.Unlock()

	h.drop(in.SessionID, slow)
	return in, nil
}

// CancelIntent withdraws an intent.  It reports whether the intent was live.
func (h *Hub) CancelIntent(_ context.Context, sessionID uint64, intentID string) bool {
	t := h.topic(sessionID)
	t.mu.Lock()
	in, ok := t.intents[intentID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.intents, intentID)
	slow := t.broadcast(mustEncode(TypeIntentCancelled, "", IntentCancelled{
		SessionID: sessionID,
		IntentID:  intentID,
		Spots:     in.Spots,
	}))
	t.mu.Unlock()

	h.drop(sessionID, slow)
	return true
}

// Close disconnects every subscribed subscriber.  Connections without a
// subscription are closed by Server.Close.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.Close()
			delete(t.subs, sub)
		}
		t.mu.Unlock()
	}
}
