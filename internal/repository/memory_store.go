package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iliyamo/course-booking/internal/model"
)

// MemoryStore is an in-process implementation of the booking engine's
// storage.  Each session has its own lock (a one-slot semaphore) with a
// bounded wait, mirroring the row lock semantics of Store.  Writes made
// through a SessionTx are buffered and applied atomically on Commit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uint64]*model.CourseSession
	bookings map[uint64]*model.Booking
	holds    map[uint64]*model.InquiryHold

	locksMu sync.Mutex
	locks   map[uint64]chan struct{}

	seq         atomic.Uint64
	lockTimeout time.Duration
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout bounds how long LockSession waits for a busy session.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lockTimeout = d }
}

// WithClock overrides the clock used for updated_at timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty MemoryStore.  The default lock wait is
// five seconds.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions:    make(map[uint64]*model.CourseSession),
		bookings:    make(map[uint64]*model.Booking),
		holds:       make(map[uint64]*model.InquiryHold),
		locks:       make(map[uint64]chan struct{}),
		lockTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSession stores a copy of sess, assigning an ID when it is zero, and
// returns the stored value.
func (s *MemoryStore) AddSession(sess model.CourseSession) model.CourseSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == 0 {
		sess.ID = s.seq.Add(1)
	}
	if sess.Status == "" {
		sess.Status = model.SessionScheduled
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	cp := sess
	s.sessions[sess.ID] = &cp
	return sess
}

func (s *MemoryStore) semaphore(sessionID uint64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	sem, ok := s.locks[sessionID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[sessionID] = sem
	}
	return sem
}

// LockSession acquires the session's lock, waiting at most the configured
// lock timeout, and returns a unit of work scoped to it.
func (s *MemoryStore) LockSession(ctx context.Context, sessionID uint64) (SessionTx, error) {
	s.mu.RLock()
	_, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sem := s.semaphore(sessionID)
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memTx{
		store:         s,
		sessionID:     sessionID,
		release:       func() { <-sem },
		bookingStatus: make(map[uint64]model.BookingStatus),
		holdPatches:   make(map[uint64]holdPatch),
	}, nil
}

func (s *MemoryStore) ReadSession(_ context.Context, sessionID uint64) (*model.CourseSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ReadBookedSpots(_ context.Context, sessionID uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return 0, ErrSessionNotFound
	}
	n := 0
	for _, b := range s.bookings {
		if b.SessionID == sessionID && b.Status.OccupiesSpots() {
			n += b.Participants
		}
	}
	for _, h := range s.holds {
		if h.SessionID == sessionID && h.Status == model.HoldActive {
			n += h.Participants
		}
	}
	return n, nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id uint64) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) FindBookingByIdempotencyKey(_ context.Context, key string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bookings {
		if b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (s *MemoryStore) GetHold(_ context.Context, id uint64) (*model.InquiryHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]model.InquiryHold, error) {
	s.mu.RLock()
	var out []model.InquiryHold
	for _, h := range s.holds {
		if h.Status == model.HoldActive && h.ExpiresAt.Before(now) {
			out = append(out, *h)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStalePendingBookings(_ context.Context, cutoff time.Time, limit int) ([]model.Booking, error) {
	s.mu.RLock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.Status == model.BookingPending && b.CreatedAt.Before(cutoff) {
			out = append(out, *b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

type holdPatch struct {
	status    model.HoldStatus
	bookingID *uint64
}

// memTx buffers writes against one locked session.  Reads overlay the
// buffered writes on the committed state.
type memTx struct {
	store     *MemoryStore
	sessionID uint64
	release   func()
	done      bool

	newBookings   []*model.Booking
	newHolds      []*model.InquiryHold
	bookingStatus map[uint64]model.BookingStatus
	holdPatches   map[uint64]holdPatch
	participants  *int
	version       *uint64
}

func (t *memTx) SessionID() uint64 { return t.sessionID }

// booking returns the overlaid view of a booking.  Caller holds store.mu.
func (t *memTx) booking(id uint64) (*model.Booking, bool) {
	for _, b := range t.newBookings {
		if b.ID == id {
			cp := *b
			return &cp, true
		}
	}
	b, ok := t.store.bookings[id]
	if !ok {
		return nil, false
	}
	cp := *b
	if st, ok := t.bookingStatus[id]; ok {
		cp.Status = st
	}
	return &cp, true
}

// hold returns the overlaid view of a hold.  Caller holds store.mu.
func (t *memTx) hold(id uint64) (*model.InquiryHold, bool) {
	var cp model.InquiryHold
	found := false
	for _, h := range t.newHolds {
		if h.ID == id {
			cp, found = *h, true
		}
	}
	if !found {
		h, ok := t.store.holds[id]
		if !ok {
			return nil, false
		}
		cp = *h
	}
	if p, ok := t.holdPatches[id]; ok {
		cp.Status = p.status
		if p.bookingID != nil {
			cp.BookingID = p.bookingID
		}
	}
	return &cp, true
}

// allBookings returns overlaid bookings for every session.  Caller holds
// store.mu.
func (t *memTx) allBookings() []*model.Booking {
	out := make([]*model.Booking, 0, len(t.store.bookings)+len(t.newBookings))
	for id := range t.store.bookings {
		b, _ := t.booking(id)
		out = append(out, b)
	}
	for _, b := range t.newBookings {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

func (t *memTx) allHolds() []*model.InquiryHold {
	out := make([]*model.InquiryHold, 0, len(t.store.holds)+len(t.newHolds))
	for id := range t.store.holds {
		h, _ := t.hold(id)
		out = append(out, h)
	}
	for _, h := range t.newHolds {
		cp, _ := t.hold(h.ID)
		out = append(out, cp)
	}
	return out
}

func (t *memTx) ReadSession(context.Context) (*model.CourseSession, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	sess, ok := t.store.sessions[t.sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	if t.participants != nil {
		cp.CurrentParticipants = *t.participants
	}
	if t.version != nil {
		cp.Version = *t.version
	}
	return &cp, nil
}

func (t *memTx) ReadBookedSpots(context.Context) (int, error) {
	if t.done {
		return 0, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	n := 0
	for _, b := range t.allBookings() {
		if b.SessionID == t.sessionID && b.Status.OccupiesSpots() {
			n += b.Participants
		}
	}
	for _, h := range t.allHolds() {
		if h.SessionID == t.sessionID && h.Status == model.HoldActive {
			n += h.Participants
		}
	}
	return n, nil
}

func (t *memTx) ReferenceExists(_ context.Context, ref string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.referenceTaken(ref), nil
}

// referenceCommitted reports whether a committed booking or hold uses ref.
// s.mu must be held.
func (s *MemoryStore) referenceCommitted(ref string) bool {
	for _, b := range s.bookings {
		if b.Reference == ref {
			return true
		}
	}
	for _, h := range s.holds {
		if h.Reference == ref {
			return true
		}
	}
	return false
}

func (t *memTx) referenceTaken(ref string) bool {
	for _, b := range t.allBookings() {
		if b.Reference == ref {
			return true
		}
	}
	for _, h := range t.allHolds() {
		if h.Reference == ref {
			return true
		}
	}
	return false
}

func (t *memTx) FindBookingByIdempotencyKey(_ context.Context, key string) (*model.Booking, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, b := range t.allBookings() {
		if b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			return b, nil
		}
	}
	return nil, ErrBookingNotFound
}

func (t *memTx) GetBooking(_ context.Context, id uint64) (*model.Booking, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.booking(id)
	if !ok {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

func (t *memTx) GetHold(_ context.Context, id uint64) (*model.InquiryHold, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	h, ok := t.hold(id)
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h, nil
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.referenceTaken(b.Reference) {
		return ErrDuplicateReference
	}
	if b.IdempotencyKey != nil {
		for _, other := range t.allBookings() {
			if other.IdempotencyKey != nil && *other.IdempotencyKey == *b.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	b.ID = t.store.seq.Add(1)
	b.SessionID = t.sessionID
	cp := *b
	t.newBookings = append(t.newBookings, &cp)
	return nil
}

func (t *memTx) InsertHold(_ context.Context, h *model.InquiryHold) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if t.referenceTaken(h.Reference) {
		return ErrDuplicateReference
	}
	h.ID = t.store.seq.Add(1)
	h.SessionID = t.sessionID
	cp := *h
	t.newHolds = append(t.newHolds, &cp)
	return nil
}

func (t *memTx) UpdateBookingStatus(_ context.Context, id uint64, status model.BookingStatus) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, b := range t.newBookings {
		if b.ID == id {
			b.Status = status
			return nil
		}
	}
	if _, ok := t.store.bookings[id]; !ok {
		return ErrBookingNotFound
	}
	t.bookingStatus[id] = status
	return nil
}

func (t *memTx) UpdateHoldStatus(_ context.Context, id uint64, status model.HoldStatus, bookingID *uint64) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if _, ok := t.hold(id); !ok {
		return ErrHoldNotFound
	}
	p := t.holdPatches[id]
	p.status = status
	if bookingID != nil {
		bid := *bookingID
		p.bookingID = &bid
	}
	t.holdPatches[id] = p
	return nil
}

func (t *memTx) SyncParticipants(context.Context) (int, error) {
	if t.done {
		return 0, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	n := 0
	for _, b := range t.allBookings() {
		if b.SessionID == t.sessionID && b.Status.Committed() {
			n += b.Participants
		}
	}
	t.participants = &n
	return n, nil
}

func (t *memTx) BumpVersion(context.Context) (uint64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v := t.store.sessions[t.sessionID].Version
	if t.version != nil {
		v = *t.version
	}
	v++
	t.version = &v
	return v, nil
}

// Commit applies the buffered writes atomically and releases the lock.
// Idempotency keys are re-checked here because two different sessions
// can insert the same key concurrently.
func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	// uncommitted inserts of other sessions were invisible until now
	for _, b := range t.newBookings {
		if s.referenceCommitted(b.Reference) {
			return ErrDuplicateReference
		}
	}
	for _, h := range t.newHolds {
		if s.referenceCommitted(h.Reference) {
			return ErrDuplicateReference
		}
	}
	for _, b := range t.newBookings {
		if b.IdempotencyKey == nil {
			continue
		}
		for _, other := range s.bookings {
			if other.IdempotencyKey != nil && *other.IdempotencyKey == *b.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	now := s.now()
	for id, st := range t.bookingStatus {
		if b, ok := s.bookings[id]; ok {
			b.Status = st
			b.UpdatedAt = now
		}
	}
	for _, b := range t.newBookings {
		s.bookings[b.ID] = b
	}
	for _, h := range t.newHolds {
		s.holds[h.ID] = h
	}
	for id, p := range t.holdPatches {
		if h, ok := s.holds[id]; ok {
			h.Status = p.status
			if p.bookingID != nil {
				h.BookingID = p.bookingID
			}
			h.UpdatedAt = now
		}
	}
	sess := s.sessions[t.sessionID]
	if t.participants != nil {
		sess.CurrentParticipants = *t.participants
	}
	if t.version != nil {
		sess.Version = *t.version
	}
	if t.participants != nil || t.version != nil {
		sess.UpdatedAt = now
	}
	return nil
}

// Rollback discards buffered writes and releases the lock.  It is a no-op
// after Commit.
func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}
