package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/course-booking/internal/repository"
)

// locker runs units of work under the exclusive session lock.
type locker struct {
	store    Store
	attempts int
	initial  time.Duration
	log      logrus.FieldLogger
}

func newLocker(store Store, attempts int, initial time.Duration, log logrus.FieldLogger) *locker {
	return &locker{store: store, attempts: attempts, initial: initial, log: log}
}

// withSessionLock locks the session, runs fn and commits if fn returns nil.
// Any error rolls the transaction back.  Lock timeouts and deadlocks, during
// acquisition or later inside fn or at commit, retry the whole unit of work
// with exponential backoff; once attempts are used up ErrBusy is returned.
// A reference taken concurrently by another session's transaction is
// retried the same way with a freshly generated reference, ending in
// ErrReferenceExhausted.  fn must therefore derive everything it writes
// from reads made through tx.  Other errors are returned untranslated.
func (l *locker) withSessionLock(ctx context.Context, sessionID uint64, fn func(tx repository.SessionTx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := l.once(ctx, sessionID, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		switch {
		case errors.Is(err, repository.ErrLockTimeout):
			l.log.WithFields(logrus.Fields{"session_id": sessionID, "attempt": attempt}).
				Debug("session lock busy")
			return err
		case errors.Is(err, repository.ErrDuplicateReference):
			l.log.WithFields(logrus.Fields{"session_id": sessionID, "attempt": attempt}).
				Info("reference taken by a concurrent transaction")
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.attempts-1)), ctx)

	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrLockTimeout) {
		l.log.WithFields(logrus.Fields{"session_id": sessionID, "attempts": attempt}).
			Warn("session lock not acquired")
		return fmt.Errorf("%w: session %d after %d attempts", ErrBusy, sessionID, attempt)
	}
	if errors.Is(err, repository.ErrDuplicateReference) {
		return fmt.Errorf("%w: session %d after %d attempts: %v", ErrReferenceExhausted, sessionID, attempt, err)
	}
	return err
}

func (l *locker) once(ctx context.Context, sessionID uint64, fn func(tx repository.SessionTx) error) error {
	tx, err := l.store.LockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
