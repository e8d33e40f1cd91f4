package room

import (
	"log/slog"
	"time"

	"annosync/internal/model"
)

// AcquireLock grants or renews an advisory edit lock with a fresh TTL. If
// another user holds a live lock the request is denied outright — no
// queueing, no override. The lock table is a UX signal ("someone else is
// editing this"); unless enforcement is configured it is not consulted by
// update or delete.
func (r *Room) AcquireLock(c Client, annotationID, lockType string) (*model.Lock, error) {
	r.mu.Lock()
	if _, ok := r.annotations[annotationID]; !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if existing, ok := r.locks[annotationID]; ok && existing.UserID != c.UserID() {
		denied := *existing
		r.mu.Unlock()
		return nil, &LockDeniedError{Lock: denied}
	}

	now := time.Now()
	lock := &model.Lock{
		AnnotationID: annotationID,
		UserID:       c.UserID(),
		LockType:     lockType,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(r.opts.LockTTL),
	}
	r.locks[annotationID] = lock

	// Renewal resets the auto-release clock.
	if t, ok := r.lockTimers[annotationID]; ok {
		t.Stop()
	}
	expiry := lock.ExpiresAt
	r.lockTimers[annotationID] = time.AfterFunc(r.opts.LockTTL, func() {
		r.expireLock(annotationID, expiry)
	})

	r.lastActivity = now
	granted := *lock
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("lock acquired", slog.String("annotation", annotationID), slog.String("user", c.UserID()))
	send(peers, model.NewMessage(model.MsgLockAcquired, c.UserID(), granted))
	return &granted, nil
}

// ReleaseLock removes the entry if the requester is the recorded holder
// and broadcasts lock_released.
func (r *Room) ReleaseLock(c Client, annotationID string) error {
	r.mu.Lock()
	lock, ok := r.locks[annotationID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if lock.UserID != c.UserID() {
		r.mu.Unlock()
		return ErrPermissionDenied
	}

	released := *lock
	r.removeLockLocked(annotationID)
	r.lastActivity = time.Now()
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("lock released", slog.String("annotation", annotationID), slog.String("user", c.UserID()))
	send(peers, model.NewMessage(model.MsgLockReleased, c.UserID(), released))
	return nil
}

// expireLock is the TTL auto-release. The expiry snapshot guards against
// racing a renewal: a renewed lock has a later ExpiresAt and survives.
func (r *Room) expireLock(annotationID string, expiry time.Time) {
	r.mu.Lock()
	lock, ok := r.locks[annotationID]
	if !ok || lock.ExpiresAt.After(expiry) {
		r.mu.Unlock()
		return
	}
	released := *lock
	r.removeLockLocked(annotationID)
	peers := r.peersLocked(nil)
	r.mu.Unlock()

	r.logger.Info("lock expired", slog.String("annotation", annotationID), slog.String("user", released.UserID))
	send(peers, model.NewMessage(model.MsgLockReleased, released.UserID, released))
}

// removeLockLocked drops the entry and stops its timer. Callers hold r.mu.
func (r *Room) removeLockLocked(annotationID string) {
	delete(r.locks, annotationID)
	if t, ok := r.lockTimers[annotationID]; ok {
		t.Stop()
		delete(r.lockTimers, annotationID)
	}
}
