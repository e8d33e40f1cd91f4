package room

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"annosync/internal/model"
)

// Create stores a new annotation with version 1 and broadcasts
// annotation_created to the other members. The server assigns an id when
// the client did not supply one. Requires canWrite.
func (r *Room) Create(c Client, ann model.Annotation) (model.Ack, error) {
	if !c.Permissions().CanWrite {
		return model.Ack{}, ErrPermissionDenied
	}

	r.mu.Lock()
	if ann.ID == "" {
		ann.ID = uuid.NewString()
	}
	now := time.Now()
	ann.DocumentID = r.DocumentID
	ann.CreatedAt = now
	ann.ModifiedAt = now
	rec := &model.Record{
		Annotation: ann,
		Version:    1,
		CreatedBy:  c.UserID(),
		ModifiedBy: c.UserID(),
	}
	r.annotations[ann.ID] = rec
	r.lastActivity = now
	broadcast := *rec
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("annotation created", slog.String("id", ann.ID), slog.String("user", c.UserID()))
	send(peers, model.NewMessage(model.MsgAnnotationCreated, c.UserID(), &broadcast))
	return model.Ack{ID: ann.ID, Version: 1}, nil
}

// Update shallow-merges changes into the stored record under an optimistic
// version check. A stale expectedVersion rejects the operation without
// mutation and returns a ConflictError carrying the authoritative record.
// Requires canWrite or authorship.
func (r *Room) Update(c Client, p model.UpdatePayload) (model.Ack, error) {
	r.mu.Lock()
	rec, ok := r.annotations[p.ID]
	if !ok {
		r.mu.Unlock()
		return model.Ack{}, ErrNotFound
	}
	if !c.Permissions().CanWrite && rec.CreatedBy != c.UserID() {
		r.mu.Unlock()
		return model.Ack{}, ErrPermissionDenied
	}
	if err := r.checkLockLocked(c, p.ID); err != nil {
		r.mu.Unlock()
		return model.Ack{}, err
	}
	if p.ExpectedVersion != nil && *p.ExpectedVersion != rec.Version {
		current := *rec
		r.mu.Unlock()
		return model.Ack{}, &ConflictError{Current: &current, Expected: *p.ExpectedVersion}
	}

	applyChanges(rec, p.Changes)
	rec.ModifiedBy = c.UserID()
	rec.ModifiedAt = time.Now()
	rec.Version++
	r.lastActivity = rec.ModifiedAt

	ack := model.Ack{ID: rec.ID, Version: rec.Version}
	delta := model.UpdateBroadcast{ID: rec.ID, Changes: p.Changes, Version: rec.Version}
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("annotation updated", slog.String("id", ack.ID), slog.Int("version", ack.Version), slog.String("user", c.UserID()))
	send(peers, model.NewMessage(model.MsgAnnotationUpdated, c.UserID(), delta))
	return ack, nil
}

// Delete removes the record and clears any lock on it, so the lock table
// never accumulates orphaned entries. Requires canDelete or authorship.
func (r *Room) Delete(c Client, id string) error {
	r.mu.Lock()
	rec, ok := r.annotations[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !c.Permissions().CanDelete && rec.CreatedBy != c.UserID() {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	if err := r.checkLockLocked(c, id); err != nil {
		r.mu.Unlock()
		return err
	}

	delete(r.annotations, id)
	r.removeLockLocked(id)
	r.lastActivity = time.Now()
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("annotation deleted", slog.String("id", id), slog.String("user", c.UserID()))
	send(peers, model.NewMessage(model.MsgAnnotationDeleted, c.UserID(), model.DeletePayload{ID: id}))
	return nil
}

// checkLockLocked enforces the lock table against mutations only when lock
// enforcement is configured; the default contract is advisory.
func (r *Room) checkLockLocked(c Client, id string) error {
	if !r.opts.LockEnforcement {
		return nil
	}
	lock, ok := r.locks[id]
	if ok && lock.UserID != c.UserID() && time.Now().Before(lock.ExpiresAt) {
		return ErrLockHeld
	}
	return nil
}

// applyChanges replaces each present top-level field wholesale; id,
// version and audit fields are untouchable.
func applyChanges(rec *model.Record, ch model.Changes) {
	if ch.Type != nil {
		rec.Type = *ch.Type
	}
	if ch.Position != nil {
		rec.Position = *ch.Position
	}
	if ch.Content != nil {
		rec.Content = *ch.Content
	}
	if ch.Metadata != nil {
		rec.Metadata = *ch.Metadata
	}
	if ch.Extensions != nil {
		rec.Extensions = ch.Extensions
	}
}
