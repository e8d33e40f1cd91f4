package model

import (
	"encoding/json"
	"time"
)

// Message is the envelope every frame on the sync channel uses.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client to server message types.
const (
	MsgAnnotationCreate = "annotation_create"
	MsgAnnotationUpdate = "annotation_update"
	MsgAnnotationDelete = "annotation_delete"
	MsgLockAcquire      = "lock_acquire"
	MsgLockRelease      = "lock_release"
	MsgCursorMove       = "cursor_move"
	MsgHeartbeat        = "heartbeat"
)

// Server to client message types.
const (
	MsgRoomState           = "room_state"
	MsgAnnotationCreated   = "annotation_created"
	MsgAnnotationUpdated   = "annotation_updated"
	MsgAnnotationDeleted   = "annotation_deleted"
	MsgAnnotationCreateAck = "annotation_create_ack"
	MsgAnnotationUpdateAck = "annotation_update_ack"
	MsgAnnotationDeleteAck = "annotation_delete_ack"
	MsgConflict            = "conflict"
	MsgLockAcquired        = "lock_acquired"
	MsgLockDenied          = "lock_denied"
	MsgLockReleased        = "lock_released"
	MsgCursorMoved         = "cursor_moved"
	MsgUserJoined          = "user_joined"
	MsgUserLeft            = "user_left"
	MsgHeartbeatAck        = "heartbeat_ack"
	MsgError               = "error"
)

// NewMessage wraps a payload in an envelope stamped with the current time.
// Marshalling own payload types cannot fail, so the error is swallowed;
// a nil payload produces an envelope without data.
func NewMessage(msgType, userID string, payload any) Message {
	msg := Message{
		Type:      msgType,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			msg.Data = data
		}
	}
	return msg
}

// Lock is a short-lived advisory edit lock on one annotation. At most one
// live lock exists per annotation id.
type Lock struct {
	AnnotationID string    `json:"annotationId"`
	UserID       string    `json:"userId"`
	LockType     string    `json:"lockType"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Presence describes one live room member.
type Presence struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// RoomState is the full snapshot sent to a client on join.
type RoomState struct {
	Annotations map[string]*Record `json:"annotations"`
	ActiveUsers []Presence         `json:"activeUsers"`
	Locks       map[string]*Lock   `json:"locks"`
}

// UpdatePayload carries an annotation_update request. ExpectedVersion is
// the client's optimistic-concurrency guard; nil skips the version check.
type UpdatePayload struct {
	ID              string  `json:"id"`
	Changes         Changes `json:"changes"`
	ExpectedVersion *int    `json:"expectedVersion,omitempty"`
}

// DeletePayload carries an annotation_delete or lock request target.
type DeletePayload struct {
	ID string `json:"id"`
}

// LockPayload carries a lock_acquire or lock_release request.
type LockPayload struct {
	AnnotationID string `json:"annotationId"`
	LockType     string `json:"lockType,omitempty"`
}

// Ack acknowledges a successful mutation to its sender.
type Ack struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// UpdateBroadcast is the delta fanned out after an accepted update.
type UpdateBroadcast struct {
	ID      string  `json:"id"`
	Changes Changes `json:"changes"`
	Version int     `json:"version"`
}

// ConflictPayload carries the authoritative record back to a client whose
// expectedVersion was stale. Resolution is entirely client-driven.
type ConflictPayload struct {
	Annotation      *Record `json:"annotation"`
	CurrentVersion  int     `json:"currentVersion"`
	ExpectedVersion int     `json:"expectedVersion"`
}

// LockDeniedPayload names the current holder of a contested lock.
type LockDeniedPayload struct {
	AnnotationID  string `json:"annotationId"`
	CurrentHolder string `json:"currentHolder"`
	LockType      string `json:"lockType"`
}

// UserPayload carries presence change notifications.
type UserPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is the structured form every recoverable error takes on the
// wire; the connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes delivered in ErrorPayload.
const (
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeLockHeld         = "LOCK_HELD"
	ErrCodeInternal         = "INTERNAL"
)

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status    string `json:"status"`
	Rooms     int    `json:"rooms"`
	Clients   int    `json:"clients"`
	Timestamp int64  `json:"timestamp"`
}
