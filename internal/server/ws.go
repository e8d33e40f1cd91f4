package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"annosync/internal/auth"
	"annosync/internal/model"
	"annosync/internal/room"
)

const authorizeTimeout = 5 * time.Second

// handleWebsocket runs the join handshake: query parameters are validated,
// the token is resolved to a permission set once, and only then does the
// client enter a room and receive the state snapshot. Handshake failures
// close the channel with a policy-violation code and create no state.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	q := r.URL.Query()
	documentID := q.Get("documentId")
	userID := q.Get("userId")
	token := q.Get("token")

	if documentID == "" || userID == "" {
		s.rejectHandshake(conn, websocket.ClosePolicyViolation, "documentId and userId are required")
		return
	}

	// The one async step in the pipeline. The read loop has not started,
	// so no client message can overtake its own join.
	ctx, cancel := context.WithTimeout(r.Context(), authorizeTimeout)
	perms, err := s.authorizer.Authorize(ctx, documentID, userID, token)
	cancel()
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.rejectHandshake(conn, websocket.ClosePolicyViolation, "unauthorized")
		} else {
			s.logger.Error("authorize", slog.String("error", err.Error()))
			s.rejectHandshake(conn, websocket.CloseInternalServerErr, "authorization unavailable")
		}
		return
	}
	if !perms.CanRead {
		s.rejectHandshake(conn, websocket.ClosePolicyViolation, "read permission denied")
		return
	}

	c := newClient(conn, userID, documentID, perms, s.cfg.SendBufferSize, s.logger)
	s.registerClient(c)

	// Join enqueues room_state as the first frame in the client's queue.
	rm, _ := s.rooms.Join(documentID, c)
	go c.writePump(s.cfg.HeartbeatInterval)

	// Block until the read loop exits so cleanup executes reliably.
	s.readLoop(c, rm)
}

func (s *Server) rejectHandshake(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readLoop processes one client's messages strictly in arrival order.
func (s *Server) readLoop(c *client, rm *room.Room) {
	defer func() {
		c.close()
		s.rooms.Leave(rm, c)
		s.unregisterClient(c)
	}()

	c.conn.SetReadLimit(s.cfg.MaxMessageSize)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed message envelope")
			continue
		}
		s.metrics.messages.WithLabelValues(msg.Type).Inc()
		s.dispatch(c, rm, msg)
	}
}

func (s *Server) dispatch(c *client, rm *room.Room, msg model.Message) {
	switch msg.Type {
	case model.MsgHeartbeat:
		_ = c.Send(model.NewMessage(model.MsgHeartbeatAck, "", nil))

	case model.MsgAnnotationCreate:
		var ann model.Annotation
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed annotation")
			return
		}
		ack, err := rm.Create(c, ann)
		if err != nil {
			s.sendOpError(c, err)
			return
		}
		_ = c.Send(model.NewMessage(model.MsgAnnotationCreateAck, "", ack))

	case model.MsgAnnotationUpdate:
		var p model.UpdatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ID == "" {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed update payload")
			return
		}
		ack, err := rm.Update(c, p)
		if err != nil {
			s.sendOpError(c, err)
			return
		}
		_ = c.Send(model.NewMessage(model.MsgAnnotationUpdateAck, "", ack))

	case model.MsgAnnotationDelete:
		var p model.DeletePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ID == "" {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed delete payload")
			return
		}
		if err := rm.Delete(c, p.ID); err != nil {
			s.sendOpError(c, err)
			return
		}
		_ = c.Send(model.NewMessage(model.MsgAnnotationDeleteAck, "", p))

	case model.MsgLockAcquire:
		var p model.LockPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.AnnotationID == "" {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed lock payload")
			return
		}
		lock, err := rm.AcquireLock(c, p.AnnotationID, p.LockType)
		if err != nil {
			s.sendOpError(c, err)
			return
		}
		_ = c.Send(model.NewMessage(model.MsgLockAcquired, c.userID, lock))

	case model.MsgLockRelease:
		var p model.LockPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.AnnotationID == "" {
			s.sendError(c, model.ErrCodeInvalidMessage, "malformed lock payload")
			return
		}
		if err := rm.ReleaseLock(c, p.AnnotationID); err != nil {
			s.sendOpError(c, err)
			return
		}
		_ = c.Send(model.NewMessage(model.MsgLockReleased, c.userID, model.LockPayload{AnnotationID: p.AnnotationID}))

	case model.MsgCursorMove:
		// Fire and forget; no persistence, no ack.
		rm.Relay(c, model.NewMessage(model.MsgCursorMoved, c.userID, msg.Data))

	default:
		s.sendError(c, model.ErrCodeInvalidMessage, "unknown message type "+msg.Type)
	}
}

// sendOpError maps engine errors onto their wire form. Conflicts and lock
// denials have dedicated message types; everything else is an error
// message. The connection stays open in all cases.
func (s *Server) sendOpError(c *client, err error) {
	var conflict *room.ConflictError
	var denied *room.LockDeniedError
	switch {
	case errors.As(err, &conflict):
		_ = c.Send(model.NewMessage(model.MsgConflict, "", model.ConflictPayload{
			Annotation:      conflict.Current,
			CurrentVersion:  conflict.Current.Version,
			ExpectedVersion: conflict.Expected,
		}))
	case errors.As(err, &denied):
		_ = c.Send(model.NewMessage(model.MsgLockDenied, "", model.LockDeniedPayload{
			AnnotationID:  denied.Lock.AnnotationID,
			CurrentHolder: denied.Lock.UserID,
			LockType:      denied.Lock.LockType,
		}))
	case errors.Is(err, room.ErrNotFound):
		s.sendError(c, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, room.ErrPermissionDenied):
		s.sendError(c, model.ErrCodePermissionDenied, err.Error())
	case errors.Is(err, room.ErrLockHeld):
		s.sendError(c, model.ErrCodeLockHeld, err.Error())
	default:
		s.logger.Error("operation failed", slog.String("error", err.Error()))
		s.sendError(c, model.ErrCodeInternal, "internal error")
	}
}

func (s *Server) sendError(c *client, code, message string) {
	_ = c.Send(model.NewMessage(model.MsgError, "", model.ErrorPayload{Code: code, Message: message}))
}
