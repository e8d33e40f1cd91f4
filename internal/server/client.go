package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"annosync/internal/auth"
	"annosync/internal/model"
)

const writeWait = 10 * time.Second

var errClientGone = errors.New("client disconnected or send buffer full")

// client is one connected room member. Inbound messages are processed
// strictly in arrival order by the read loop; outbound messages go through
// a buffered queue drained by the write pump, so a slow reader never
// blocks a room broadcast.
type client struct {
	id         string
	userID     string
	documentID string
	perms      auth.Permissions
	conn       *websocket.Conn
	logger     *slog.Logger

	send     chan model.Message
	done     chan struct{}
	once     sync.Once
	joinedAt time.Time
	lastSeen atomic.Int64
}

func newClient(conn *websocket.Conn, userID, documentID string, perms auth.Permissions, bufferSize int, logger *slog.Logger) *client {
	c := &client{
		id:         uuid.NewString(),
		userID:     userID,
		documentID: documentID,
		perms:      perms,
		conn:       conn,
		logger:     logger.With(slog.String("user", userID), slog.String("room", documentID)),
		send:       make(chan model.Message, bufferSize),
		done:       make(chan struct{}),
		joinedAt:   time.Now(),
	}
	c.touch()
	return c
}

// UserID implements room.Client.
func (c *client) UserID() string { return c.userID }

// Permissions implements room.Client.
func (c *client) Permissions() auth.Permissions { return c.perms }

// JoinedAt implements room.Client.
func (c *client) JoinedAt() time.Time { return c.joinedAt }

// LastSeen implements room.Client.
func (c *client) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *client) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Send enqueues without blocking. A full queue means the peer stopped
// draining; that is treated identically to a disconnect.
func (c *client) Send(msg model.Message) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping client")
		c.close()
		return errClientGone
	}
}

// close makes the pumps exit and closes the socket so a blocked
// ReadMessage returns and the read loop's cleanup runs; idempotent. A
// dropped client is indistinguishable from one that disconnected.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closeWith sends a close control frame before tearing the client down.
func (c *client) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

// writePump owns all writes to the socket: queued messages plus the
// heartbeat push on its fixed interval.
func (c *client) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(model.NewMessage(model.MsgHeartbeat, "", nil)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
