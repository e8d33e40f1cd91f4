// Package room holds the in-memory session state for one document: the
// authoritative annotation map, the advisory lock table, and the connected
// client set. A room exclusively owns its maps; nothing outside the package
// retains a reference to them.
package room

import (
	"log/slog"
	"sync"
	"time"

	"annosync/internal/auth"
	"annosync/internal/model"
)

// Client is a connected room member. Send must not block: implementations
// enqueue onto a buffered outbound queue and fail fast when it is closed or
// full, which the connection layer treats as a disconnect.
type Client interface {
	UserID() string
	Permissions() auth.Permissions
	LastSeen() time.Time
	JoinedAt() time.Time
	Send(msg model.Message) error
}

// Options tunes room behavior; zero values fall back to the defaults noted
// per field.
type Options struct {
	LockTTL           time.Duration // default 30s
	EvictionGrace     time.Duration // default 60s
	PresenceStaleness time.Duration // default 60s
	// LockEnforcement promotes the advisory lock table to a mutation guard:
	// update/delete by a non-holder fail while another user holds a live
	// lock. Default false, matching the advisory contract clients are
	// documented against.
	LockEnforcement bool
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.EvictionGrace <= 0 {
		o.EvictionGrace = 60 * time.Second
	}
	if o.PresenceStaleness <= 0 {
		o.PresenceStaleness = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Room is the authoritative in-memory session for one document.
type Room struct {
	DocumentID string

	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	annotations  map[string]*model.Record
	locks        map[string]*model.Lock
	lockTimers   map[string]*time.Timer
	clients      map[Client]struct{}
	lastActivity time.Time
}

func newRoom(documentID string, opts Options) *Room {
	return &Room{
		DocumentID:   documentID,
		opts:         opts,
		logger:       opts.Logger.With(slog.String("room", documentID)),
		annotations:  make(map[string]*model.Record),
		locks:        make(map[string]*model.Lock),
		lockTimers:   make(map[string]*time.Timer),
		clients:      make(map[Client]struct{}),
		lastActivity: time.Now(),
	}
}

// Join registers the client, enqueues the state snapshot as the joiner's
// first frame, broadcasts user_joined to the other members, and returns
// the snapshot.
func (r *Room) Join(c Client) model.RoomState {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.lastActivity = time.Now()
	state := r.snapshotLocked()
	// Enqueued under the lock: a concurrent mutation snapshots its peer
	// list in the same critical section, so its delta cannot land in the
	// joiner's queue ahead of room_state.
	_ = c.Send(model.NewMessage(model.MsgRoomState, "", state))
	peers := r.peersLocked(c)
	r.mu.Unlock()

	r.logger.Info("client joined", slog.String("user", c.UserID()), slog.Int("peers", len(peers)+1))
	send(peers, model.NewMessage(model.MsgUserJoined, c.UserID(), model.UserPayload{UserID: c.UserID()}))
	return state
}

// Leave removes the client, releases every lock it holds, and broadcasts
// user_left. It reports whether the room is now empty so the registry can
// schedule eviction. Safe to call more than once for the same client.
func (r *Room) Leave(c Client) (empty bool) {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		empty = len(r.clients) == 0
		r.mu.Unlock()
		return empty
	}
	delete(r.clients, c)
	r.lastActivity = time.Now()

	var released []*model.Lock
	for id, lock := range r.locks {
		if lock.UserID == c.UserID() {
			released = append(released, lock)
			r.removeLockLocked(id)
		}
	}
	peers := r.peersLocked(nil)
	empty = len(r.clients) == 0
	r.mu.Unlock()

	r.logger.Info("client left", slog.String("user", c.UserID()), slog.Int("peers", len(peers)))
	for _, lock := range released {
		send(peers, model.NewMessage(model.MsgLockReleased, c.UserID(), lock))
	}
	send(peers, model.NewMessage(model.MsgUserLeft, c.UserID(), model.UserPayload{UserID: c.UserID()}))
	return empty
}

// Snapshot returns the current room state.
func (r *Room) Snapshot() model.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// ClientCount reports the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Relay fans a message out to every member except the sender. Used for
// cursor movement: no persistence, no acknowledgment, per-sender ordering
// only.
func (r *Room) Relay(from Client, msg model.Message) {
	r.mu.Lock()
	r.lastActivity = time.Now()
	peers := r.peersLocked(from)
	r.mu.Unlock()
	send(peers, msg)
}

// snapshotLocked copies annotations, presence and locks. Presence filters
// out clients whose last activity exceeds the staleness window even if the
// socket is still open.
func (r *Room) snapshotLocked() model.RoomState {
	annotations := make(map[string]*model.Record, len(r.annotations))
	for id, rec := range r.annotations {
		cp := *rec
		annotations[id] = &cp
	}
	locks := make(map[string]*model.Lock, len(r.locks))
	for id, lock := range r.locks {
		cp := *lock
		locks[id] = &cp
	}
	cutoff := time.Now().Add(-r.opts.PresenceStaleness)
	users := make([]model.Presence, 0, len(r.clients))
	for c := range r.clients {
		seen := c.LastSeen()
		if seen.Before(cutoff) {
			continue
		}
		users = append(users, model.Presence{
			UserID:   c.UserID(),
			JoinedAt: c.JoinedAt(),
			LastSeen: seen,
		})
	}
	return model.RoomState{Annotations: annotations, ActiveUsers: users, Locks: locks}
}

// peersLocked snapshots the member list, excluding the given client, so
// writes happen outside the room lock.
func (r *Room) peersLocked(except Client) []Client {
	peers := make([]Client, 0, len(r.clients))
	for c := range r.clients {
		if c == except {
			continue
		}
		peers = append(peers, c)
	}
	return peers
}

// send delivers to each peer; a failed enqueue is the peer's problem (its
// connection layer runs the same cleanup as a disconnect).
func send(peers []Client, msg model.Message) {
	for _, c := range peers {
		_ = c.Send(msg)
	}
}
