package room

import (
	"log/slog"
	"sync"
	"time"

	"annosync/internal/model"
)

// Registry maps document ids to live rooms. Rooms are created lazily on
// first join and evicted after a grace period once their client set
// empties; a rejoin before the timer fires cancels the eviction.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	rooms     map[string]*Room
	evictions map[string]*time.Timer
}

// NewRegistry builds a registry with the given room options.
func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:      opts,
		logger:    opts.Logger,
		rooms:     make(map[string]*Room),
		evictions: make(map[string]*time.Timer),
	}
}

// Join returns the room for documentID, creating it if needed, registers
// the client and hands back the state snapshot for the joiner.
func (g *Registry) Join(documentID string, c Client) (*Room, model.RoomState) {
	g.mu.Lock()
	r, ok := g.rooms[documentID]
	if !ok {
		r = newRoom(documentID, g.opts)
		g.rooms[documentID] = r
		g.logger.Info("room created", slog.String("room", documentID))
	}
	if t, ok := g.evictions[documentID]; ok {
		t.Stop()
		delete(g.evictions, documentID)
	}
	g.mu.Unlock()

	state := r.Join(c)
	return r, state
}

// Leave removes the client from its room and, when the room empties,
// schedules eviction after the grace period.
func (g *Registry) Leave(r *Room, c Client) {
	if !r.Leave(c) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.evictions[r.DocumentID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(g.opts.EvictionGrace, func() {
		g.evict(r.DocumentID, t)
	})
	g.evictions[r.DocumentID] = t
}

// evict drops the room unless someone rejoined while the timer was armed.
// An already-fired callback that lost the race to a Join (which removes
// the eviction entry under g.mu) or to a newer timer finds itself
// superseded and backs off.
func (g *Registry) evict(documentID string, t *time.Timer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if armed, ok := g.evictions[documentID]; !ok || armed != t {
		return
	}
	r, ok := g.rooms[documentID]
	if !ok {
		return
	}
	if r.ClientCount() > 0 {
		return
	}
	delete(g.rooms, documentID)
	delete(g.evictions, documentID)
	g.logger.Info("room evicted", slog.String("room", documentID))
}

// Counts reports live room and client totals for the status endpoint.
func (g *Registry) Counts() (rooms, clients int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		rooms++
		clients += r.ClientCount()
	}
	return rooms, clients
}
