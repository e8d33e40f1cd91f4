// Package server accepts sync channel connections, validates the
// handshake, and bridges connected clients to their rooms.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"annosync/internal/auth"
	"annosync/internal/config"
	"annosync/internal/convert"
	"annosync/internal/model"
	"annosync/internal/room"
)

// Server wraps HTTP handlers and the sync engine's room registry.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	router     *mux.Router
	rooms      *room.Registry
	authorizer auth.Authorizer
	converters *convert.Manager
	upgrader   websocket.Upgrader
	metrics    *metrics

	allowedOrigins  []string
	allowAllOrigins bool

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New constructs a Server with routes and middleware configured.
func New(cfg config.Config, authorizer auth.Authorizer) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		router:         mux.NewRouter(),
		authorizer:     authorizer,
		converters:     convert.DefaultManager(logger),
		allowedOrigins: cfg.AllowedOrigins,
		clients:        make(map[*client]struct{}),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	srv.rooms = room.NewRegistry(room.Options{
		LockTTL:           cfg.LockTTL,
		EvictionGrace:     cfg.EvictionGrace,
		PresenceStaleness: cfg.PresenceStaleness,
		LockEnforcement:   cfg.LockEnforcement,
		Logger:            logger,
	})
	srv.metrics = newMetrics(srv.rooms)
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return srv.matchOrigin(r.Header.Get("Origin")) != ""
		},
	}

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router.HandleFunc("/convert", s.handleConvert).Methods(http.MethodPost)
	s.router.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.router))
}

// Rooms exposes the registry (status endpoint, tests).
func (s *Server) Rooms() *room.Registry {
	return s.rooms
}

// Close disconnects every client with a going-away close code.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rooms, clients := s.rooms.Counts()
	writeJSON(w, http.StatusOK, model.StatusResponse{
		Status:    "ok",
		Rooms:     rooms,
		Clients:   clients,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleConvert batch-converts native records between platforms. A request
// without "to" returns universal annotations; per-record failures are
// skipped, an unknown platform key is a 400.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing from platform"})
		return
	}

	var records []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var (
		converted any
		count     int
	)
	if to == "" {
		annotations, err := s.converters.ConvertBatch(records, from)
		if err != nil {
			s.metrics.conversions.WithLabelValues(from, "error").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		converted, count = annotations, len(annotations)
	} else {
		natives, err := s.converters.ConvertBatchTo(records, from, to)
		if err != nil {
			s.metrics.conversions.WithLabelValues(from, "error").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		converted, count = natives, len(natives)
	}

	s.metrics.conversions.WithLabelValues(from, "ok").Add(float64(count))
	if skipped := len(records) - count; skipped > 0 {
		s.metrics.conversions.WithLabelValues(from, "skipped").Add(float64(skipped))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"converted": converted,
		"skipped":   len(records) - count,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
