// Package dashboard provides the real-time monitoring surface: a
// WebSocket feed of sync and compliance events plus a small HTTP API for
// status, violations, scores and manual triggers.
package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chronotrace/chronotrace/internal/store"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeSyncComplete indicates a sync pass finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeChecksComplete indicates a compliance pass finished
	MessageTypeChecksComplete MessageType = "checks_complete"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Triggers starts daemon passes on demand. Each returns false when a pass
// is already running.
type Triggers interface {
	TriggerFullSync() bool
	TriggerIncrementalSync() bool
	TriggerChecks() bool
}

// Scorer computes the per-user compliance scores.
type Scorer interface {
	ScoreUsers(ctx context.Context) (map[int64]int, error)
}

// Server manages WebSocket connections and serves the HTTP API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	db       *store.DB
	triggers Triggers
	scorer   Scorer

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on
	Port int

	// Logger for server activity (default: the standard logger)
	Logger *log.Logger
}

// NewServer creates a dashboard server. triggers and scorer are typically
// the daemon and its rule engine.
func NewServer(cfg *Config, db *store.DB, triggers Triggers, scorer Scorer) *Server {
	if cfg == nil {
		cfg = &Config{Port: 8090}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		db:        db,
		triggers:  triggers,
		scorer:    scorer,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/violations", s.handleViolations)
	mux.HandleFunc("POST /api/violations/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/scores", s.handleScores)
	mux.HandleFunc("POST /api/sync/full", s.handleTrigger("full sync", func() bool { return s.triggers.TriggerFullSync() }))
	mux.HandleFunc("POST /api/sync/incremental", s.handleTrigger("incremental sync", func() bool { return s.triggers.TriggerIncrementalSync() }))
	mux.HandleFunc("POST /api/checks/run", s.handleTrigger("compliance pass", func() bool { return s.triggers.TriggerChecks() }))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans messages out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the read lock so a slow client
			// can't block broadcasts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are not processed, the feed is one-way
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	LastSync         map[store.EntityType]time.Time `json:"last_sync"`
	TimeEntries      int                            `json:"time_entries"`
	Violations       int                            `json:"violations"`
	OpenViolations   int                            `json:"open_violations"`
	ConnectedClients int                            `json:"connected_clients"`
}

// handleStatus reports sync cursors and store counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastSync, err := s.db.GetLastSyncTimes(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.db.CountTimeEntries(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	total, open, err := s.db.CountViolations(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		LastSync:         lastSync,
		TimeEntries:      entries,
		Violations:       total,
		OpenViolations:   open,
		ConnectedClients: s.ClientCount(),
	})
}

// handleViolations lists violations filtered by query parameters:
// user_id, type, status, from, to (dates as YYYY-MM-DD), limit.
func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ViolationFilter{
		Type:   store.ViolationType(q.Get("type")),
		Status: store.ViolationStatus(q.Get("status")),
	}

	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id %q", raw))
			return
		}
		filter.UserID = id
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(store.DateOnly, raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid from date %q", raw))
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(store.DateOnly, raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid to date %q", raw))
			return
		}
		filter.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	violations, err := s.db.ListViolations(r.Context(), filter)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violations,
		"count":      len(violations),
	})
}

// handleResolve marks one violation as resolved.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid violation id"))
		return
	}

	if err := s.db.ResolveViolation(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpError(w, http.StatusNotFound, fmt.Errorf("violation %d not found", id))
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
}

// handleScores reports the per-user compliance scores.
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.scorer.ScoreUsers(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

// handleTrigger returns a handler that starts a daemon pass. 202 when
// started, 409 when a pass is already running.
func (s *Server) handleTrigger(name string, start func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !start() {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "a pass is already running",
			})
			return
		}
		s.logger.Printf("Triggered %s via API", name)
		writeJSON(w, http.StatusAccepted, map[string]any{"started": name})
	}
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
