// Package status exposes the queue engine over localhost HTTP for the
// companion TUI and for debugging tools. The server reports queue and
// connectivity state, accepts manual enqueue and sync requests, and
// streams change events over a WebSocket.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/engine"
	"github.com/medinvest/medsync/internal/replay"
)

// Connectivity is the slice of the network monitor the server needs.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Server is the HTTP status server.
type Server struct {
	host       string
	port       int
	engine     *engine.Engine
	replay     *replay.Queue
	network    Connectivity
	logger     *slog.Logger
	httpServer *http.Server
}

// StatusPayload is the GET /api/status response body.
type StatusPayload struct {
	engine.QueueStatus
	PendingMutations int `json:"pendingMutations"`
}

// EnqueueRequest is the POST /api/actions request body.
type EnqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a status server bound to host:port.
func New(host string, port int, eng *engine.Engine, rq *replay.Queue, network Connectivity, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		host:    host,
		port:    port,
		engine:  eng,
		replay:  rq,
		network: network,
		logger:  logger.With("component", "status"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/", s.handleQueueItem)
	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/deadletter", s.handleDeadLetters)
	mux.HandleFunc("/api/deadletter/", s.handleDeadLetterItem)
	mux.HandleFunc("/api/events", s.handleEvents)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus reports queue depth, connectivity, and replay backlog
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, StatusPayload{
		QueueStatus:      s.engine.Status(),
		PendingMutations: s.replay.Pending(),
	})
}

// handleQueue lists or clears the pending queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		actions := s.engine.Queue()
		s.respondJSON(w, map[string]interface{}{
			"count":   len(actions),
			"actions": actions,
		})

	case http.MethodDelete:
		s.engine.Clear(r.Context())
		s.respondJSON(w, map[string]interface{}{"cleared": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleQueueItem removes a single action by id
func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	// Extract action ID from path: /api/queue/{id}
	id := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "action id required", http.StatusBadRequest)
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.engine.Dequeue(r.Context(), id)
	s.respondJSON(w, map[string]interface{}{"removed": id})
}

// handleActions enqueues a new action
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "action type required", http.StatusBadRequest)
		return
	}

	id, err := s.engine.Enqueue(r.Context(), action.Type(req.Type), req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.respondJSON(w, map[string]interface{}{"id": id})
}

// handleSync runs one delivery pass and reports per-action results
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	results := s.engine.Sync(r.Context())
	if results == nil {
		results = []engine.SyncResult{}
	}
	delivered := 0
	for _, res := range results {
		if res.Success {
			delivered++
		}
	}

	s.respondJSON(w, map[string]interface{}{
		"delivered": delivered,
		"results":   results,
	})
}

// handleDeadLetters lists the dead-letter journal
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	letters := s.engine.DeadLetters(r.Context())
	s.respondJSON(w, map[string]interface{}{
		"count":   len(letters),
		"letters": letters,
	})
}

// handleDeadLetterItem requeues a journaled action
func (s *Server) handleDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	// Extract dead letter ID from path: /api/deadletter/{id}/requeue
	path := strings.TrimPrefix(r.URL.Path, "/api/deadletter/")
	parts := strings.Split(path, "/")

	if len(parts) != 2 || parts[0] == "" || parts[1] != "requeue" {
		http.Error(w, "expected /api/deadletter/{id}/requeue", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.engine.RequeueDead(r.Context(), parts[0]); err != nil {
		http.Error(w, "dead letter not found", http.StatusNotFound)
		return
	}

	s.respondJSON(w, map[string]interface{}{"requeued": parts[0]})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
