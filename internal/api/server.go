// Package api exposes the agent over HTTP. Every transport here is a
// thin adapter from the agent's event stream to a wire format: SSE for
// chat and the event feed, JSON frames over a websocket, and plain JSON
// for approvals, memory, and conversation management.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/conversation"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/runtime"
	"github.com/nugget/hearth/internal/vectorstore"
)

// writeTimeout bounds each write. Streaming handlers extend it after
// every event so long tool loops and approval waits do not trip it.
const writeTimeout = 120 * time.Second

// Runner runs conversational turns.
type Runner interface {
	Run(ctx context.Context, req agent.Request, emit func(agent.Event)) (*agent.Result, error)
}

// Control is the runtime surface the API manages.
type Control interface {
	ResolveApproval(id string, approved bool) error
	PendingApprovals() []approval.Request
	MemoryStatus(ctx context.Context) (runtime.MemoryStatus, error)
	Migrate(ctx context.Context) (vectorstore.MigrationReport, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	runner        Runner
	control       Control
	conversations *conversation.Store
	bus           *events.Bus
	logger        *slog.Logger
	server        *http.Server
	upgrader      websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, control Control, conversations *conversation.Store, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		runner:        runner,
		control:       control,
		conversations: conversations,
		bus:           bus,
		logger:        logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Approvals
	mux.HandleFunc("GET /v1/approvals", s.handleApprovalList)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApprovalResolve)

	// Long-term memory
	mux.HandleFunc("GET /v1/memory/status", s.handleMemoryStatus)
	mux.HandleFunc("POST /v1/memory/migrate", s.handleMemoryMigrate)

	// History
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
