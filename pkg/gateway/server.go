package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

const (
	apiPrefix   = "/api/chat"
	serviceName = "Lumilove RAG Chat Service"
)

// Generator produces replies. *chat.Pipeline implements it.
type Generator interface {
	Generate(ctx context.Context, req chat.Request) (*chat.Reply, error)
	GenerateStream(ctx context.Context, req chat.Request, emit func(chat.Fragment) error) (*chat.Reply, error)
}

// MemoryIndex is the part of the memory index the gateway exposes.
type MemoryIndex interface {
	Query(ctx context.Context, text, userID, sessionKey string, k int) ([]memory.RetrievedItem, error)
	DeleteSession(ctx context.Context, sessionKey string) (int, error)
	Stats(ctx context.Context) memory.Stats
}

// Config holds server configuration
type Config struct {
	Host     string
	Port     int
	Pipeline Generator
	Store    history.Store
	Index    MemoryIndex
	// Ledger is optional. Failed vector deletes are recorded in it.
	Ledger   reconcile.Ledger
	Backend  llm.Backend
	Resolver session.Resolver
	Logger   zerolog.Logger
	Version  string
	// Uptime feeds /health. Optional.
	Uptime func() time.Duration
	// ShutdownTimeout bounds Stop. Defaults to 30s.
	ShutdownTimeout time.Duration
}

// Server is the HTTP, SSE and WebSocket surface of the chat service.
type Server struct {
	addr            string
	pipeline        Generator
	store           history.Store
	index           MemoryIndex
	ledger          reconcile.Ledger
	backend         llm.Backend
	resolver        session.Resolver
	logger          zerolog.Logger
	version         string
	uptime          func() time.Duration
	shutdownTimeout time.Duration

	server   *http.Server
	upgrader websocket.Upgrader
	clients  *ClientRegistry

	// baseCtx parents WebSocket generations so Stop can cancel them.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlight       sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("history store is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("memory index is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("llm backend is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	observability.EnsureRegistered()

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Server{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		pipeline:        cfg.Pipeline,
		store:           cfg.Store,
		index:           cfg.Index,
		ledger:          cfg.Ledger,
		backend:         cfg.Backend,
		resolver:        cfg.Resolver,
		logger:          cfg.Logger,
		version:         cfg.Version,
		uptime:          cfg.Uptime,
		shutdownTimeout: cfg.ShutdownTimeout,
		clients:         NewClientRegistry(),
		baseCtx:         baseCtx,
		baseCancel:      baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the routed handler. Start serves it; tests mount it on
// httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+apiPrefix+"/message", s.instrument("message", s.handleMessage))
	mux.HandleFunc("POST "+apiPrefix+"/message/stream", s.instrument("message_stream", s.handleMessageStream))
	mux.HandleFunc("POST "+apiPrefix+"/springboot/stream", s.instrument("springboot_stream", s.handleSpringbootStream))
	mux.HandleFunc("GET "+apiPrefix+"/history/{session_id}", s.instrument("history", s.handleHistory))
	mux.HandleFunc("POST "+apiPrefix+"/session", s.instrument("session_create", s.handleCreateSession))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/{user_id}", s.instrument("session_list", s.handleListSessions))
	mux.HandleFunc("DELETE "+apiPrefix+"/session/{session_id}", s.instrument("session_delete", s.handleDeleteSession))
	mux.HandleFunc("GET "+apiPrefix+"/context/{session_id}", s.instrument("context", s.handleContext))
	mux.HandleFunc("GET "+apiPrefix+"/models", s.instrument("models", s.handleModels))
	mux.HandleFunc("GET "+apiPrefix+"/model/current", s.instrument("model_current", s.handleCurrentModel))
	mux.HandleFunc("GET "+apiPrefix+"/ws", s.instrument("ws", s.handleWebSocket))

	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Welcome to the " + serviceName,
			"health":  "/health",
		})
	})

	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.baseCtx
		},
	}

	s.shutdownMu.Lock()
	s.addr = ln.Addr().String()
	s.shutdownMu.Unlock()

	s.logger.Info().Str("addr", s.addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop refuses new WebSocket clients, closes the open ones and waits for
// in-flight requests up to the shutdown timeout. Streams cut short by the
// timeout still commit their partial replies.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.clients.CloseAll("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var err error
	if s.server != nil {
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", serr)
		}
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.logger.Info().Msg("Gateway server stopped")
	return err
}

// Addr returns the listen address, the bound one once Start has run.
func (s *Server) Addr() string {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.addr
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// GetConnectedClients returns the connected WebSocket clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// statusFor maps pipeline and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidBody),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrSessionMismatch),
		errors.Is(err, session.ErrMalformedSessionKey),
		errors.Is(err, session.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, chat.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// client closed the request
		return 499
	default:
		return http.StatusInternalServerError
	}
}
