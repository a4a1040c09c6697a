package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/harun/avatarcore/pkg/pipeline"
	"github.com/harun/avatarcore/pkg/segmenter"
	"github.com/harun/avatarcore/pkg/session"
	"github.com/harun/avatarcore/pkg/templates"
	"github.com/harun/avatarcore/pkg/workqueue"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 10 * time.Second

// Server is the avatar gateway: one WebSocket per session plus the admin surface.
type Server struct {
	cfg          *config.Config
	manager      *session.Manager
	queue        *workqueue.Queue
	templates    *templates.Store
	segmenter    *segmenter.Segmenter
	authHandler  *AuthHandler
	registry     *ConnRegistry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	wg             sync.WaitGroup
}

// Options holds the server's collaborators.
type Options struct {
	Config    *config.Config
	Manager   *session.Manager
	Queue     *workqueue.Queue
	Templates *templates.Store
	Segmenter *segmenter.Segmenter
	Logger    zerolog.Logger
	// WriteTimeout bounds every frame write. Zero selects 10s.
	WriteTimeout time.Duration
}

// NewServer creates a new gateway server
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("work queue is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template store is required")
	}
	if opts.Segmenter == nil {
		opts.Segmenter = segmenter.New(opts.Config.Segmenter.Terminators)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	observability.EnsureRegistered()

	s := &Server{
		cfg:          opts.Config,
		manager:      opts.Manager,
		queue:        opts.Queue,
		templates:    opts.Templates,
		segmenter:    opts.Segmenter,
		authHandler:  NewAuthHandler(opts.Config.Server.SharedSecret),
		registry:     NewConnRegistry(),
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s, nil
}

// checkOrigin allows any origin unless allowed_origins is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes: /ws, /healthz, /metrics and, when enabled,
// the admin endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.cfg.Server.AdminEnabled {
		s.registerAdmin(mux)
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address(), err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, removes every session (closing each socket
// with 1001) and waits for connection goroutines until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("connections", s.registry.Count()).Msg("Shutting down gateway server")
	s.manager.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
		for _, conn := range s.registry.GetAll() {
			conn.abort()
		}
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.registry.Count()
}

// handleWebSocket upgrades, authenticates and binds the connection to a new
// session. Rejections are reported with policy close codes after the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	identity := r.URL.Query().Get("identity")
	ctx := tracing.NewConnectionContext(context.Background(), connID, identity)
	c := newConn(ctx, s, ws, connID, identity, r.RemoteAddr)

	s.logger.Info().Str("conn_id", connID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if !s.authHandler.Verify(identity, r.URL.Query().Get("token")) {
		observability.RecordSecurityAudit(ctx, "connection.auth", identity, "rejected", map[string]interface{}{"ip": r.RemoteAddr})
		c.closeWith(CloseInvalidCredential, "invalid credential")
		return
	}

	settings := session.Settings{Template: s.templates.DefaultName()}
	if v := r.URL.Query().Get("streaming"); v != "" {
		settings.Streaming = v == "true" || v == "1"
	}
	sess, err := s.manager.Create(ctx, identity, settings)
	if err != nil {
		code, text := rejectionFor(err)
		c.closeWith(code, text)
		return
	}
	c.ctx = tracing.WithSessionID(c.ctx, sess.ID)
	c.logger = c.logger.With().Str("session_id", sess.ID).Logger()

	p, err := pipeline.New(pipeline.Options{
		Owner:    sess.ID,
		Queue:    s.queue,
		Handlers: sess.Handlers,
		Sink:     c,
		Timeout:  s.cfg.Workers.SegmentTimeout,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build segment pipeline")
		s.manager.RemoveSession(sess, session.ReasonDisconnect)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.session = sess
	c.pipeline = p
	sess.OnClose(c.onSessionClose)

	c.state.Store(int32(StateOpen))
	s.registry.Add(c)
	if err := c.writeJSON(OutSessionReady, SessionReadyFrame{Type: OutSessionReady, SessionID: sess.ID}); err != nil {
		c.abort()
	}

	s.wg.Add(2)
	go c.heartbeatLoop()
	go c.readLoop()
}

// rejectionFor maps a session creation failure to a close code.
func rejectionFor(err error) (int, string) {
	var exhausted *session.ResourceExhaustedError
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return CloseAlreadyActive, "already active"
	case errors.As(err, &exhausted):
		return CloseTryAgainLater, "try again later"
	case errors.Is(err, session.ErrInvalidIdentity):
		return CloseInvalidCredential, "invalid credential"
	case errors.Is(err, session.ErrClosed):
		return websocket.CloseGoingAway, "shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
