package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/internal/logger"
	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/harun/avatarcore/pkg/gateway"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/harun/avatarcore/pkg/segmenter"
	"github.com/harun/avatarcore/pkg/session"
	"github.com/harun/avatarcore/pkg/templates"
	"github.com/harun/avatarcore/pkg/workqueue"
)

// shutdownTimeout bounds how long Stop waits for connections to drain.
const shutdownTimeout = 30 * time.Second

// Daemon wires the avatar engine: handler factory, worker queue, session
// registry and sweeper, prompt templates and the gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	factory    *handlers.Factory
	queue      *workqueue.Queue
	sessionMgr *session.Manager
	sweeper    *session.Sweeper
	templates  *templates.Store
	watcher    *templates.Watcher

	// Services
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon's run state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		zl := log.Zerolog()
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			zl.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abortInit()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abortInit()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) abortInit() {
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	log := d.logger.Component("daemon")

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
			log.Warn().Err(err).Msg("Failed to open audit log, using stderr")
		}
	}

	factory, err := handlers.NewFactory(handlers.NewRegistry(), cfg.Handlers)
	if err != nil {
		return fmt.Errorf("handlers: %w", err)
	}
	d.factory = factory

	d.queue = workqueue.New(cfg.Workers.MaxConcurrent)
	log.Info().Int("max_concurrent", cfg.Workers.MaxConcurrent).Msg("Worker queue initialized")

	mgr, err := session.NewManager(session.Options{
		Factory:          factory,
		MemoryCeiling:    cfg.MemoryCeilingBytes(),
		IdleTimeout:      cfg.Sessions.IdleTimeout,
		AudioBufferBytes: cfg.Sessions.AudioBufferBytes,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	d.sessionMgr = mgr
	d.sweeper = session.NewSweeper(mgr, cfg.Sessions.SweepInterval)

	if cfg.Templates.Dir != "" && cfg.Templates.Watch {
		if err := os.MkdirAll(cfg.Templates.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create template directory: %w", err)
		}
	}
	store, err := templates.NewStore(cfg.Templates.Dir, cfg.Templates.Default)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	d.templates = store
	log.Info().Strs("templates", store.Names()).Str("default", store.DefaultName()).Msg("Prompt templates loaded")

	if cfg.Templates.Dir != "" && cfg.Templates.Watch {
		reloadLog := d.logger.Component("templates")
		watcher, err := templates.NewWatcher(store, 0, func() {
			reloadLog.Info().Strs("templates", store.Names()).Msg("Prompt templates reloaded")
		})
		if err != nil {
			return fmt.Errorf("template watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

func (d *Daemon) initializeServices() error {
	srv, err := gateway.NewServer(gateway.Options{
		Config:    d.config,
		Manager:   d.sessionMgr,
		Queue:     d.queue,
		Templates: d.templates,
		Segmenter: segmenter.New(d.config.Segmenter.Terminators),
		Logger:    d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	d.gatewayServer = srv
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("addr", d.config.Address()).Msg("Starting avatarcore daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start template watcher")
		} else {
			logger.Info().Str("dir", d.config.Templates.Dir).Msg("Template watcher started")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	logger.Info().Dur("interval", d.sweeper.Interval()).Msg("Session sweeper started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping avatarcore daemon")

	if d.sweeper != nil && d.sweeper.IsRunning() {
		if err := d.sweeper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session sweeper")
		}
	}

	// Removes every session, closing each connection with 1001.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop template watcher")
		}
	}

	_ = d.eventLoop.HandleShutdown(5 * time.Second)
	d.queue.Close()
	logger.Info().Msg("Worker queue stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		tracingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(tracingCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger := d.logger.Zerolog()
	logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the worker queue
func (d *Daemon) GetQueue() *workqueue.Queue {
	return d.queue
}

// GetSessionManager returns the session registry
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessionMgr
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetTemplates returns the prompt template store
func (d *Daemon) GetTemplates() *templates.Store {
	return d.templates
}
