package daemon

import (
	"context"
	"time"

	"github.com/harun/avatarcore/pkg/session"
)

// defaultStatsInterval is how often the event loop reports engine load.
const defaultStatsInterval = 30 * time.Second

// EventLoop reports session and worker load while the daemon runs.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultStatsInterval,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks logs a load snapshot. Reading the session stats also refreshes
// the memory gauges.
func (e *EventLoop) processTasks() {
	logger := e.daemon.logger.Component("eventloop")
	sessions := e.daemon.sessionMgr.Stats()
	workers := e.daemon.queue.Stats()

	event := logger.Debug()
	if sessions.MemoryRatio >= session.SoftThreshold {
		event = logger.Warn()
	}
	event.
		Int("sessions", sessions.Sessions).
		Int("processing", sessions.Processing).
		Uint64("memory_bytes", sessions.MemoryBytes).
		Float64("memory_ratio", sessions.MemoryRatio).
		Bool("memory_probe_ok", sessions.MemoryProbeOK).
		Int("workers_running", workers.Running).
		Int("workers_queued", workers.Queued).
		Int("connections", e.daemon.gatewayServer.Connections()).
		Msg("Engine stats")
}

// HandleShutdown waits for in-flight segment work, bounded by timeout.
func (e *EventLoop) HandleShutdown(timeout time.Duration) error {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Waiting for active segment work")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.daemon.queue.WaitForActive(ctx); err != nil {
		logger.Warn().Err(err).Msg("Active segment work did not finish")
		return err
	}
	logger.Info().Msg("All active tasks completed")
	return nil
}
