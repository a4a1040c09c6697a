package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultSweepInterval = 30 * time.Second

// Sweeper runs Manager.Sweep on a fixed schedule.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	lastRun time.Time
	last    SweepResult
}

// NewSweeper creates a sweeper for manager. A zero interval uses DefaultSweepInterval.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.SweepNow() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true

	log.Info().Dur("interval", s.interval).Msg("Session sweeper started")
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	for _, entry := range s.cron.Entries() {
		s.cron.Remove(entry.ID)
	}

	log.Info().Msg("Session sweeper stopped")
	return nil
}

// IsRunning returns whether the sweep is scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the sweep interval.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// SweepNow runs a sweep immediately.
func (s *Sweeper) SweepNow() SweepResult {
	result := s.manager.Sweep()

	s.mu.Lock()
	s.lastRun = time.Now()
	s.last = result
	s.mu.Unlock()

	log.Debug().Int("removed", result.Total()).Msg("Session sweep completed")
	return result
}

// LastRun returns when the last sweep finished and what it removed.
func (s *Sweeper) LastRun() (time.Time, SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}
