package session

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Memory thresholds as a fraction of the configured ceiling.
const (
	SoftThreshold      = 0.80
	HardThreshold      = 1.00
	EmergencyThreshold = 1.20
)

const maxIdentityLength = 128

// Options configures a Manager.
type Options struct {
	Factory          *handlers.Factory
	MemoryCeiling    uint64
	IdleTimeout      time.Duration
	AudioBufferBytes int
	Probe            MemoryProbe
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time summary of the registry and memory.
type Stats struct {
	Sessions      int     `json:"sessions"`
	Processing    int     `json:"processing"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	CeilingBytes  uint64  `json:"ceiling_bytes"`
	MemoryRatio   float64 `json:"memory_ratio"`
	MemoryProbeOK bool    `json:"memory_probe_ok"`
}

// SweepResult counts the sessions a sweep removed, by reason.
type SweepResult struct {
	Idle      int
	Memory    int
	Emergency int
}

// Total returns the number of sessions removed.
func (r SweepResult) Total() int { return r.Idle + r.Memory + r.Emergency }

// Manager is the process-wide session registry. One lock guards the identity
// map, the id index and the heartbeat-failure counters.
type Manager struct {
	factory     *handlers.Factory
	ceiling     uint64
	idleTimeout time.Duration
	audioLimit  int
	probe       MemoryProbe
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // identity -> session
	byID     map[string]*Session
	misses   map[string]int // identity -> consecutive heartbeat failures
	closed   bool
}

// NewManager returns an empty registry.
func NewManager(opts Options) (*Manager, error) {
	observability.EnsureRegistered()

	if opts.Factory == nil {
		return nil, fmt.Errorf("session manager: handler factory is required")
	}
	if opts.Probe == nil {
		opts.Probe = NewMemoryProbe()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		factory:     opts.Factory,
		ceiling:     opts.MemoryCeiling,
		idleTimeout: opts.IdleTimeout,
		audioLimit:  opts.AudioBufferBytes,
		probe:       opts.Probe,
		now:         opts.Now,
		sessions:    make(map[string]*Session),
		byID:        make(map[string]*Session),
		misses:      make(map[string]int),
	}

	log.Info().
		Uint64("ceiling_bytes", m.ceiling).
		Dur("idle_timeout", m.idleTimeout).
		Msg("Session manager initialized")
	return m, nil
}

// validateIdentity rejects identities that are empty, oversized or carry
// control characters, since they end up in logs and close frames.
func validateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(identity) > maxIdentityLength {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidIdentity, maxIdentityLength)
	}
	if strings.IndexFunc(identity, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: contains control characters", ErrInvalidIdentity)
	}
	return nil
}

// Create admits a new session for identity. The memory check, the choice of
// eviction victims and the insert share one critical section; victims are
// closed after the lock is released and before Create returns.
func (m *Manager) Create(ctx context.Context, identity string, settings Settings) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithIdentity(ctx, identity)
	ctx, span := tracing.StartSpan(ctx, "avatarcore.session", "session.create",
		attribute.String("identity", identity))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	fail := func(reason string, err error) (*Session, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordSessionRejected(reason)
		observability.RecordSessionAudit(ctx, "session.create", identity, "rejected", map[string]interface{}{"reason": reason})
		return nil, err
	}

	if err := validateIdentity(identity); err != nil {
		return fail("invalid_identity", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fail("shutdown", ErrClosed)
	}
	// A session still being evicted keeps its identity until its handlers
	// are released.
	if _, exists := m.sessions[identity]; exists {
		m.mu.Unlock()
		logger.Warn().Msg("Rejected duplicate session")
		return fail("already_active", fmt.Errorf("identity %q: %w", identity, ErrAlreadyActive))
	}

	victims, hard, err := m.admitLocked()
	if err != nil {
		m.mu.Unlock()
		logger.Error().Err(err).Msg("Session creation refused")
		return fail("resource_exhausted", err)
	}

	s := newSession(uuid.NewString(), identity, m.factory.NewSet(), settings, m.audioLimit, m.now)
	m.sessions[identity] = s
	m.byID[s.ID] = s
	delete(m.misses, identity)
	count := len(m.sessions)
	m.mu.Unlock()

	if len(victims) > 0 {
		m.release(victims)
		if hard {
			m.collect()
		}
	}

	span.SetAttributes(attribute.String("session_id", s.ID))
	observability.RecordSessionCreated()
	observability.SetActiveSessions(count)
	observability.RecordSessionAudit(ctx, "session.create", identity, "success", map[string]interface{}{"session_id": s.ID})
	logger.Info().Str("session_id", s.ID).Int("active", count).Msg("Session created")
	return s, nil
}

// admitLocked applies the memory policy before an insert and returns the
// claimed victims for the caller to release once m.mu is dropped. hard reports
// whether usage was at or above the hard threshold. Caller holds m.mu.
func (m *Manager) admitLocked() (victims []*Session, hard bool, err error) {
	if m.ceiling == 0 {
		return nil, false, nil
	}
	usage, ok := m.usage()
	if !ok {
		return nil, false, nil
	}
	ratio := m.ratio(usage)

	switch {
	case ratio >= HardThreshold:
		victims = m.claimUntilLocked(usage, false, ReasonMemory)
		if len(victims) == 0 {
			usage = m.collect()
			if m.ratio(usage) >= HardThreshold {
				return nil, true, &ResourceExhaustedError{Usage: usage, Ceiling: m.ceiling}
			}
		}
		return victims, true, nil
	case ratio >= SoftThreshold:
		if victim := m.claimLRULocked(false, ReasonMemory); victim != nil {
			victims = append(victims, victim)
		}
	}
	return victims, false, nil
}

// claimUntilLocked claims least-recently-active sessions until the projected
// usage drops under the hard threshold. Projection assumes every live session
// holds an equal share of usage, since freed memory is not visible to the
// probe until after collection.
func (m *Manager) claimUntilLocked(usage uint64, includeProcessing bool, reason string) []*Session {
	live := 0
	for _, s := range m.sessions {
		if !s.closing() {
			live++
		}
	}
	if live == 0 {
		return nil
	}
	share := usage / uint64(live)
	projected := usage
	var victims []*Session
	for m.ratio(projected) >= HardThreshold {
		victim := m.claimLRULocked(includeProcessing, reason)
		if victim == nil {
			break
		}
		victims = append(victims, victim)
		if projected > share {
			projected -= share
		} else {
			projected = 0
		}
	}
	return victims
}

// claimLRULocked claims the least recently active session, skipping processing
// ones unless includeProcessing is set.
func (m *Manager) claimLRULocked(includeProcessing bool, reason string) *Session {
	for range len(m.sessions) {
		victim := m.lruLocked(includeProcessing)
		if victim == nil {
			return nil
		}
		// Fails only if the victim started a turn since lruLocked looked.
		if victim.claim(reason, includeProcessing) {
			return victim
		}
	}
	return nil
}

// lruLocked returns the least recently active live session, skipping
// processing ones unless includeProcessing is set.
func (m *Manager) lruLocked(includeProcessing bool) *Session {
	var victim *Session
	var oldest time.Time
	for _, s := range m.sessions {
		if s.closing() || (!includeProcessing && s.Processing()) {
			continue
		}
		last := s.LastActive()
		if victim == nil || last.Before(oldest) {
			victim, oldest = s, last
		}
	}
	return victim
}

// release closes claimed sessions concurrently and drops each from the
// registry once its handlers are released. Caller must not hold m.mu.
func (m *Manager) release(victims []*Session) {
	var wg conc.WaitGroup
	for _, s := range victims {
		wg.Go(func() {
			reason := s.CloseReason()
			s.logger.Warn().Str("reason", reason).Msg("Evicting session")
			s.Close(reason)

			m.mu.Lock()
			m.deleteLocked(s, reason)
			m.mu.Unlock()
		})
	}
	wg.Wait()
}

func (m *Manager) deleteLocked(s *Session, reason string) bool {
	current, ok := m.sessions[s.Identity]
	if !ok || current != s {
		return false
	}
	delete(m.sessions, s.Identity)
	delete(m.byID, s.ID)
	delete(m.misses, s.Identity)
	observability.RecordSessionRemoved(reason)
	observability.SetActiveSessions(len(m.sessions))
	observability.RecordSessionAudit(context.Background(), "session.remove", s.Identity, reason, map[string]interface{}{"session_id": s.ID})
	return true
}

// Get returns the live session for identity.
func (m *Manager) Get(identity string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", identity, ErrNotFound)
	}
	return s, nil
}

// GetByID returns the live session with the given session id.
func (m *Manager) GetByID(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Remove closes and unregisters identity's session. Removing an absent
// identity is a no-op; the result reports whether anything was removed.
func (m *Manager) Remove(identity, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.RemoveSession(s, reason)
}

// RemoveByID removes the session with the given id.
func (m *Manager) RemoveByID(id, reason string) error {
	s, err := m.GetByID(id)
	if err != nil {
		return err
	}
	m.RemoveSession(s, reason)
	return nil
}

// RemoveSession closes s and unregisters it if it is still the live session for
// its identity. Handlers are released before the identity is freed.
func (m *Manager) RemoveSession(s *Session, reason string) bool {
	_, span := tracing.StartSpan(context.Background(), "avatarcore.session", "session.remove",
		attribute.String("session_id", s.ID),
		attribute.String("reason", reason))
	defer span.End()

	s.Close(reason)
	// An eviction that got there first keeps its reason.
	reason = s.CloseReason()

	m.mu.Lock()
	removed := m.deleteLocked(s, reason)
	m.mu.Unlock()

	if removed {
		log.Info().Str("session_id", s.ID).Str("identity", s.Identity).Str("reason", reason).Msg("Session removed")
	}
	return removed
}

// Sweep removes sessions idle past the idle timeout, then applies the memory
// policy: above the hard threshold idle sessions go first, and above the
// emergency threshold processing sessions go too. Victims are chosen under the
// registry lock and closed outside it.
func (m *Manager) Sweep() SweepResult {
	var result SweepResult

	if m.idleTimeout > 0 {
		cutoff := m.now().Add(-m.idleTimeout)
		var idle []*Session
		m.mu.Lock()
		for _, s := range m.sessions {
			if !s.LastActive().Before(cutoff) {
				continue
			}
			if s.claim(ReasonIdle, false) {
				idle = append(idle, s)
			}
		}
		m.mu.Unlock()
		m.release(idle)
		result.Idle = len(idle)
	}

	if m.ceiling > 0 {
		if usage, ok := m.usage(); ok && m.ratio(usage) >= HardThreshold {
			result.Memory = m.sweepMemory(usage, false, ReasonMemory)
			usage = m.collect()
			if m.ratio(usage) >= EmergencyThreshold {
				result.Emergency = m.sweepMemory(usage, true, ReasonEmergency)
				if result.Emergency > 0 {
					m.collect()
				}
			}
		}
	}

	if result.Total() > 0 {
		log.Info().
			Int("idle", result.Idle).
			Int("memory", result.Memory).
			Int("emergency", result.Emergency).
			Int("remaining", m.Count()).
			Msg("Session sweep removed sessions")
	}
	return result
}

func (m *Manager) sweepMemory(usage uint64, includeProcessing bool, reason string) int {
	m.mu.Lock()
	victims := m.claimUntilLocked(usage, includeProcessing, reason)
	m.mu.Unlock()
	m.release(victims)
	return len(victims)
}

func (m *Manager) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// HeartbeatMissed increments identity's consecutive failure count and returns it.
func (m *Manager) HeartbeatMissed(identity string) int {
	observability.RecordHeartbeatMiss()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[identity]; !ok {
		return 0
	}
	m.misses[identity]++
	return m.misses[identity]
}

// HeartbeatOK resets identity's failure count.
func (m *Manager) HeartbeatOK(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.misses[identity]; ok {
		m.misses[identity] = 0
	}
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := m.sessionsLocked()
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns registry and memory figures.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := m.sessionsLocked()
	m.mu.Unlock()

	stats := Stats{Sessions: len(sessions), CeilingBytes: m.ceiling}
	for _, s := range sessions {
		if s.Processing() {
			stats.Processing++
		}
	}
	if usage, ok := m.usage(); ok {
		stats.MemoryProbeOK = true
		stats.MemoryBytes = usage
		stats.MemoryRatio = m.ratio(usage)
	}
	return stats
}

// Close removes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessionsLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		m.RemoveSession(s, ReasonShutdown)
	}
}

func (m *Manager) usage() (uint64, bool) {
	usage, err := m.probe.Usage()
	if err != nil {
		log.Warn().Err(err).Msg("Memory probe failed")
		return 0, false
	}
	observability.SetMemoryUsage(usage, m.ratio(usage))
	return usage, true
}

func (m *Manager) ratio(usage uint64) float64 {
	if m.ceiling == 0 {
		return 0
	}
	return float64(usage) / float64(m.ceiling)
}

// collect forces a collection, returns freed pages to the OS and re-probes.
func (m *Manager) collect() uint64 {
	runtime.GC()
	debug.FreeOSMemory()
	usage, _ := m.usage()
	return usage
}
