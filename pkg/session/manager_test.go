package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCeiling = 1000

func testFactory(t *testing.T) *handlers.Factory {
	t.Helper()
	f, err := handlers.NewFactory(handlers.NewRegistry(), config.HandlersConfig{
		Transcriber: config.HandlerConfig{Kind: "static"},
		Reply:       config.HandlerConfig{Kind: "echo"},
		Synthesizer: config.HandlerConfig{Kind: "silence"},
		Renderer:    config.HandlerConfig{Kind: "passthrough"},
	})
	require.NoError(t, err)
	return f
}

// fixedRatio reports usage at a settable fraction of testCeiling.
type fixedRatio struct {
	ratio atomic.Value
}

func newFixedRatio(r float64) *fixedRatio {
	p := &fixedRatio{}
	p.ratio.Store(r)
	return p
}

func (p *fixedRatio) set(r float64) { p.ratio.Store(r) }

func (p *fixedRatio) Usage() (uint64, error) {
	return uint64(p.ratio.Load().(float64) * testCeiling), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestManager(t *testing.T, probe MemoryProbe, clock *fakeClock) *Manager {
	t.Helper()
	if clock == nil {
		clock = newFakeClock()
	}
	m, err := NewManager(Options{
		Factory:          testFactory(t),
		MemoryCeiling:    testCeiling,
		IdleTimeout:      5 * time.Minute,
		AudioBufferBytes: 64,
		Probe:            probe,
		Now:              clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	s, err := m.Create(context.Background(), "alice", Settings{Voice: "alloy"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "alice", s.Identity)
	assert.Equal(t, "alloy", s.Settings().Voice)

	got, err := m.Get("alice")
	require.NoError(t, err)
	assert.Same(t, s, got)

	byID, err := m.GetByID(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, byID)

	_, err = m.Get("bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_RejectsDuplicateIdentity(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	first, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "alice", Settings{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	got, err := m.Get("alice")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.NoError(t, first.Context().Err(), "first session must be unaffected")
}

func TestManager_InvalidIdentity(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	for _, identity := range []string{"", "   ", "bad\x00id", string(make([]byte, 200))} {
		_, err := m.Create(context.Background(), identity, Settings{})
		assert.ErrorIs(t, err, ErrInvalidIdentity, "identity %q", identity)
	}
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	s, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	assert.True(t, m.Remove("alice", ReasonDisconnect))
	assert.False(t, m.Remove("alice", ReasonDisconnect))
	assert.False(t, m.RemoveSession(s, ReasonDisconnect))
	assert.Error(t, s.Context().Err())
	assert.Equal(t, ReasonDisconnect, s.CloseReason())

	_, err = m.Get("alice")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, again.ID)
}

func TestManager_RemoveByID(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	s, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	require.NoError(t, m.RemoveByID(s.ID, ReasonAdmin))
	assert.ErrorIs(t, m.RemoveByID(s.ID, ReasonAdmin), ErrNotFound)
	assert.Equal(t, ReasonAdmin, s.CloseReason())
}

func TestManager_StaleRemoveKeepsNewSession(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)

	old, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)
	require.True(t, m.RemoveSession(old, ReasonDisconnect))

	current, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	assert.False(t, m.RemoveSession(old, ReasonDisconnect))
	got, err := m.Get("alice")
	require.NoError(t, err)
	assert.Same(t, current, got)
}

func TestManager_SoftThresholdEvictsOneIdle(t *testing.T) {
	probe := newFixedRatio(0.1)
	clock := newFakeClock()
	m := setupTestManager(t, probe, clock)

	oldest, err := m.Create(context.Background(), "a", Settings{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	busy, err := m.Create(context.Background(), "b", Settings{})
	require.NoError(t, err)
	require.True(t, busy.BeginProcessing())
	clock.Advance(time.Second)
	newer, err := m.Create(context.Background(), "c", Settings{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	probe.set(0.85)
	_, err = m.Create(context.Background(), "d", Settings{})
	require.NoError(t, err)

	assert.Equal(t, 3, m.Count())
	assert.Equal(t, ReasonMemory, oldest.CloseReason())
	assert.Empty(t, newer.CloseReason())
	assert.Empty(t, busy.CloseReason())
	_, err = m.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_HardThresholdAllProcessing(t *testing.T) {
	probe := newFixedRatio(0.1)
	m := setupTestManager(t, probe, nil)

	var sessions []*Session
	for _, id := range []string{"a", "b"} {
		s, err := m.Create(context.Background(), id, Settings{})
		require.NoError(t, err)
		require.True(t, s.BeginProcessing())
		sessions = append(sessions, s)
	}

	probe.set(1.25)
	_, err := m.Create(context.Background(), "c", Settings{})
	require.Error(t, err)
	var exhausted *ResourceExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.InDelta(t, 1.25, exhausted.Ratio(), 0.01)

	assert.Equal(t, 2, m.Count())
	for _, s := range sessions {
		assert.NoError(t, s.Context().Err(), "processing sessions must not be aborted by Create")
	}
}

func TestManager_HardThresholdEvictsIdle(t *testing.T) {
	probe := newFixedRatio(0.1)
	clock := newFakeClock()
	m := setupTestManager(t, probe, clock)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := m.Create(context.Background(), id, Settings{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Four sessions share 110% of the ceiling; one eviction projects under 100%.
	probe.set(1.10)
	_, err := m.Create(context.Background(), "e", Settings{})
	require.NoError(t, err)
	assert.Equal(t, 4, m.Count())
	_, err = m.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get("b")
	assert.NoError(t, err)
}

func TestManager_SweepIdle(t *testing.T) {
	clock := newFakeClock()
	m := setupTestManager(t, newFixedRatio(0.1), clock)

	idle, err := m.Create(context.Background(), "idle", Settings{})
	require.NoError(t, err)
	busy, err := m.Create(context.Background(), "busy", Settings{})
	require.NoError(t, err)
	require.True(t, busy.BeginProcessing())

	clock.Advance(4 * time.Minute)
	active, err := m.Create(context.Background(), "active", Settings{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	result := m.Sweep()
	assert.Equal(t, 1, result.Idle)
	assert.Equal(t, ReasonIdle, idle.CloseReason())
	assert.Empty(t, busy.CloseReason())
	assert.Empty(t, active.CloseReason())
	assert.Equal(t, 2, m.Count())
}

func TestManager_SweepEmergencyEvictsProcessing(t *testing.T) {
	probe := newFixedRatio(0.1)
	clock := newFakeClock()
	m := setupTestManager(t, probe, clock)

	var sessions []*Session
	for _, id := range []string{"a", "b"} {
		s, err := m.Create(context.Background(), id, Settings{})
		require.NoError(t, err)
		require.True(t, s.BeginProcessing())
		sessions = append(sessions, s)
		clock.Advance(time.Second)
	}

	probe.set(1.1)
	result := m.Sweep()
	assert.Equal(t, 0, result.Total(), "processing sessions survive under the emergency threshold")

	probe.set(1.3)
	result = m.Sweep()
	assert.Equal(t, 1, result.Emergency)
	assert.Equal(t, ReasonEmergency, sessions[0].CloseReason())
	assert.Empty(t, sessions[1].CloseReason())
}

// blockingClose registers a close hook on s that signals started and then
// waits for the returned release func.
func blockingClose(t *testing.T, s *Session) (started <-chan struct{}, release func()) {
	t.Helper()
	begun := make(chan struct{})
	gate := make(chan struct{})
	s.OnClose(func(string) {
		close(begun)
		<-gate
	})
	release = sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	return begun, release
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestManager_SweepClosesOutsideRegistryLock(t *testing.T) {
	clock := newFakeClock()
	m := setupTestManager(t, newFixedRatio(0.1), clock)

	idle, err := m.Create(context.Background(), "idle-user", Settings{})
	require.NoError(t, err)
	started, release := blockingClose(t, idle)
	clock.Advance(4 * time.Minute)
	_, err = m.Create(context.Background(), "busy-user", Settings{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	swept := make(chan SweepResult, 1)
	go func() { swept <- m.Sweep() }()
	waitFor(t, started, "idle session close hook")

	looked := make(chan struct{})
	go func() {
		defer close(looked)
		_, err := m.Get("busy-user")
		assert.NoError(t, err)
	}()
	select {
	case <-looked:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Get blocked behind an eviction close hook")
	}

	// The identity stays reserved until its handlers are released.
	_, err = m.Create(context.Background(), "idle-user", Settings{})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.False(t, idle.BeginProcessing())

	release()
	select {
	case result := <-swept:
		assert.Equal(t, 1, result.Idle)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not finish")
	}
	assert.Equal(t, ReasonIdle, idle.CloseReason())
	_, err = m.Get("idle-user")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := m.Create(context.Background(), "idle-user", Settings{})
	require.NoError(t, err)
	assert.NotEqual(t, idle.ID, again.ID)
}

func TestManager_CreateReleasesVictimOutsideRegistryLock(t *testing.T) {
	probe := newFixedRatio(0.1)
	clock := newFakeClock()
	m := setupTestManager(t, probe, clock)

	victim, err := m.Create(context.Background(), "old", Settings{})
	require.NoError(t, err)
	started, release := blockingClose(t, victim)
	clock.Advance(time.Second)
	_, err = m.Create(context.Background(), "other", Settings{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	probe.set(0.85)
	created := make(chan error, 1)
	go func() {
		_, err := m.Create(context.Background(), "new", Settings{})
		created <- err
	}()
	waitFor(t, started, "victim close hook")

	looked := make(chan struct{})
	go func() {
		defer close(looked)
		_, err := m.Get("other")
		assert.NoError(t, err)
		_, err = m.Get("new")
		assert.NoError(t, err, "the new session is registered before victims are closed")
	}()
	select {
	case <-looked:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Get blocked behind an eviction close hook")
	}

	_, err = m.Create(context.Background(), "old", Settings{})
	assert.ErrorIs(t, err, ErrAlreadyActive)

	release()
	select {
	case err := <-created:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Create did not finish")
	}
	assert.Equal(t, ReasonMemory, victim.CloseReason())
	_, err = m.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, m.Count())
}

func TestManager_RemoveDuringEvictionKeepsEvictionReason(t *testing.T) {
	clock := newFakeClock()
	m := setupTestManager(t, newFixedRatio(0.1), clock)

	s, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)
	started, release := blockingClose(t, s)
	clock.Advance(6 * time.Minute)

	swept := make(chan SweepResult, 1)
	go func() { swept <- m.Sweep() }()
	waitFor(t, started, "close hook")

	removed := make(chan bool, 1)
	go func() { removed <- m.RemoveSession(s, ReasonDisconnect) }()
	release()

	result := <-swept
	assert.Equal(t, 1, result.Idle)
	<-removed
	assert.Equal(t, ReasonIdle, s.CloseReason())
	assert.Equal(t, 0, m.Count())
}

func TestManager_HeartbeatCounters(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)
	_, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	assert.Equal(t, 1, m.HeartbeatMissed("alice"))
	assert.Equal(t, 2, m.HeartbeatMissed("alice"))
	m.HeartbeatOK("alice")
	assert.Equal(t, 1, m.HeartbeatMissed("alice"))
	assert.Equal(t, 0, m.HeartbeatMissed("nobody"))

	m.Remove("alice", ReasonHeartbeat)
	assert.Equal(t, 0, m.HeartbeatMissed("alice"))
}

func TestManager_ListAndStats(t *testing.T) {
	clock := newFakeClock()
	m := setupTestManager(t, newFixedRatio(0.5), clock)

	a, err := m.Create(context.Background(), "a", Settings{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := m.Create(context.Background(), "b", Settings{})
	require.NoError(t, err)
	require.True(t, b.BeginProcessing())

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.True(t, list[1].Processing)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, uint64(testCeiling), stats.CeilingBytes)
	assert.InDelta(t, 0.5, stats.MemoryRatio, 0.001)
	assert.True(t, stats.MemoryProbeOK)
}

func TestManager_ProbeFailureAdmits(t *testing.T) {
	m := setupTestManager(t, ProbeFunc(func() (uint64, error) { return 0, errors.New("no procfs") }), nil)
	_, err := m.Create(context.Background(), "alice", Settings{})
	assert.NoError(t, err)
	assert.False(t, m.Stats().MemoryProbeOK)
}

func TestManager_CloseRejectsCreate(t *testing.T) {
	m := setupTestManager(t, newFixedRatio(0.1), nil)
	s, err := m.Create(context.Background(), "alice", Settings{})
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, ReasonShutdown, s.CloseReason())
	_, err = m.Create(context.Background(), "bob", Settings{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewMemoryProbe(t *testing.T) {
	usage, err := NewMemoryProbe().Usage()
	require.NoError(t, err)
	assert.Greater(t, usage, uint64(0))

	usage, err = RuntimeProbe{}.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage, uint64(0))
}
