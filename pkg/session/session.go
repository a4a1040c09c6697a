package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Removal reasons, also used as metric labels and close-frame text.
const (
	ReasonDisconnect = "disconnect"
	ReasonHeartbeat  = "heartbeat_timeout"
	ReasonIdle       = "idle_timeout"
	ReasonMemory     = "memory_pressure"
	ReasonEmergency  = "memory_emergency"
	ReasonAdmin      = "admin"
	ReasonShutdown   = "shutdown"
)

// Settings is the per-session snapshot of client-selectable options. Updating
// it never changes which handler kinds serve the session.
type Settings struct {
	Model     string `json:"model,omitempty"`
	Voice     string `json:"voice,omitempty"`
	Template  string `json:"template,omitempty"`
	Streaming bool   `json:"streaming"`
	UseSearch bool   `json:"use_search"`
}

// Info is the admin view of a session.
type Info struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	Processing   bool      `json:"processing"`
	HistoryTurns int       `json:"history_turns"`
}

// Session is one user's live conversation.
type Session struct {
	ID        string
	Identity  string
	CreatedAt time.Time
	Handlers  *handlers.Set

	now        func() time.Time
	audioLimit int
	logger     zerolog.Logger

	mu         sync.Mutex
	lastActive time.Time
	processing bool
	history    []handlers.Message
	audio      []byte
	settings   Settings
	onClose    []func(reason string)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
	reason    string
}

func newSession(id, identity string, set *handlers.Set, settings Settings, audioLimit int, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	created := now()
	return &Session{
		ID:         id,
		Identity:   identity,
		CreatedAt:  created,
		Handlers:   set,
		now:        now,
		audioLimit: audioLimit,
		logger:     log.With().Str("component", "session").Str("session_id", id).Str("identity", identity).Logger(),
		lastActive: created,
		settings:   settings,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Logger returns the session's component logger.
func (s *Session) Logger() zerolog.Logger { return s.logger }

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// LastActive returns the time of the last recorded activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// BeginProcessing marks the session busy. It returns false if a turn is
// already in flight or the session is closing.
func (s *Session) BeginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing || s.ctx.Err() != nil {
		return false
	}
	s.processing = true
	s.lastActive = s.now()
	return true
}

// EndProcessing clears the busy flag.
func (s *Session) EndProcessing() {
	s.mu.Lock()
	s.processing = false
	s.lastActive = s.now()
	s.mu.Unlock()
}

// Processing reports whether a turn is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// AppendExchange records a user message and the reply to it together.
func (s *Session) AppendExchange(user, assistant string) {
	s.mu.Lock()
	s.history = append(s.history,
		handlers.Message{Role: "user", Text: user},
		handlers.Message{Role: "assistant", Text: assistant})
	s.mu.Unlock()
}

// History returns a copy of the last limit messages, or all of them when limit
// is not positive.
func (s *Session) History(limit int) []handlers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	out := make([]handlers.Message, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// AppendAudio adds bytes to the current utterance. On overflow the utterance
// is discarded and ErrAudioOverflow returned.
func (s *Session) AppendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioLimit > 0 && len(s.audio)+len(data) > s.audioLimit {
		s.audio = nil
		return fmt.Errorf("%w: limit %d bytes", ErrAudioOverflow, s.audioLimit)
	}
	s.audio = append(s.audio, data...)
	s.lastActive = s.now()
	return nil
}

// AudioFrom returns a copy of the current utterance from offset on, without
// consuming it. It returns nil when nothing lies past offset.
func (s *Session) AudioFrom(offset int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.audio) {
		return nil
	}
	return append([]byte(nil), s.audio[offset:]...)
}

// TakeAudio returns the current utterance and resets the buffer.
func (s *Session) TakeAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := s.audio
	s.audio = nil
	return audio
}

// Settings returns the current settings snapshot.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn to the settings under the session lock.
func (s *Session) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.settings
}

// Go runs fn on a goroutine tracked by the session. Close waits for it.
// fn must not call Close or remove the session from its manager.
func (s *Session) Go(fn func(ctx context.Context)) {
	s.wg.Go(func() { fn(s.ctx) })
}

// OnClose registers fn to run when the session closes, before its goroutines
// are awaited. Hooks run in registration order.
func (s *Session) OnClose(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		go fn(s.reason)
		return
	}
	s.onClose = append(s.onClose, fn)
}

// CloseReason returns why the session closed, or "" while it is live.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Info returns the admin view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Identity:     s.Identity,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.lastActive,
		Processing:   s.processing,
		HistoryTurns: len(s.history),
	}
}

// claim cancels the session for reason so that no new turn can start, leaving
// the blocking teardown to Close. A processing session is only claimed when
// includeProcessing is set. It returns false if the session is already closing.
func (s *Session) claim(reason string, includeProcessing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if s.processing && !includeProcessing {
		return false
	}
	s.reason = reason
	s.cancel()
	return true
}

// closing reports whether the session has been cancelled.
func (s *Session) closing() bool { return s.ctx.Err() != nil }

// Close cancels the session, runs close hooks, waits for tracked goroutines and
// releases handlers. Later calls block until the first one finishes. A reason
// recorded by an earlier eviction claim takes precedence.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.reason == "" {
			s.reason = reason
		}
		reason = s.reason
		hooks := s.onClose
		s.onClose = nil
		s.cancel()
		s.mu.Unlock()

		for _, hook := range hooks {
			hook(reason)
		}

		if recovered := s.wg.WaitAndRecover(); recovered != nil {
			s.logger.Error().Str("panic", recovered.String()).Msg("Session goroutine panicked")
		}

		if s.Handlers != nil {
			if err := s.Handlers.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to release handlers")
			}
		}

		s.mu.Lock()
		s.processing = false
		s.audio = nil
		s.mu.Unlock()

		s.logger.Info().Str("reason", reason).Msg("Session closed")
	})
}
