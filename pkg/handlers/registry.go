package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/internal/observability"
	"github.com/rs/zerolog/log"
)

// Constructor builds an uninitialised handler.
type Constructor func() Handler

// Registry maps role and kind to a constructor.
type Registry struct {
	mu    sync.RWMutex
	ctors map[Role]map[Kind]Constructor
}

// NewRegistry returns a registry preloaded with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[Role]map[Kind]Constructor)}

	r.Register(RoleDetector, KindEnergy, func() Handler { return &EnergyDetector{} })
	r.Register(RoleTranscriber, KindOpenAI, func() Handler { return &OpenAITranscriber{} })
	r.Register(RoleTranscriber, KindStatic, func() Handler { return &StaticTranscriber{} })
	r.Register(RoleReply, KindOpenAI, func() Handler { return &OpenAIReply{} })
	r.Register(RoleReply, KindAnthropic, func() Handler { return &AnthropicReply{} })
	r.Register(RoleReply, KindEcho, func() Handler { return &EchoReply{} })
	r.Register(RoleSynthesizer, KindOpenAI, func() Handler { return &OpenAISynthesizer{} })
	r.Register(RoleSynthesizer, KindSilence, func() Handler { return &SilenceSynthesizer{} })
	r.Register(RoleRenderer, KindHTTP, func() Handler { return &HTTPRenderer{} })
	r.Register(RoleRenderer, KindPassthrough, func() Handler { return &PassthroughRenderer{} })
	r.Register(RoleSearch, KindHTTP, func() Handler { return &HTTPSearcher{} })

	return r
}

// Register adds or replaces the constructor for role/kind.
func (r *Registry) Register(role Role, kind Kind, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctors[role] == nil {
		r.ctors[role] = make(map[Kind]Constructor)
	}
	r.ctors[role][kind] = ctor
}

func (r *Registry) lookup(role Role, kind Kind) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[role][kind]
	return ctor, ok
}

// Kinds lists the registered kinds for a role.
func (r *Registry) Kinds(role Role) []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.ctors[role]))
	for k := range r.ctors[role] {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

type binding struct {
	role Role
	kind Kind
	cfg  config.HandlerConfig
	ctor Constructor
}

// Factory resolves the configured kind for every role once, at startup, and
// hands out per-session handler sets.
type Factory struct {
	bindings map[Role]binding
}

// NewFactory validates cfg against the registry. Search may be "none" or empty;
// every other role must name a registered kind.
func NewFactory(reg *Registry, cfg config.HandlersConfig) (*Factory, error) {
	if reg == nil {
		reg = NewRegistry()
	}

	roles := []struct {
		role     Role
		cfg      config.HandlerConfig
		optional bool
	}{
		{RoleDetector, cfg.Detector, true},
		{RoleTranscriber, cfg.Transcriber, false},
		{RoleReply, cfg.Reply, false},
		{RoleSynthesizer, cfg.Synthesizer, false},
		{RoleRenderer, cfg.Renderer, false},
		{RoleSearch, cfg.Search, true},
	}

	f := &Factory{bindings: make(map[Role]binding, len(roles))}
	for _, r := range roles {
		kind := Kind(r.cfg.Kind)
		if kind == "" || kind == KindNone {
			if !r.optional {
				return nil, fmt.Errorf("%s: %w: %q", r.role, ErrUnknownKind, r.cfg.Kind)
			}
			continue
		}
		ctor, ok := reg.lookup(r.role, kind)
		if !ok {
			return nil, fmt.Errorf("%s: %w: %q (registered: %v)", r.role, ErrUnknownKind, kind, reg.Kinds(r.role))
		}
		f.bindings[r.role] = binding{role: r.role, kind: kind, cfg: r.cfg, ctor: ctor}
	}
	return f, nil
}

// Enabled reports whether a role has a configured backend.
func (f *Factory) Enabled(role Role) bool {
	_, ok := f.bindings[role]
	return ok
}

// NewSet returns a fresh, uninitialised set of handlers for one session.
func (f *Factory) NewSet() *Set {
	s := &Set{slots: make(map[Role]*slot, len(f.bindings))}
	for role, b := range f.bindings {
		s.slots[role] = &slot{binding: b}
	}
	return s
}

type slot struct {
	binding
	once    sync.Once
	handler Handler
	err     error
}

func (s *slot) get(ctx context.Context) (Handler, error) {
	s.once.Do(func() {
		h := s.ctor()
		if err := h.Init(ctx, s.cfg); err != nil {
			s.err = &InitError{Role: s.role, Kind: s.kind, Err: err}
			observability.RecordHandlerInit(string(s.role), false)
			log.Warn().Err(err).Str("role", string(s.role)).Str("kind", string(s.kind)).Msg("Handler init failed")
			return
		}
		s.handler = h
		observability.RecordHandlerInit(string(s.role), true)
		log.Debug().Str("role", string(s.role)).Str("kind", string(s.kind)).Msg("Handler initialized")
	})
	return s.handler, s.err
}

// Set holds one session's handlers. Each handler is built and initialised on
// first use; a failed init is remembered and not retried.
type Set struct {
	mu     sync.Mutex
	closed bool
	slots  map[Role]*slot
}

func (s *Set) resolve(ctx context.Context, role Role) (Handler, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: handler set closed", role)
	}
	sl, ok := s.slots[role]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", role, ErrDisabled)
	}
	return sl.get(ctx)
}

func typed[T Handler](s *Set, ctx context.Context, role Role) (T, error) {
	var zero T
	h, err := s.resolve(ctx, role)
	if err != nil {
		return zero, err
	}
	t, ok := h.(T)
	if !ok {
		return zero, &InitError{Role: role, Kind: s.slots[role].kind, Err: fmt.Errorf("constructor returned %T", h)}
	}
	return t, nil
}

// Detector returns the session's speech detector.
func (s *Set) Detector(ctx context.Context) (SpeechDetector, error) {
	return typed[SpeechDetector](s, ctx, RoleDetector)
}

// Transcriber returns the session's transcriber.
func (s *Set) Transcriber(ctx context.Context) (Transcriber, error) {
	return typed[Transcriber](s, ctx, RoleTranscriber)
}

// Reply returns the session's reply generator.
func (s *Set) Reply(ctx context.Context) (ReplyGenerator, error) {
	return typed[ReplyGenerator](s, ctx, RoleReply)
}

// Synthesizer returns the session's speech synthesizer.
func (s *Set) Synthesizer(ctx context.Context) (Synthesizer, error) {
	return typed[Synthesizer](s, ctx, RoleSynthesizer)
}

// Renderer returns the session's video renderer.
func (s *Set) Renderer(ctx context.Context) (Renderer, error) {
	return typed[Renderer](s, ctx, RoleRenderer)
}

// Searcher returns the session's web searcher.
func (s *Set) Searcher(ctx context.Context) (Searcher, error) {
	return typed[Searcher](s, ctx, RoleSearch)
}

// Has reports whether role is configured for this set.
func (s *Set) Has(role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[role]
	return ok
}

// Close releases every initialised handler. Later lookups fail.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	slots := s.slots
	s.mu.Unlock()

	var errs []error
	for role, sl := range slots {
		// Wait out an in-flight Init so its handler is not leaked.
		sl.once.Do(func() { sl.err = errors.New("closed before use") })
		if sl.handler == nil {
			continue
		}
		if err := sl.handler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}
