package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/avatarcore/internal/config"
)

// Role names one stage of the generation chain.
type Role string

const (
	RoleDetector    Role = "detector"
	RoleTranscriber Role = "transcriber"
	RoleReply       Role = "reply"
	RoleSynthesizer Role = "synthesizer"
	RoleRenderer    Role = "renderer"
	RoleSearch      Role = "search"
)

// Kind names a backend implementation of a role.
type Kind string

const (
	KindNone        Kind = "none"
	KindEnergy      Kind = "energy"
	KindOpenAI      Kind = "openai"
	KindAnthropic   Kind = "anthropic"
	KindEcho        Kind = "echo"
	KindStatic      Kind = "static"
	KindSilence     Kind = "silence"
	KindHTTP        Kind = "http"
	KindPassthrough Kind = "passthrough"
)

var (
	// ErrUnknownKind is returned when a configured kind has no registered constructor.
	ErrUnknownKind = errors.New("unknown handler kind")
	// ErrDisabled is returned when a role is configured with kind "none".
	ErrDisabled = errors.New("handler disabled")
	// ErrResponseTooLarge is returned when a backend response exceeds its size cap.
	ErrResponseTooLarge = errors.New("response too large")
)

// InitError reports a handler that failed to load. The session keeps working for
// requests that do not need the failed role.
type InitError struct {
	Role Role
	Kind Kind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s handler %q failed to initialize: %v", e.Role, e.Kind, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Handler is the lifecycle shared by every backend. Init runs at most once per
// session, on first use.
type Handler interface {
	Init(ctx context.Context, cfg config.HandlerConfig) error
	Close() error
}

// Detection is the speech detector's verdict over the utterance so far.
type Detection struct {
	HasSpeech       bool
	TrailingSilence time.Duration
	EndOfUtterance  bool
}

// SpeechDetector decides whether the audio streamed so far holds a finished
// utterance. Detect is fed each new chunk once, in order; Reset starts a new
// utterance. A detector belongs to one session and is not safe for concurrent use.
type SpeechDetector interface {
	Handler
	Detect(ctx context.Context, chunk []byte) (Detection, error)
	Reset()
}

// Transcriber converts one utterance to text.
type Transcriber interface {
	Handler
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Message is one conversation history entry.
type Message struct {
	Role string `json:"role"` // user or assistant
	Text string `json:"text"`
}

// ReplyRequest carries everything the reply generator needs for one turn.
type ReplyRequest struct {
	SystemPrompt string
	History      []Message
	Model        string
}

// FragmentStream yields reply text incrementally. Next returns iterator.Done
// after the last fragment. A stream cannot be restarted.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// ReplyGenerator produces a streamed reply for a conversation.
type ReplyGenerator interface {
	Handler
	Generate(ctx context.Context, req ReplyRequest) (FragmentStream, error)
}

// Audio is synthesized speech for one segment.
type Audio struct {
	Data       []byte
	Format     string // pcm, wav, mp3, ...
	SampleRate int
}

// Synthesizer turns segment text into speech.
type Synthesizer interface {
	Handler
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}

// Video is an encoded lip-synced clip for one segment.
type Video struct {
	Data        []byte
	ContentType string
}

// Renderer turns speech into lip-synced video.
type Renderer interface {
	Handler
	Render(ctx context.Context, audio Audio, text string) (Video, error)
}

// SearchResult is one web search hit used to ground a reply.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher looks up context for a user query.
type Searcher interface {
	Handler
	Search(ctx context.Context, query string) ([]SearchResult, error)
}
