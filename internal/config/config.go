package config

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// Config represents the avatarcore service configuration
type Config struct {
	// Server holds the transport listener settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Sessions bounds per-user session lifetime and memory
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Heartbeat controls connection liveness probing
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Workers bounds segment generation concurrency across all sessions
	Workers WorkersConfig `json:"workers" mapstructure:"workers"`

	// Handlers selects the generation backends
	Handlers HandlersConfig `json:"handlers" mapstructure:"handlers"`

	// Templates points at the system prompt template directory
	Templates TemplatesConfig `json:"templates" mapstructure:"templates"`

	// Segmenter tunes sentence boundary detection
	Segmenter SegmenterConfig `json:"segmenter" mapstructure:"segmenter"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory for logs and audit files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Host            string   `json:"host" mapstructure:"host"`
	Port            int      `json:"port" mapstructure:"port"`
	SharedSecret    string   `json:"shared_secret" mapstructure:"shared_secret"`
	AllowedOrigins  []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	MaxMessageBytes int64    `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	AdminEnabled    bool     `json:"admin_enabled" mapstructure:"admin_enabled"`
	// FramesPerMinute caps inbound control frames per connection; 0 disables it.
	FramesPerMinute int `json:"frames_per_minute" mapstructure:"frames_per_minute"`
}

// SessionsConfig holds session registry limits
type SessionsConfig struct {
	IdleTimeout      time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	MemoryCeilingMB  int           `json:"memory_ceiling_mb" mapstructure:"memory_ceiling_mb"`
	AudioBufferBytes int           `json:"audio_buffer_bytes" mapstructure:"audio_buffer_bytes"`
	HistoryLimit     int           `json:"history_limit" mapstructure:"history_limit"`
}

// HeartbeatConfig holds liveness probe settings
type HeartbeatConfig struct {
	Interval  time.Duration `json:"interval" mapstructure:"interval"`
	MaxMissed int           `json:"max_missed" mapstructure:"max_missed"`
}

// WorkersConfig holds the process-wide segment worker ceiling
type WorkersConfig struct {
	MaxConcurrent  int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	SegmentTimeout time.Duration `json:"segment_timeout" mapstructure:"segment_timeout"`
}

// HandlersConfig selects one backend per generation role
type HandlersConfig struct {
	Detector    HandlerConfig `json:"detector" mapstructure:"detector"`
	Transcriber HandlerConfig `json:"transcriber" mapstructure:"transcriber"`
	Reply       HandlerConfig `json:"reply" mapstructure:"reply"`
	Synthesizer HandlerConfig `json:"synthesizer" mapstructure:"synthesizer"`
	Renderer    HandlerConfig `json:"renderer" mapstructure:"renderer"`
	Search      HandlerConfig `json:"search" mapstructure:"search"`
}

// HandlerConfig configures a single handler backend
type HandlerConfig struct {
	Kind        string            `json:"kind" mapstructure:"kind"`
	Model       string            `json:"model,omitempty" mapstructure:"model"`
	Voice       string            `json:"voice,omitempty" mapstructure:"voice"`
	Endpoint    string            `json:"endpoint,omitempty" mapstructure:"endpoint"`
	APIKey      string            `json:"api_key,omitempty" mapstructure:"api_key"`
	MaxTokens   int               `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature float64           `json:"temperature,omitempty" mapstructure:"temperature"`
	Timeout     time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
	Options     map[string]string `json:"options,omitempty" mapstructure:"options"`
}

// TemplatesConfig holds prompt template settings
type TemplatesConfig struct {
	Dir     string `json:"dir" mapstructure:"dir"`
	Default string `json:"default" mapstructure:"default"`
	Watch   bool   `json:"watch" mapstructure:"watch"`
}

// SegmenterConfig holds sentence boundary settings
type SegmenterConfig struct {
	Terminators string `json:"terminators" mapstructure:"terminators"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxMessageBytes: 4 << 20,
			AdminEnabled:    true,
			FramesPerMinute: 120,
		},
		Sessions: SessionsConfig{
			IdleTimeout:      300 * time.Second,
			SweepInterval:    30 * time.Second,
			MemoryCeilingMB:  4096,
			AudioBufferBytes: 16000 * 2 * 60, // one minute of 16 kHz mono PCM16
			HistoryLimit:     20,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  30 * time.Second,
			MaxMissed: 3,
		},
		Workers: WorkersConfig{
			MaxConcurrent:  runtime.NumCPU(),
			SegmentTimeout: 30 * time.Second,
		},
		Handlers: HandlersConfig{
			Detector:    HandlerConfig{Kind: "energy"},
			Transcriber: HandlerConfig{Kind: "openai", Model: "whisper-1"},
			Reply:       HandlerConfig{Kind: "openai", Model: "gpt-4o-mini", MaxTokens: 1024, Temperature: 0.7},
			Synthesizer: HandlerConfig{Kind: "openai", Model: "tts-1", Voice: "alloy"},
			Renderer:    HandlerConfig{Kind: "passthrough"},
			Search:      HandlerConfig{Kind: "none"},
		},
		Templates: TemplatesConfig{
			Default: "default",
			Watch:   true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "avatarcore",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Address returns the listen address for the gateway.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MemoryCeilingBytes returns the session memory ceiling in bytes.
func (c *Config) MemoryCeilingBytes() uint64 {
	return uint64(c.Sessions.MemoryCeilingMB) * 1024 * 1024
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Sessions.MemoryCeilingMB <= 0 {
		return fmt.Errorf("sessions.memory_ceiling_mb must be positive")
	}
	if c.Sessions.AudioBufferBytes <= 0 {
		return fmt.Errorf("sessions.audio_buffer_bytes must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MaxMissed < 1 {
		return fmt.Errorf("heartbeat.max_missed must be at least 1")
	}
	if c.Workers.MaxConcurrent < 1 {
		return fmt.Errorf("workers.max_concurrent must be at least 1")
	}
	if c.Workers.SegmentTimeout <= 0 {
		return fmt.Errorf("workers.segment_timeout must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	roles := map[string]HandlerConfig{
		"detector":    c.Handlers.Detector,
		"transcriber": c.Handlers.Transcriber,
		"reply":       c.Handlers.Reply,
		"synthesizer": c.Handlers.Synthesizer,
		"renderer":    c.Handlers.Renderer,
	}
	for role, h := range roles {
		if h.Kind == "" {
			return fmt.Errorf("handlers.%s.kind is required", role)
		}
	}

	return nil
}
