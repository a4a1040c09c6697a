package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. AVATAR_SERVER_PORT.
const EnvPrefix = "AVATAR"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file when present, applies environment overrides and fills
// derived paths. A missing file yields the defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "" {
				v.SetConfigType("json")
			}
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".avatarcore")
	}
	if cfg.Templates.Dir == "" {
		cfg.Templates.Dir = filepath.Join(cfg.DataDir, "templates")
	}

	return cfg, nil
}

// registerDefaults makes every leaf key known to viper so AutomaticEnv can override it.
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.shared_secret", cfg.Server.SharedSecret)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.max_message_bytes", cfg.Server.MaxMessageBytes)
	v.SetDefault("server.admin_enabled", cfg.Server.AdminEnabled)
	v.SetDefault("server.frames_per_minute", cfg.Server.FramesPerMinute)

	v.SetDefault("sessions.idle_timeout", cfg.Sessions.IdleTimeout)
	v.SetDefault("sessions.sweep_interval", cfg.Sessions.SweepInterval)
	v.SetDefault("sessions.memory_ceiling_mb", cfg.Sessions.MemoryCeilingMB)
	v.SetDefault("sessions.audio_buffer_bytes", cfg.Sessions.AudioBufferBytes)
	v.SetDefault("sessions.history_limit", cfg.Sessions.HistoryLimit)

	v.SetDefault("heartbeat.interval", cfg.Heartbeat.Interval)
	v.SetDefault("heartbeat.max_missed", cfg.Heartbeat.MaxMissed)

	v.SetDefault("workers.max_concurrent", cfg.Workers.MaxConcurrent)
	v.SetDefault("workers.segment_timeout", cfg.Workers.SegmentTimeout)

	handlers := map[string]HandlerConfig{
		"detector":    cfg.Handlers.Detector,
		"transcriber": cfg.Handlers.Transcriber,
		"reply":       cfg.Handlers.Reply,
		"synthesizer": cfg.Handlers.Synthesizer,
		"renderer":    cfg.Handlers.Renderer,
		"search":      cfg.Handlers.Search,
	}
	for role, h := range handlers {
		prefix := "handlers." + role + "."
		v.SetDefault(prefix+"kind", h.Kind)
		v.SetDefault(prefix+"model", h.Model)
		v.SetDefault(prefix+"voice", h.Voice)
		v.SetDefault(prefix+"endpoint", h.Endpoint)
		v.SetDefault(prefix+"api_key", h.APIKey)
		v.SetDefault(prefix+"max_tokens", h.MaxTokens)
		v.SetDefault(prefix+"temperature", h.Temperature)
		v.SetDefault(prefix+"timeout", h.Timeout)
	}

	v.SetDefault("templates.dir", cfg.Templates.Dir)
	v.SetDefault("templates.default", cfg.Templates.Default)
	v.SetDefault("templates.watch", cfg.Templates.Watch)
	v.SetDefault("segmenter.terminators", cfg.Segmenter.Terminators)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("data_dir", cfg.DataDir)
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path available")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".avatarcore", "avatarcore.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
