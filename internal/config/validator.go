package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validator performs field-level checks that Validate leaves to the operator tools.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateEndpoint requires an absolute http(s) URL.
func (v *Validator) ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}

// ValidateHeartbeat rejects an idle timeout that would fire before a dead
// connection is detected by the heartbeat.
func (v *Validator) ValidateHeartbeat(hb HeartbeatConfig, idle time.Duration) error {
	window := hb.Interval * time.Duration(hb.MaxMissed)
	if idle > 0 && idle < window {
		return fmt.Errorf("sessions.idle_timeout (%s) is shorter than the heartbeat window (%s)", idle, window)
	}
	return nil
}

// ValidateHandler checks the credential and endpoint a backend kind needs.
func (v *Validator) ValidateHandler(role string, h HandlerConfig) error {
	switch h.Kind {
	case "openai", "anthropic":
		if h.APIKey == "" {
			return nil // SDK falls back to its environment variable
		}
		if err := v.ValidateAPIKey(h.APIKey, h.Kind); err != nil {
			return fmt.Errorf("handlers.%s: %w", role, err)
		}
	case "http":
		if err := v.ValidateEndpoint(h.Endpoint); err != nil {
			return fmt.Errorf("handlers.%s: %w", role, err)
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	handlers := []struct {
		role string
		cfg  HandlerConfig
	}{
		{"detector", cfg.Handlers.Detector},
		{"transcriber", cfg.Handlers.Transcriber},
		{"reply", cfg.Handlers.Reply},
		{"synthesizer", cfg.Handlers.Synthesizer},
		{"renderer", cfg.Handlers.Renderer},
		{"search", cfg.Handlers.Search},
	}
	for _, h := range handlers {
		if err := v.ValidateHandler(h.role, h.cfg); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.ValidateHeartbeat(cfg.Heartbeat, cfg.Sessions.IdleTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
