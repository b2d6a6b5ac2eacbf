package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minPullConcurrency = 1
	maxPullConcurrency = 64
	minConnectTimeout  = 1 * time.Second
	minRequestTimeout  = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found,
// so users see a complete report and can fix everything in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateState(&cfg.StateConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.StatePath == "" {
		errs = append(errs, errors.New("state_path: must not be empty"))
	} else if !filepath.IsAbs(cfg.StatePath) {
		errs = append(errs, fmt.Errorf("state_path: must be absolute after expansion, got %q", cfg.StatePath))
	}

	if cfg.WebsocketURL != "" {
		if err := validateURL("websocket_url", cfg.WebsocketURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if err := validateURL("server_url", s.ServerURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}

	if s.WebsocketURL != "" {
		if err := validateURL("websocket_url", s.WebsocketURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s: must be an absolute %v URL, got %q", field, schemes, raw)
}

func validateState(s *StateConfig) []error {
	if s.PullConcurrency < minPullConcurrency || s.PullConcurrency > maxPullConcurrency {
		return []error{fmt.Errorf("pull_concurrency: must be between %d and %d, got %d",
			minPullConcurrency, maxPullConcurrency, s.PullConcurrency)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := validateDuration("request_timeout", n.RequestTimeout, minRequestTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}
