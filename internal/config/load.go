package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the effective configuration after the override chain, with
// durations parsed and paths expanded.
type Resolved struct {
	Config

	ConfigPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.ServerURL != "" {
		cfg.ServerURL = env.ServerURL
	}

	if env.StatePath != "" {
		cfg.StatePath = env.StatePath
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.ServerURL != nil {
		cfg.ServerURL = *cli.ServerURL
	}

	if cli.StatePath != nil {
		cfg.StatePath = *cli.StatePath
	}

	cfg.StatePath = expandTilde(cfg.StatePath)

	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = websocketURLFor(cfg.ServerURL)
	}

	// 5. Validate the final result
	if err := errors.Join(Validate(cfg), ValidateResolved(cfg)); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	// Durations were validated above.
	connect, _ := time.ParseDuration(cfg.NetworkConfig.ConnectTimeout)
	request, _ := time.ParseDuration(cfg.NetworkConfig.RequestTimeout)

	return &Resolved{
		Config:         *cfg,
		ConfigPath:     cfgPath,
		ConnectTimeout: connect,
		RequestTimeout: request,
	}, nil
}

// websocketURLFor derives the diff stream endpoint from the server base
// URL: http(s)://host/api becomes ws(s)://host/api/ws.
func websocketURLFor(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + "/ws"
}
