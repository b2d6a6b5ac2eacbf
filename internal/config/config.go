// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for statesync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat top-level keys; the embedded sections only group them
// in code.
type Config struct {
	ServerConfig
	StateConfig
	LoggingConfig
	NetworkConfig
}

// ServerConfig locates the entity server.
type ServerConfig struct {
	ServerURL    string `toml:"server_url"`
	WebsocketURL string `toml:"websocket_url"` // derived from server_url when empty
}

// StateConfig controls the local state cache and synchronization fan-out.
type StateConfig struct {
	StatePath       string `toml:"state_path"`
	PullConcurrency int    `toml:"pull_concurrency"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	StatePath  *string // --state flag
}
