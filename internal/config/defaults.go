package config

import "path/filepath"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultServerURL       = "http://localhost:8080/api"
	defaultPullConcurrency = 4
	defaultLogLevel        = "warn"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultRequestTimeout  = "60s"
	stateFileName          = "state.db"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			ServerURL: defaultServerURL,
		},
		StateConfig: StateConfig{
			StatePath:       DefaultStatePath(),
			PullConcurrency: defaultPullConcurrency,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
	}
}

// DefaultStatePath returns the default location of the state database.
func DefaultStatePath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, stateFileName)
}
