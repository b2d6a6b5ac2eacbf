package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "STATESYNC_CONFIG"
	EnvServerURL = "STATESYNC_SERVER_URL"
	EnvStatePath = "STATESYNC_STATE_PATH"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // STATESYNC_CONFIG: override config file path
	ServerURL  string // STATESYNC_SERVER_URL: server base URL
	StatePath  string // STATESYNC_STATE_PATH: state database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		StatePath:  os.Getenv(EnvStatePath),
	}
}
