package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteTemplate when the file is present.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate lists every setting as a commented-out default.
const configTemplate = `# statesync configuration

# Entity server base URL
# server_url = "http://localhost:8080/api"

# Diff stream endpoint (default: derived from server_url)
# websocket_url = "ws://localhost:8080/api/ws"

# Local state database
# state_path = ""

# Maximum pulls in flight for "pull --all"
# pull_concurrency = 4

# Log verbosity: debug, info, warn, error
# log_level = "warn"

# Log format: auto, text, json
# log_format = "auto"

# connect_timeout = "10s"
# request_timeout = "60s"
# user_agent = ""
`

// WriteTemplate creates a commented default config file at path. It never
// overwrites an existing file.
func WriteTemplate(path string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPermissions); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, configFilePermissions)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}

	if _, err := f.WriteString(configTemplate); err != nil {
		f.Close()

		return fmt.Errorf("config: writing %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("config: closing %s: %w", path, err)
	}

	logger.Info("wrote config template", slog.String("path", path))

	return nil
}
