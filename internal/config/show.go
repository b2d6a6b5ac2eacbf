package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated
// summary to w. This powers the "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %q)\n\n", r.ConfigPath)

	ew.printf("[server]\n")
	ew.printf("  server_url    = %q\n", r.ServerURL)
	ew.printf("  websocket_url = %q\n", r.WebsocketURL)
	ew.printf("\n")

	ew.printf("[state]\n")
	ew.printf("  state_path       = %q\n", r.StatePath)
	ew.printf("  pull_concurrency = %d\n", r.PullConcurrency)
	ew.printf("\n")

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)
	ew.printf("\n")

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", r.ConnectTimeout.String())
	ew.printf("  request_timeout = %q\n", r.RequestTimeout.String())

	if r.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.UserAgent)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
