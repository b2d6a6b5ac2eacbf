package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/store"
	"github.com/tonimelisma/statesync/internal/sync"
)

// exitActionFailed is the exit status when the server rejected an action
// or could not be reached.
const exitActionFailed = 2

// stateDirPermissions is the permission mode for the state directory.
const stateDirPermissions = 0o700

// errActionFailed wraps the error recorded in local state for the action a
// command ran.
var errActionFailed = errors.New("action failed")

// clientSession bundles the engine with the resources it holds.
type clientSession struct {
	engine *sync.Engine
	store  *store.SQLite
}

func (cs *clientSession) Close() error {
	return cs.store.Close()
}

// openSession opens the state database and wires the engine to the remote
// client described by the resolved config.
func openSession(ctx context.Context, cc *CLIContext) (*clientSession, error) {
	if cc.Cfg == nil {
		return nil, errors.New("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cc.Cfg.StatePath), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	st, err := store.OpenSQLite(ctx, cc.Cfg.StatePath, cc.Logger)
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(cc.Cfg.ServerURL, newHTTPClient(cc), cc.Cfg.UserAgent, cc.Logger)

	engine, err := sync.NewEngine(&sync.EngineConfig{
		Store:  st,
		Remote: client,
		Logger: cc.Logger,
	})
	if err != nil {
		st.Close()

		return nil, err
	}

	return &clientSession{engine: engine, store: st}, nil
}

// newHTTPClient returns a client for request/response calls, bounded by the
// configured timeouts.
func newHTTPClient(cc *CLIContext) *http.Client {
	return &http.Client{
		Timeout:   cc.Cfg.RequestTimeout,
		Transport: newTransport(cc),
	}
}

// newStreamClient returns a client for the long-lived diff stream: only the
// connect phase is bounded.
func newStreamClient(cc *CLIContext) *http.Client {
	return &http.Client{Transport: newTransport(cc)}
}

func newTransport(cc *CLIContext) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: cc.Cfg.ConnectTimeout}).DialContext

	return t
}

// checkAction returns errActionFailed when local state holds an error
// recorded for tag.
func checkAction(s state.LocalState, tag state.ActionTag) error {
	if s.Error == nil || s.Error.ActionTag != tag {
		return nil
	}

	return fmt.Errorf("%w: %s (%s, %s)", errActionFailed, s.Error.Message, s.Error.Kind, s.Error.At)
}
