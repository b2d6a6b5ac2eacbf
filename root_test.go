package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/statesync/internal/config"
	"github.com/tonimelisma/statesync/internal/devserver"
	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/store"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests that
// drive the CLI build a fresh root per invocation and never run in
// parallel with each other.

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- buildLogger ---

func TestBuildLogger_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfgLevel string
		flags    CLIFlags
		enabled  slog.Level
		disabled slog.Level
	}{
		{"default warn", "", CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"config info", "info", CLIFlags{}, slog.LevelInfo, slog.LevelDebug},
		{"config error", "error", CLIFlags{}, slog.LevelError, slog.LevelWarn},
		{"verbose wins", "error", CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet wins", "debug", CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &config.Resolved{Config: *config.DefaultConfig()}
			cfg.LogLevel = tt.cfgLevel

			logger := buildLogger(cfg, tt.flags, &bytes.Buffer{})

			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Enabled(context.Background(), tt.disabled))
		})
	}
}

func TestBuildLogger_NilConfig(t *testing.T) {
	t.Parallel()

	logger := buildLogger(nil, CLIFlags{}, &bytes.Buffer{})

	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		json   bool
	}{
		{"auto", true}, // a buffer is not a terminal
		{"json", true},
		{"text", false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()

			cfg := &config.Resolved{Config: *config.DefaultConfig()}
			cfg.LogFormat = tt.format

			var buf bytes.Buffer
			buildLogger(cfg, CLIFlags{}, &buf).Warn("hello", slog.String("k", "v"))

			line := strings.TrimSpace(buf.String())
			if tt.json {
				var rec map[string]any
				require.NoError(t, json.Unmarshal([]byte(line), &rec))
				assert.Equal(t, "hello", rec["msg"])
				assert.Equal(t, "v", rec["k"])
			} else {
				assert.Contains(t, line, "level=WARN")
				assert.Contains(t, line, "msg=hello")
			}
		})
	}
}

// --- command tree ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{
		"login", "logout", "whoami", "follow", "unfollow", "commit",
		"revert", "pull", "rm", "show", "status", "watch", "config",
	} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "server", "state", "json", "verbose", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag --%s", name)
	}

	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
	assert.Equal(t, "q", cmd.PersistentFlags().Lookup("quiet").Shorthand)
}

func TestMustCLIContext_Missing(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

// --- helpers ---

func TestCheckAction(t *testing.T) {
	t.Parallel()

	s := state.New()
	assert.NoError(t, checkAction(s, "t1"))

	s.Error = &state.ErrorRecord{
		Kind:      state.ErrorAuthorization,
		Message:   "entity is locked",
		At:        state.AtServer,
		ActionTag: "t1",
	}

	assert.NoError(t, checkAction(s, "t2"))

	err := checkAction(s, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errActionFailed)
	assert.Equal(t, "action failed: entity is locked (Authorization, server)", err.Error())
}

func TestParseOperation(t *testing.T) {
	t.Parallel()

	op, err := parseOperation(`[{"op":"set","path":"title","value":"x"}]`)
	require.NoError(t, err)
	require.Len(t, op, 1)
	assert.Equal(t, operation.KindSet, op[0].Kind)

	op, err = parseOperation(`  {"$inc":{"n":2}}`)
	require.NoError(t, err)
	require.Len(t, op, 1)
	assert.Equal(t, operation.KindInc, op[0].Kind)

	for _, bad := range []string{`[]`, `title=x`, `[{"op":`, `{"$bogus":{}}`} {
		_, err := parseOperation(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadEntity(t *testing.T) {
	t.Parallel()

	e, err := readEntity("-", strings.NewReader(`{"id":"1","title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", e.ID())
	assert.Equal(t, "x", e["title"])

	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"2"}`), 0o600))

	e, err = readEntity(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", e.ID())

	_, err = readEntity("-", strings.NewReader(`{"title":"x"}`))
	assert.ErrorContains(t, err, "no \"id\" field")

	_, err = readEntity("-", strings.NewReader(`not json`))
	assert.ErrorContains(t, err, "decoding entity")

	_, err = readEntity(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.ErrorContains(t, err, "reading entity")
}

func TestBuildStatus(t *testing.T) {
	t.Parallel()

	s := state.New()
	s.Session = &state.Session{ID: "s1", EntityName: "user", UserID: "alice"}
	s.Entities["note"] = map[string]state.EntityInfo{
		"1": {
			Origin:    operation.Entity{"id": "1"},
			VersionID: "v1",
			Commits:   []operation.Operation{operation.New(operation.Inc("n", 1))},
			Head:      operation.Entity{"id": "1", "n": 1.0},
		},
	}

	out := buildStatus(s)

	assert.Equal(t, "user/alice", out.User)
	assert.True(t, out.Online)
	assert.Empty(t, out.Requests)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, statusEntity{EntityName: "note", ID: "1", VersionID: "v1", Pending: 1}, out.Entities[0])
}

func TestWatchPIDPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("/var", "lib", "watch.pid"), watchPIDPath("/var/lib/state.db"))
}

// --- end to end against the dev server ---

type cliEnv struct {
	srv       *devserver.Server
	serverURL string
	statePath string
	cfgPath   string
}

// newCLIEnv starts a dev server with one account (alice/pw) and isolates
// the CLI from the user's environment.
func newCLIEnv(t *testing.T, requireSession bool) *cliEnv {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv(config.EnvServerURL, "")
	t.Setenv(config.EnvStatePath, "")
	t.Setenv(envPassword, "")

	cfgPath := filepath.Join(home, "config.toml")
	t.Setenv(config.EnvConfig, cfgPath)

	srv := devserver.New(&devserver.Config{
		Logger:         testLogger(t),
		RequireSession: requireSession,
	})
	require.NoError(t, srv.AddUser("user", "alice", "pw", operation.Entity{"id": "alice", "name": "Alice"}))

	ts := newHTTPTestServer(t, srv)

	return &cliEnv{
		srv:       srv,
		serverURL: ts + "/api",
		statePath: filepath.Join(home, "state", "state.db"),
		cfgPath:   cfgPath,
	}
}

// run executes one CLI invocation with a fresh command tree.
func (e *cliEnv) run(ctx context.Context, stdin string, args ...string) (string, string, error) {
	cmd := newRootCmd()

	var stdout, stderr bytes.Buffer

	cmd.SetArgs(append([]string{"--server", e.serverURL, "--state", e.statePath}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.ExecuteContext(ctx)

	return stdout.String(), stderr.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, stdin string, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := e.run(context.Background(), stdin, args...)
	require.NoError(t, err, "statesync %s\nstderr: %s", strings.Join(args, " "), stderr)

	return stdout, stderr
}

func (e *cliEnv) status(t *testing.T) statusOutput {
	t.Helper()

	stdout, _ := e.mustRun(t, "", "status", "--json")

	var out statusOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	return out
}

func TestCLI_SessionLifecycle(t *testing.T) {
	env := newCLIEnv(t, true)

	_, v1 := seedEntity(t, env.srv, "note", operation.Entity{"id": "1", "title": "hello", "n": 0})
	_, _ = seedEntity(t, env.srv, "note", operation.Entity{"id": "2", devserver.LockedField: true})

	// Without a session every entity route is refused.
	_, _, err := env.run(context.Background(), `{"id":"1"}`, "follow", "note", "-", "--pull")
	require.ErrorIs(t, err, errActionFailed)
	assert.Contains(t, err.Error(), string(state.ErrorUnauthorized))

	_, stderr := env.mustRun(t, "", "login", "alice", "--password", "pw")
	assert.Contains(t, stderr, "Logged in as alice.")

	stdout, _ := env.mustRun(t, "", "whoami", "--json")

	var who whoamiOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &who))
	assert.True(t, who.LoggedIn)
	require.NotNil(t, who.Session)
	assert.Equal(t, "alice", who.Session.UserID)

	stdout, _ = env.mustRun(t, "", "whoami")
	assert.Contains(t, stdout, "User:    user/alice")

	env.mustRun(t, `{"id":"1"}`, "follow", "note", "-", "--pull")
	env.mustRun(t, `{"id":"2"}`, "follow", "note", "-", "--pull")

	stdout, stderr = env.mustRun(t, "", "show", "note", "1")
	assert.Contains(t, stderr, "version "+v1+", 0 commits pending")

	var doc operation.Entity
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "hello", doc["title"])

	// Default commit: committed locally, then pushed.
	_, stderr = env.mustRun(t, "", "commit", "note", "1", `{"$inc":{"n":5}}`)
	assert.Contains(t, stderr, "Pushed note/1.")

	serverDoc, serverVersion, ok := env.srv.Entity("note", "1")
	require.True(t, ok)
	assert.Equal(t, 5.0, serverDoc["n"])

	stdout, _ = env.mustRun(t, "", "show", "note", "1", "--json")

	var info state.EntityInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, serverVersion, info.VersionID)
	assert.Empty(t, info.Commits)
	assert.Equal(t, 5.0, info.Origin["n"])

	// Local commit, then revert it.
	setTitle := `[{"op":"set","path":"title","value":"draft"}]`
	_, stderr = env.mustRun(t, "", "commit", "--local", "note", "1", setTitle)
	assert.Contains(t, stderr, "Committed to note/1 locally.")

	stdout, _ = env.mustRun(t, "", "show", "note", "1")
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "draft", doc["title"])

	stdout, _ = env.mustRun(t, "", "show", "note", "1", "--origin")
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "hello", doc["title"])

	_, stderr = env.mustRun(t, "", "revert", "note", "1", setTitle)
	assert.Contains(t, stderr, "Reverted commit on note/1, 0 commits pending.")

	_, stderr = env.mustRun(t, "", "revert", "note", "1", setTitle)
	assert.Contains(t, stderr, "No matching pending commit on note/1.")

	// Push-first commit reaches local state through the server's answer.
	env.mustRun(t, "", "commit", "--push-first", "note", "1", `{"$set":{"title":"final"}}`)

	serverDoc, _, _ = env.srv.Entity("note", "1")
	assert.Equal(t, "final", serverDoc["title"])

	// A locked entity rejects the push and the commit is reverted.
	_, _, err = env.run(context.Background(), "", "commit", "note", "2", `{"$set":{"title":"x"}}`)
	require.ErrorIs(t, err, errActionFailed)
	assert.Contains(t, err.Error(), string(state.ErrorAuthorization))

	st := env.status(t)
	assert.Equal(t, "user/alice", st.User)
	assert.True(t, st.Online)
	assert.Empty(t, st.Requests)
	require.NotNil(t, st.Error)
	assert.Equal(t, state.ErrorAuthorization, st.Error.Kind)
	require.Len(t, st.Entities, 3)

	for _, e := range st.Entities {
		assert.Zero(t, e.Pending, "%s/%s", e.EntityName, e.ID)
	}

	_, stderr = env.mustRun(t, "", "pull", "--all")
	assert.Contains(t, stderr, "Pulled 3 followed entities.")

	env.mustRun(t, "", "pull", "note", "1")

	_, stderr = env.mustRun(t, "", "rm", "note", "1")
	assert.Contains(t, stderr, "Deleted note/1.")

	_, _, ok = env.srv.Entity("note", "1")
	assert.False(t, ok)
	assert.Len(t, env.status(t).Entities, 2)

	_, stderr = env.mustRun(t, "", "unfollow", "note", "2")
	assert.Contains(t, stderr, "Unfollowed note/2.")

	_, _, err = env.run(context.Background(), "", "unfollow", "note", "2")
	assert.ErrorContains(t, err, "note/2 is not followed")

	_, stderr = env.mustRun(t, "", "logout")
	assert.Contains(t, stderr, "Logged out.")

	st = env.status(t)
	assert.Empty(t, st.User)
	assert.Empty(t, st.Entities)

	_, _, err = env.run(context.Background(), "", "logout")
	assert.EqualError(t, err, "not logged in")

	_, _, err = env.run(context.Background(), "", "whoami")
	assert.ErrorContains(t, err, "not logged in")
}

func TestCLI_LoginFailures(t *testing.T) {
	env := newCLIEnv(t, false)

	_, _, err := env.run(context.Background(), "", "login", "alice")
	assert.ErrorContains(t, err, "no password")

	_, _, err = env.run(context.Background(), "", "login", "alice", "--password", "wrong")
	require.ErrorIs(t, err, errActionFailed)
	assert.Contains(t, err.Error(), string(state.ErrorUnauthorized))

	t.Setenv(envPassword, "pw")
	env.mustRun(t, "", "login", "alice")
}

func TestCLI_ServerDownKeepsCommit(t *testing.T) {
	env := newCLIEnv(t, false)
	env.serverURL = closedServerURL(t) + "/api"

	env.mustRun(t, `{"id":"1","n":1}`, "follow", "note", "-", "--version", "v1")

	_, _, err := env.run(context.Background(), "", "commit", "note", "1", `{"$inc":{"n":1}}`)
	require.ErrorIs(t, err, errActionFailed)
	assert.Contains(t, err.Error(), string(state.ErrorNetworkFailed))

	st := env.status(t)
	assert.False(t, st.Online)
	require.Len(t, st.Entities, 1)
	assert.Equal(t, 1, st.Entities[0].Pending)

	stdout, _ := env.mustRun(t, "", "status")
	assert.Contains(t, stdout, "Network:  offline, 0 requests in flight")
	assert.Contains(t, stdout, "1 commit")
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	env := newCLIEnv(t, false)

	stdout, _ := env.mustRun(t, "", "config", "init")
	assert.Equal(t, env.cfgPath+"\n", stdout)
	assert.FileExists(t, env.cfgPath)

	_, _, err := env.run(context.Background(), "", "config", "init")
	assert.ErrorIs(t, err, config.ErrConfigExists)

	stdout, _ = env.mustRun(t, "", "config", "show")
	assert.Contains(t, stdout, `server_url    = "`+env.serverURL+`"`)

	stdout, _ = env.mustRun(t, "", "config", "show", "--json")

	var resolved map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &resolved))
	assert.Equal(t, env.statePath, resolved["StatePath"])
}

func TestCLI_InvalidConfigRejected(t *testing.T) {
	env := newCLIEnv(t, false)
	require.NoError(t, os.WriteFile(env.cfgPath, []byte("pull_concurency = 4\n"), 0o600))

	_, _, err := env.run(context.Background(), "", "status")
	assert.ErrorContains(t, err, `did you mean "pull_concurrency"`)
}

func TestCLI_WatchAppliesServerDiffs(t *testing.T) {
	env := newCLIEnv(t, false)

	_, v0 := seedEntity(t, env.srv, "note", operation.Entity{"id": "1", "n": 0})
	env.mustRun(t, `{"id":"1"}`, "follow", "note", "-", "--pull")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		_, _, err := env.run(ctx, "", "watch")
		done <- err
	}()

	require.Eventually(t, func() bool { return env.srv.Streams() == 1 }, 5*time.Second, 10*time.Millisecond)

	pusher := remote.NewClient(env.serverURL, nil, "", testLogger(t))
	res, err := pusher.Push(context.Background(), state.PushCommand{
		EntityName: "note",
		ID:         "1",
		VersionID:  v0,
		Operations: []operation.Operation{operation.New(operation.Inc("n", 3))},
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := readStoredEntity(t, env.statePath, "note", "1")

		return ok && info.VersionID == res.VersionID && info.Origin["n"] == 3.0
	}, 5*time.Second, 20*time.Millisecond)

	assert.FileExists(t, watchPIDPath(env.statePath))

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	require.Eventually(t, func() bool { return env.srv.Streams() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func newHTTPTestServer(t *testing.T, srv *devserver.Server) string {
	t.Helper()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return ts.URL
}

// closedServerURL returns the address of a server that no longer listens.
func closedServerURL(t *testing.T) string {
	t.Helper()

	ts := httptest.NewServer(http.NotFoundHandler())
	u := ts.URL
	ts.Close()

	return u
}

func readStoredEntity(t *testing.T, statePath, entityName, id string) (state.EntityInfo, bool) {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(), statePath, testLogger(t))
	if err != nil {
		return state.EntityInfo{}, false
	}
	defer st.Close()

	info, err := state.GetEntityInfo(st.State(), entityName, id)

	return info, err == nil
}

func seedEntity(t *testing.T, srv *devserver.Server, entityName string, doc operation.Entity) (operation.Entity, string) {
	t.Helper()

	v, err := srv.Seed(entityName, doc)
	require.NoError(t, err)

	return doc, v
}
