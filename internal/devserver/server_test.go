package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
)

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

// counterIDs returns id-1, id-2, ... in order.
func counterIDs() func() string {
	var n atomic.Int64

	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	client *remote.Client
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/ws"
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}

	cfg.Logger = testLogger(t)
	if cfg.NewID == nil {
		cfg.NewID = counterIDs()
	}

	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testEnv{
		srv:    srv,
		ts:     ts,
		client: remote.NewClient(ts.URL+"/api", ts.Client(), "", testLogger(t)),
	}
}

func seedNote(t *testing.T, srv *Server, doc operation.Entity) string {
	t.Helper()

	v, err := srv.Seed("note", doc)
	require.NoError(t, err)

	return v
}

func push(id, version string, ops ...operation.Operation) state.PushCommand {
	return state.PushCommand{EntityName: "note", ID: id, VersionID: version, Operations: ops}
}

func TestPush_CurrentBase(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1", "n": 0})

	res, err := env.client.Push(context.Background(), push("1", v0, operation.New(operation.Inc("n", 2))), "")
	require.NoError(t, err)

	assert.False(t, res.HasEntity)
	assert.Empty(t, res.Operations)
	assert.Equal(t, v0, res.PrevVersionID)
	assert.NotEqual(t, v0, res.VersionID)

	doc, version, ok := env.srv.Entity("note", "1")
	require.True(t, ok)
	assert.Equal(t, res.VersionID, version)
	assert.Equal(t, 2.0, doc["n"])
}

func TestPush_BehindBaseReturnsMissingOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1", "n": 0})
	ctx := context.Background()

	first := operation.New(operation.Set("title", "a"))
	_, err := env.client.Push(ctx, push("1", v0, first), "")
	require.NoError(t, err)

	res, err := env.client.Push(ctx, push("1", v0, operation.New(operation.Inc("n", 1))), "")
	require.NoError(t, err)

	assert.False(t, res.HasEntity)
	require.Len(t, res.Operations, 1)
	assert.True(t, operation.Equal(first, res.Operations[0]))

	doc, _, _ := env.srv.Entity("note", "1")
	assert.Equal(t, operation.Entity{"id": "1", "n": 1.0, "title": "a"}, doc)
}

func TestPush_UnknownBaseReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	seedNote(t, env.srv, operation.Entity{"id": "1", "n": 5})

	res, err := env.client.Push(context.Background(), push("1", "nope", operation.New(operation.Inc("n", 1))), "")
	require.NoError(t, err)

	assert.True(t, res.HasEntity)
	assert.Equal(t, operation.Entity{"id": "1", "n": 6.0}, res.Entity)
}

func TestPush_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "locked-1", LockedField: true})
	ctx := context.Background()

	_, err := env.client.Push(ctx, push("locked-1", v0, operation.New(operation.Set("a", 1))), "")
	assert.ErrorIs(t, err, remote.ErrAuthorization)

	_, err = env.client.Push(ctx, push("missing", "v", operation.New(operation.Set("a", 1))), "")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, version, _ := env.srv.Entity("note", "locked-1")
	assert.Equal(t, v0, version, "rejected push leaves the version")
}

func TestPush_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	seedNote(t, env.srv, operation.Entity{"id": "1"})

	body := `{"id":"1","versionId":"id-1","operations":[[{"op":"frobnicate","path":"a"}]]}`
	resp, err := http.Post(env.ts.URL+"/api/note/push", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPush_OperationThatCannotApply(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1", "title": "text"})

	_, err := env.client.Push(context.Background(), push("1", v0, operation.New(operation.Inc("title", 1))), "")
	require.Error(t, err)
	assert.Equal(t, state.ErrorOther, remote.KindOf(err))

	doc, version, _ := env.srv.Entity("note", "1")
	assert.Equal(t, v0, version)
	assert.Equal(t, "text", doc["title"])
}

func TestPull(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1", "n": 0})
	ctx := context.Background()

	res, err := env.client.Pull(ctx, remote.PullQuery{EntityName: "note", ID: "1", VersionID: v0}, "")
	require.NoError(t, err)
	assert.True(t, res.Pulled)
	assert.Empty(t, res.Operations)
	assert.Equal(t, v0, res.VersionID)

	op := operation.New(operation.Inc("n", 3))
	pushed, err := env.client.Push(ctx, push("1", v0, op), "")
	require.NoError(t, err)

	res, err = env.client.Pull(ctx, remote.PullQuery{EntityName: "note", ID: "1", VersionID: v0}, "")
	require.NoError(t, err)
	assert.True(t, res.Pulled)
	require.Len(t, res.Operations, 1)
	assert.True(t, operation.Equal(op, res.Operations[0]))
	assert.Equal(t, pushed.VersionID, res.VersionID)

	res, err = env.client.Pull(ctx, remote.PullQuery{EntityName: "note", ID: "1"}, "")
	require.NoError(t, err)
	assert.False(t, res.Pulled)
	assert.Equal(t, operation.Entity{"id": "1", "n": 3.0}, res.Entity)

	_, err = env.client.Pull(ctx, remote.PullQuery{EntityName: "note", ID: "2"}, "")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	seedNote(t, env.srv, operation.Entity{"id": "1"})
	seedNote(t, env.srv, operation.Entity{"id": "2", LockedField: true})
	ctx := context.Background()

	require.NoError(t, env.client.Delete(ctx, remote.DeleteCommand{EntityName: "note", ID: "1"}, ""))

	_, _, ok := env.srv.Entity("note", "1")
	assert.False(t, ok)

	err := env.client.Delete(ctx, remote.DeleteCommand{EntityName: "note", ID: "1"}, "")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	err = env.client.Delete(ctx, remote.DeleteCommand{EntityName: "note", ID: "2"}, "")
	assert.ErrorIs(t, err, remote.ErrAuthorization)
}

func TestLoginLogout(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := newTestEnv(t, &Config{Now: func() time.Time { return now }, SessionTTL: time.Hour})
	require.NoError(t, env.srv.AddUser("user", "alice", "pw", operation.Entity{"id": "u1", "name": "Alice"}))
	ctx := context.Background()

	_, err := env.client.Login(ctx, remote.LoginCommand{EntityName: "user", Account: "alice", Password: "wrong"}, "")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)

	_, err = env.client.Login(ctx, remote.LoginCommand{EntityName: "admin", Account: "alice", Password: "pw"}, "")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)

	res, err := env.client.Login(ctx, remote.LoginCommand{EntityName: "user", Account: "alice", Password: "pw"}, "")
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "user", res.Session.EntityName)
	assert.Equal(t, "u1", res.Session.UserID)
	assert.True(t, res.Session.ExpiredAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, "Alice", res.User["name"])
	assert.NotEmpty(t, res.VersionID)

	logout := remote.LogoutCommand{EntityName: "user", SessionID: res.Session.ID, UserID: "u1"}
	require.NoError(t, env.client.Logout(ctx, logout, res.Session.ID))

	err = env.client.Logout(ctx, logout, res.Session.ID)
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestAddUser_Duplicate(t *testing.T) {
	srv := New(&Config{Logger: testLogger(t)})
	require.NoError(t, srv.AddUser("user", "alice", "pw", operation.Entity{"id": "u1"}))

	err := srv.AddUser("user", "alice", "pw", operation.Entity{"id": "u1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = srv.Seed("note", operation.Entity{"title": "no id"})
	assert.Error(t, err)
}

func TestRequireSession(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }

	env := newTestEnv(t, &Config{RequireSession: true, SessionTTL: time.Minute, Now: func() time.Time { return clock() }})
	require.NoError(t, env.srv.AddUser("user", "alice", "pw", operation.Entity{"id": "u1"}))
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1"})
	ctx := context.Background()

	q := remote.PullQuery{EntityName: "note", ID: "1", VersionID: v0}

	_, err := env.client.Pull(ctx, q, "")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)

	_, err = env.client.Pull(ctx, q, "forged")
	assert.ErrorIs(t, err, remote.ErrUnauthorized)

	res, err := env.client.Login(ctx, remote.LoginCommand{EntityName: "user", Account: "alice", Password: "pw"}, "")
	require.NoError(t, err)

	_, err = env.client.Pull(ctx, q, res.Session.ID)
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(2 * time.Minute) }

	_, err = env.client.Pull(ctx, q, res.Session.ID)
	assert.ErrorIs(t, err, remote.ErrUnauthorized, "expired session")

	_, err = remote.Subscribe(ctx, env.wsURL(), "", nil, testLogger(t))
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
}

func TestStream_BroadcastSkipsPushingSession(t *testing.T) {
	env := newTestEnv(t, nil)
	v0 := seedNote(t, env.srv, operation.Entity{"id": "1", "n": 0})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subA, err := remote.Subscribe(ctx, env.wsURL(), "session-a", nil, testLogger(t))
	require.NoError(t, err)
	defer subA.Close()

	subB, err := remote.Subscribe(ctx, env.wsURL(), "session-b", nil, testLogger(t))
	require.NoError(t, err)
	defer subB.Close()

	require.Eventually(t, func() bool { return env.srv.Streams() == 2 }, 5*time.Second, 10*time.Millisecond)

	opA := operation.New(operation.Inc("n", 1))
	resA, err := env.client.Push(ctx, push("1", v0, opA), "session-a")
	require.NoError(t, err)

	opB := operation.New(operation.Inc("n", 10))
	resB, err := env.client.Push(ctx, push("1", resA.VersionID, opB), "session-b")
	require.NoError(t, err)

	got, err := subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, resA.VersionID, got.VersionID)
	assert.Equal(t, v0, got.PrevVersionID)
	assert.True(t, operation.Equal(opA, got.Operation))

	// A's first diff is B's push: its own was not echoed back.
	got, err = subA.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, resB.VersionID, got.VersionID)
	assert.Equal(t, resA.VersionID, got.PrevVersionID)
}

func TestStream_CloseEndsSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := remote.Subscribe(ctx, env.wsURL(), "", nil, testLogger(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.srv.Streams() == 1 }, 5*time.Second, 10*time.Millisecond)

	env.srv.Close()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, remote.ErrSubscriptionClosed)
	assert.Zero(t, env.srv.Streams())
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[users]]
entity = "user"
account = "alice"
password = "pw"
[users.document]
id = "alice"
age = 30

[[entities]]
entity = "note"
[entities.document]
id = "1"
title = "hello"
tags = ["a", "b"]
`), 0o600))

	srv := New(&Config{Logger: testLogger(t)})
	require.NoError(t, srv.LoadSeed(path))

	user, _, ok := srv.Entity("user", "alice")
	require.True(t, ok)
	assert.Equal(t, 30.0, user["age"])

	note, _, ok := srv.Entity("note", "1")
	require.True(t, ok)
	assert.Equal(t, operation.Entity{"id": "1", "title": "hello", "tags": []any{"a", "b"}}, note)

	res, err := srv.login(remote.LoginCommand{EntityName: "user", Account: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Session.UserID)
}

func TestLoadSeed_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[entites]]\nentity = \"note\"\n"), 0o600))

	err := New(&Config{Logger: testLogger(t)}).LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entites")
}
