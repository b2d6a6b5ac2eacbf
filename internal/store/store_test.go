package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/updater"
)

// testLogWriter routes slog output through t.Log.
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

func openTestStore(t *testing.T, path string) *SQLite {
	t.Helper()

	st, err := OpenSQLite(context.Background(), path, testLogger(t))
	require.NoError(t, err)

	return st
}

func mustFollow(t *testing.T, name string, e operation.Entity, version string) state.Update {
	t.Helper()

	u, err := updater.Follow(name, e, version)
	require.NoError(t, err)

	return u
}

func TestMemory_Dispatch(t *testing.T) {
	m := NewMemory(state.New())
	before := m.State()

	require.NoError(t, m.Dispatch(context.Background(),
		mustFollow(t, "note", operation.Entity{"id": "1"}, "v1"),
		updater.Offline(),
	))

	assert.True(t, state.HasEntity(m.State(), "note", "1"))
	assert.False(t, m.State().Network.IsOnline)
	assert.False(t, state.HasEntity(before, "note", "1"), "earlier snapshot unchanged")
}

func TestSQLite_FreshDatabase(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer st.Close()

	s := st.State()
	assert.Empty(t, s.Entities)
	assert.True(t, s.Network.IsOnline)
	assert.Nil(t, s.Session)
	assert.Nil(t, s.Error)
}

func TestSQLite_RoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st := openTestStore(t, path)

	s0 := state.New()
	s0 = state.Apply(s0, mustFollow(t, "note", operation.Entity{"id": "1", "count": 0, "tags": []any{"a"}}, "v1"))

	commit, err := updater.Commit(s0, state.UpdateCommand{
		EntityName: "note",
		ID:         "1",
		Operation:  operation.New(operation.Inc("count", 2), operation.Push("tags", "b")),
	})
	require.NoError(t, err)

	sess := &state.Session{
		ID:         "s1",
		EntityName: "user",
		UserID:     "u1",
		ExpiredAt:  time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	setSess, err := updater.SetSession(sess, operation.Entity{"id": "u1", "name": "Ann"}, "uv1")
	require.NoError(t, err)

	require.NoError(t, st.Dispatch(ctx,
		mustFollow(t, "note", operation.Entity{"id": "1", "count": 0, "tags": []any{"a"}}, "v1"),
		mustFollow(t, "note", operation.Entity{"id": "2"}, "v7"),
		commit,
		setSess,
		updater.NetworkRequest("tag-1"),
		updater.Offline(),
		updater.Error(state.ErrNotFound, "tag-0"),
	))

	want := st.State()
	require.NoError(t, st.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	got := reopened.State()
	assert.Equal(t, want.Entities, got.Entities)
	assert.Equal(t, want.Session, got.Session)
	assert.Equal(t, want.Network, got.Network)
	assert.Equal(t, want.Error, got.Error)

	info := got.Entities["note"]["1"]
	assert.Equal(t, 2.0, info.Head["count"])
	assert.Equal(t, []any{"a", "b"}, info.Head["tags"])
	require.Len(t, info.Commits, 1)
	assert.Equal(t, operation.KindPush, info.Commits[0][1].Kind)
	assert.Nil(t, got.Entities["note"]["2"].Head)
}

func TestSQLite_UnfollowAndResetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	st := openTestStore(t, path)
	require.NoError(t, st.Dispatch(ctx,
		mustFollow(t, "note", operation.Entity{"id": "1"}, "v1"),
		mustFollow(t, "note", operation.Entity{"id": "2"}, "v1"),
	))
	require.NoError(t, st.Dispatch(ctx, updater.Unfollow("note", "1")))
	require.NoError(t, st.Close())

	st = openTestStore(t, path)
	assert.Equal(t, []state.Key{state.NewKey("note", "2")}, state.Followed(st.State()))

	require.NoError(t, st.Dispatch(ctx,
		updater.Reset(),
		mustFollow(t, "task", operation.Entity{"id": "9"}, "v1"),
	))
	require.NoError(t, st.Close())

	st = openTestStore(t, path)
	defer st.Close()
	assert.Equal(t, []state.Key{state.NewKey("task", "9")}, state.Followed(st.State()))
	assert.True(t, st.State().Network.IsOnline)
}

func TestSQLite_FailedWriteKeepsSnapshot(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := st.Dispatch(ctx, mustFollow(t, "note", operation.Entity{"id": "1"}, "v1"))
	require.Error(t, err)
	assert.False(t, state.HasEntity(st.State(), "note", "1"))
}
