package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

func TestSubscription_ReceivesDiffs(t *testing.T) {
	diff := state.VersionDiff{
		EntityName:    "note",
		ID:            "1",
		VersionID:     "v2",
		PrevVersionID: "v1",
		Operation:     operation.New(operation.Set("title", "x")),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Session s1", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}

		assert.NoError(t, wsjson.Write(r.Context(), conn, diff))
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := Subscribe(context.Background(), wsURL, "s1", nil, testLogger(t))
	require.NoError(t, err)

	got, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, diff.VersionID, got.VersionID)
	assert.Equal(t, diff.PrevVersionID, got.PrevVersionID)
	assert.True(t, operation.Equal(diff.Operation, got.Operation))

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestSubscribe_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := Subscribe(context.Background(), wsURL, "", nil, testLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
