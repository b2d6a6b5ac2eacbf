package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/statesync/internal/state"
)

// maxDiffMessage bounds one websocket message.
const maxDiffMessage = 1 << 20

// ErrSubscriptionClosed is returned by Next after the server closed the
// stream normally.
var ErrSubscriptionClosed = errors.New("remote: subscription closed")

// Subscription is a live stream of server-pushed version diffs.
type Subscription struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

// Subscribe opens the diff stream at wsURL, for example
// "ws://localhost:8080/api/ws".
func Subscribe(ctx context.Context, wsURL, sessionID string, httpClient *http.Client, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &websocket.DialOptions{HTTPClient: httpClient}
	if sessionID != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Session " + sessionID}}
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			kind := classifyStatus(resp.StatusCode)

			return nil, &Error{
				Kind:       kind,
				StatusCode: resp.StatusCode,
				Message:    "websocket handshake rejected",
				Err:        sentinelFor(kind),
				Cause:      err,
			}
		}

		return nil, NetworkError(err)
	}

	conn.SetReadLimit(maxDiffMessage)

	logger.Info("subscribed to version diffs", slog.String("url", wsURL))

	return &Subscription{conn: conn, logger: logger}, nil
}

// Next blocks until the next diff arrives.
func (s *Subscription) Next(ctx context.Context) (state.VersionDiff, error) {
	var diff state.VersionDiff

	if err := wsjson.Read(ctx, s.conn, &diff); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return state.VersionDiff{}, ErrSubscriptionClosed
		}

		if ctx.Err() != nil {
			return state.VersionDiff{}, NetworkError(ctx.Err())
		}

		return state.VersionDiff{}, NetworkError(fmt.Errorf("reading diff: %w", err))
	}

	s.logger.Debug("version diff received",
		slog.String("entity", diff.EntityName),
		slog.String("id", diff.ID),
		slog.String("version", diff.VersionID),
	)

	return diff, nil
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		return fmt.Errorf("remote: closing subscription: %w", err)
	}

	return nil
}
