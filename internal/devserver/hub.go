package devserver

import (
	"context"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/statesync/internal/state"
)

const (
	// subscriberBuffer is how many diffs may queue for one stream before
	// further diffs are dropped for it.
	subscriberBuffer = 64
	writeTimeout     = 10 * time.Second
)

type subscriber struct {
	sessionID string
	send      chan state.VersionDiff
}

// hub fans version diffs out to connected streams.
type hub struct {
	logger *slog.Logger

	mu     stdsync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// add registers a stream. It returns nil once the hub is closed.
func (h *hub) add(sessionID string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	sub := &subscriber{sessionID: sessionID, send: make(chan state.VersionDiff, subscriberBuffer)}
	h.subs[sub] = struct{}{}

	return sub
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// broadcast queues diff for every stream not owned by exceptSession. A
// stream whose buffer is full misses the diff; the client catches up with
// a pull when the next diff does not chain onto its version.
func (h *hub) broadcast(diff state.VersionDiff, exceptSession string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if exceptSession != "" && sub.sessionID == exceptSession {
			continue
		}

		select {
		case sub.send <- diff:
		default:
			h.logger.Warn("diff dropped for slow stream",
				slog.String("entity", state.NewKey(diff.EntityName, diff.ID).String()),
				slog.String("version", diff.VersionID),
			)
		}
	}
}

// count reports the number of connected streams.
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// handleStream upgrades to a websocket and writes diffs until the client
// goes away or the server closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}

	sub := s.hub.add(sessionFrom(r))
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")

		return
	}
	defer s.hub.remove(sub)

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the connection drops.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()

			return
		case diff, ok := <-sub.send:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")

				return
			}

			if err := writeDiff(ctx, conn, diff); err != nil {
				s.logger.Debug("stream write failed", slog.String("error", err.Error()))
				conn.CloseNow()

				return
			}
		}
	}
}

func writeDiff(ctx context.Context, conn *websocket.Conn, diff state.VersionDiff) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, diff)
}
