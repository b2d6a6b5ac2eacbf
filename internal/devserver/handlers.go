package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
)

// maxRequestBody bounds a decoded request body.
const maxRequestBody = 4 << 20

// apiError is a failure that maps to an error response.
type apiError struct {
	status  int
	kind    state.ErrorKind
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.kind, e.message)
}

func notFound(key state.Key) *apiError {
	return &apiError{status: http.StatusNotFound, kind: state.ErrorNotFound, message: "no entity " + key.String()}
}

func forbidden(key state.Key) *apiError {
	return &apiError{status: http.StatusForbidden, kind: state.ErrorAuthorization, message: key.String() + " is locked"}
}

func unauthorized(msg string) *apiError {
	return &apiError{status: http.StatusUnauthorized, kind: state.ErrorUnauthorized, message: msg}
}

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, kind: state.ErrorOther, message: msg}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	entityName := chi.URLParam(r, "entity")

	var req remote.PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.push(entityName, req, sessionFrom(r))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, res)
}

// push applies req on top of the current document. The answer carries the
// operations the client lacks when its base version is known, or the full
// snapshot when it is not. The resulting diff goes to every stream except
// the pushing session's, which learns the new version from the answer.
// Broadcasting under the lock keeps diffs in version order.
func (s *Server) push(entityName string, req remote.PushRequest, sessionID string) (*remote.PushResult, error) {
	key := state.NewKey(entityName, req.ID)

	for i, op := range req.Operations {
		if err := op.Validate(); err != nil {
			return nil, badRequest(fmt.Sprintf("operation %d: %v", i, err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[key]
	if !ok {
		return nil, notFound(key)
	}

	if d.locked() {
		return nil, forbidden(key)
	}

	missing, known := d.since(req.VersionID)
	prev := d.version()

	if len(req.Operations) == 0 {
		if known {
			return &remote.PushResult{VersionID: prev, Operations: missing}, nil
		}

		return &remote.PushResult{HasEntity: true, Entity: d.entity.Clone(), VersionID: prev}, nil
	}

	versionID := s.newID()
	if err := d.apply(req.Operations, versionID); err != nil {
		return nil, badRequest(err.Error())
	}

	s.logger.Info("push accepted",
		slog.String("entity", key.String()),
		slog.String("base", req.VersionID),
		slog.String("version", versionID),
		slog.Int("operations", len(req.Operations)),
	)

	s.hub.broadcast(state.VersionDiff{
		EntityName:    entityName,
		ID:            req.ID,
		VersionID:     versionID,
		PrevVersionID: prev,
		Operation:     d.revisions[len(d.revisions)-1].op,
	}, sessionID)

	if !known {
		return &remote.PushResult{
			HasEntity:     true,
			Entity:        d.entity.Clone(),
			VersionID:     versionID,
			PrevVersionID: prev,
		}, nil
	}

	return &remote.PushResult{
		VersionID:     versionID,
		Operations:    missing,
		PrevVersionID: prev,
	}, nil
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var q remote.PullQuery
	if err := decodeBody(w, r, &q); err != nil {
		s.writeError(w, r, err)

		return
	}

	q.EntityName = chi.URLParam(r, "entity")

	res, err := s.pull(q)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, res)
}

func (s *Server) pull(q remote.PullQuery) (*remote.PullResult, error) {
	key := state.NewKey(q.EntityName, q.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[key]
	if !ok {
		return nil, notFound(key)
	}

	if ops, known := d.since(q.VersionID); known {
		return &remote.PullResult{Pulled: true, Operations: ops, VersionID: d.version()}, nil
	}

	return &remote.PullResult{Entity: d.entity.Clone(), VersionID: d.version()}, nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := state.NewKey(chi.URLParam(r, "entity"), chi.URLParam(r, "id"))

	if err := s.remove(key); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) remove(key state.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[key]
	if !ok {
		return notFound(key)
	}

	if d.locked() {
		return forbidden(key)
	}

	delete(s.docs, key)

	s.logger.Info("entity deleted", slog.String("entity", key.String()))

	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var cmd remote.LoginCommand
	if err := decodeBody(w, r, &cmd); err != nil {
		s.writeError(w, r, err)

		return
	}

	cmd.EntityName = chi.URLParam(r, "entity")

	res, err := s.login(cmd)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, res)
}

func (s *Server) login(cmd remote.LoginCommand) (*remote.LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey{entityName: cmd.EntityName, account: cmd.Account}]
	if !ok || subtle.ConstantTimeCompare([]byte(u.password), []byte(cmd.Password)) != 1 {
		return nil, unauthorized("invalid account or password")
	}

	sess := state.Session{
		ID:         s.newID(),
		EntityName: cmd.EntityName,
		UserID:     u.id,
		ExpiredAt:  s.now().Add(s.sessionTTL).UTC().Truncate(time.Second),
	}
	s.sessions[sess.ID] = sess

	s.logger.Info("session issued",
		slog.String("entity", cmd.EntityName),
		slog.String("user", u.id),
	)

	res := &remote.LoginResult{Session: &sess}

	if d, ok := s.docs[state.NewKey(cmd.EntityName, u.id)]; ok {
		res.User = d.entity.Clone()
		res.VersionID = d.version()
	}

	return res, nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var cmd remote.LogoutCommand
	if err := decodeBody(w, r, &cmd); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[cmd.SessionID]
	if ok && sess.UserID == cmd.UserID {
		delete(s.sessions, cmd.SessionID)
	}
	s.mu.Unlock()

	if !ok || sess.UserID != cmd.UserID {
		s.writeError(w, r, unauthorized("unknown session"))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// sessionRequired rejects requests without a live session when the server
// is configured to require one.
func (s *Server) sessionRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSession {
			next.ServeHTTP(w, r)

			return
		}

		id := sessionFrom(r)
		if id == "" {
			s.writeError(w, r, unauthorized("session required"))

			return
		}

		s.mu.Lock()
		sess, ok := s.sessions[id]
		expired := ok && !s.now().Before(sess.ExpiredAt)
		if expired {
			delete(s.sessions, id)
		}
		s.mu.Unlock()

		if !ok || expired {
			s.writeError(w, r, unauthorized("invalid or expired session"))

			return
		}

		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request with the chi request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// sessionFrom extracts the id from an "Authorization: Session <id>" header.
func sessionFrom(r *http.Request) string {
	id, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Session ")
	if !ok {
		return ""
	}

	return strings.TrimSpace(id)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("decoding request: " + err.Error())
	}

	return nil
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = &apiError{status: http.StatusInternalServerError, kind: state.ErrorOther, message: err.Error()}
	}

	s.logger.Debug("request rejected",
		slog.String("path", r.URL.Path),
		slog.Int("status", ae.status),
		slog.String("kind", string(ae.kind)),
		slog.String("message", ae.message),
	)

	writeJSON(w, s.logger, ae.status, remote.ErrorBody{Type: string(ae.kind), Message: ae.message})
}
