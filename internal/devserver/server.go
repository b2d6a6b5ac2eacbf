// Package devserver is an in-memory entity server speaking the statesync
// wire protocol. It keeps every entity's current document and revision
// history, answers push and pull with the operations a client lacks, issues
// sessions for seeded users, and broadcasts version diffs over a websocket.
// It exists for local development and end-to-end tests.
package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

const defaultSessionTTL = 24 * time.Hour

// ErrDuplicate is returned when seeding an entity or user that exists.
var ErrDuplicate = errors.New("devserver: already exists")

// Config holds the options for New.
type Config struct {
	Logger *slog.Logger

	// RequireSession rejects push, pull, delete and the diff stream with
	// 401 unless a live session is presented.
	RequireSession bool

	// SessionTTL is the lifetime of issued sessions. Zero means 24h.
	SessionTTL time.Duration

	// NewID generates version and session ids. Defaults to random UUIDs.
	NewID func() string

	// Now defaults to time.Now.
	Now func() time.Time
}

// userKey addresses an account within a user entity namespace.
type userKey struct {
	entityName string
	account    string
}

type user struct {
	id       string
	password string
}

// Server is the authoritative store. It is safe for concurrent use.
type Server struct {
	logger         *slog.Logger
	requireSession bool
	sessionTTL     time.Duration
	newID          func() string
	now            func() time.Time

	mu       stdsync.Mutex
	docs     map[state.Key]*document
	users    map[userKey]user
	sessions map[string]state.Session

	hub *hub
}

// New creates an empty server.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}

	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Server{
		logger:         logger,
		requireSession: cfg.RequireSession,
		sessionTTL:     ttl,
		newID:          newID,
		now:            now,
		docs:           make(map[state.Key]*document),
		users:          make(map[userKey]user),
		sessions:       make(map[string]state.Session),
		hub:            newHub(logger),
	}
}

// Seed stores entity under entityName and returns its first version id.
func (s *Server) Seed(entityName string, entity operation.Entity) (string, error) {
	id := entity.ID()
	if id == "" {
		return "", fmt.Errorf("devserver: seeding %s: entity has no id", entityName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := state.NewKey(entityName, id)
	if _, ok := s.docs[key]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	versionID := s.newID()
	s.docs[key] = newDocument(entity, versionID)

	s.logger.Debug("seeded entity",
		slog.String("entity", key.String()),
		slog.String("version", versionID),
	)

	return versionID, nil
}

// AddUser seeds a user entity that can log in with account and password.
func (s *Server) AddUser(entityName, account, password string, entity operation.Entity) error {
	if _, err := s.Seed(entityName, entity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := userKey{entityName: entityName, account: account}
	if _, ok := s.users[k]; ok {
		return fmt.Errorf("%w: account %q", ErrDuplicate, account)
	}

	s.users[k] = user{id: entity.ID(), password: password}

	return nil
}

// Entity returns the current document and version of an entity.
func (s *Server) Entity(entityName, id string) (operation.Entity, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[state.NewKey(entityName, id)]
	if !ok {
		return nil, "", false
	}

	return d.entity.Clone(), d.version(), true
}

// Streams reports the number of connected diff streams.
func (s *Server) Streams() int {
	return s.hub.count()
}

// Close ends every diff stream.
func (s *Server) Close() {
	s.hub.close()
}

// Handler returns the HTTP API, mounted under /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/{entity}/login", s.handleLogin)
		r.Post("/{entity}/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionRequired)

			r.Get("/ws", s.handleStream)
			r.Post("/{entity}/push", s.handlePush)
			r.Post("/{entity}/pull", s.handlePull)
			r.Delete("/{entity}/{id}", s.handleDelete)
		})
	})

	return r
}
