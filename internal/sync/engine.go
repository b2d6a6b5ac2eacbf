// Package sync orchestrates optimistic local edits against the entity
// server. The Engine sequences Remote Client calls with the pure state
// transitions from package updater: it marks a request pending, awaits the
// server, reconciles the answer against the state current at that moment,
// and always clears the pending marker.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/updater"
)

// ErrNoSession is returned by Logout when no session is stored.
var ErrNoSession = errors.New("sync: no session")

// errDispatch marks failures of the store itself, as opposed to updates
// that could not be computed.
var errDispatch = errors.New("sync: dispatching update")

// --- Consumer-defined interfaces ---

// Store holds the local state. Dispatch applies updates in order, as
// state.Apply does; State returns the current snapshot.
type Store interface {
	State() state.LocalState
	Dispatch(ctx context.Context, updates ...state.Update) error
}

// RemoteClient talks to the entity server. Satisfied by *remote.Client.
type RemoteClient interface {
	Push(ctx context.Context, cmd state.PushCommand, sessionID string) (*remote.PushResult, error)
	Pull(ctx context.Context, q remote.PullQuery, sessionID string) (*remote.PullResult, error)
	Delete(ctx context.Context, cmd remote.DeleteCommand, sessionID string) error
	Login(ctx context.Context, cmd remote.LoginCommand, sessionID string) (*remote.LoginResult, error)
	Logout(ctx context.Context, cmd remote.LogoutCommand, sessionID string) error
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store  Store
	Remote RemoteClient
	Logger *slog.Logger

	// NewTag generates action tags. Defaults to random UUIDs.
	NewTag func() state.ActionTag
}

// Engine runs the per-action synchronization protocols. It is safe for
// concurrent use: each read-compute-dispatch step holds the engine lock,
// remote calls do not.
type Engine struct {
	store  Store
	remote RemoteClient
	logger *slog.Logger
	newTag func() state.ActionTag

	mu stdsync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("sync: creating engine: store is required")
	}

	if cfg.Remote == nil {
		return nil, errors.New("sync: creating engine: remote client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newTag := cfg.NewTag
	if newTag == nil {
		newTag = func() state.ActionTag { return state.ActionTag(uuid.NewString()) }
	}

	return &Engine{
		store:  cfg.Store,
		remote: cfg.Remote,
		logger: logger,
		newTag: newTag,
	}, nil
}

// State returns the store's current snapshot.
func (e *Engine) State() state.LocalState {
	return e.store.State()
}

// step runs one read-compute-dispatch cycle under the engine lock.
func (e *Engine) step(ctx context.Context, compute func(s state.LocalState) ([]state.Update, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	updates, err := compute(e.store.State())
	if err != nil {
		return err
	}

	return e.dispatch(ctx, updates...)
}

func (e *Engine) dispatch(ctx context.Context, updates ...state.Update) error {
	if err := e.store.Dispatch(ctx, updates...); err != nil {
		return fmt.Errorf("%w: %w", errDispatch, err)
	}

	return nil
}

// reconcile finishes a networked action. On success it computes the
// follow-up updates from the current state; on failure it records the
// error and adds whatever onFailure derives from it. The pending marker
// for tag is cleared in every case. Dispatch ignores cancellation of ctx
// so the marker cannot leak.
func (e *Engine) reconcile(
	ctx context.Context,
	tag state.ActionTag,
	remoteErr error,
	onSuccess func(s state.LocalState) ([]state.Update, error),
	onFailure func(s state.LocalState, err error) []state.Update,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.store.State()

	var (
		updates  []state.Update
		localErr error
	)

	switch {
	case remoteErr != nil:
		e.logger.Warn("remote call failed",
			slog.String("tag", string(tag)),
			slog.String("kind", string(remote.KindOf(remoteErr))),
			slog.String("error", remoteErr.Error()),
		)

		updates = append(updates, updater.Error(remoteErr, tag))
		if onFailure != nil {
			updates = append(updates, onFailure(s, remoteErr)...)
		}

	default:
		ups, err := onSuccess(s)

		var conflict *updater.ConflictError

		switch {
		case errors.As(err, &conflict):
			// The server's version still lands; only the commits are lost.
			e.logConflict(tag, conflict)
			updates = append(updates, ups...)
			updates = append(updates, updater.Error(err, tag))
		case err != nil:
			localErr = fmt.Errorf("sync: reconciling %s: %w", tag, err)
			updates = append(updates, updater.Error(err, tag))
		default:
			updates = append(updates, ups...)
		}

		if !s.Network.IsOnline {
			e.logger.Info("connection restored")
			updates = append(updates, updater.Online())
		}
	}

	updates = append(updates, updater.RemoveNetworkRequest(tag))

	if err := e.dispatch(context.WithoutCancel(ctx), updates...); err != nil {
		return errors.Join(localErr, err)
	}

	return localErr
}

func (e *Engine) logConflict(tag state.ActionTag, conflict *updater.ConflictError) {
	e.logger.Warn("pending commits dropped",
		slog.String("tag", string(tag)),
		slog.String("entity", conflict.Key.String()),
		slog.Int("dropped", len(conflict.Dropped)),
		slog.String("error", conflict.Err.Error()),
	)
}

// offlineOnNetworkFailure marks the client offline when err is a transport
// failure.
func offlineOnNetworkFailure(_ state.LocalState, err error) []state.Update {
	if remote.KindOf(err) == state.ErrorNetworkFailed {
		return []state.Update{updater.Offline()}
	}

	return nil
}

func sessionID(s state.LocalState) string {
	if s.Session == nil {
		return ""
	}

	return s.Session.ID
}

// --- Synchronous pass-throughs ---

// Commit applies op locally without contacting the server.
func (e *Engine) Commit(ctx context.Context, cmd state.UpdateCommand) error {
	return e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		u, err := updater.Commit(s, cmd)

		return []state.Update{u}, err
	})
}

// Revert drops a pending local commit.
func (e *Engine) Revert(ctx context.Context, cmd state.UpdateCommand) error {
	return e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		u, err := updater.Revert(s, cmd)

		return []state.Update{u}, err
	})
}

// Follow registers an entity fetched by the application.
func (e *Engine) Follow(ctx context.Context, entityName string, entity operation.Entity, versionID string) error {
	return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
		u, err := updater.Follow(entityName, entity, versionID)

		return []state.Update{u}, err
	})
}

// FollowAll registers a batch of entities.
func (e *Engine) FollowAll(ctx context.Context, entityName string, entities []operation.Entity, versionsByID map[string]string) error {
	return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
		u, err := updater.FollowAll(entityName, entities, versionsByID)

		return []state.Update{u}, err
	})
}

// Unfollow forgets an entity locally.
func (e *Engine) Unfollow(ctx context.Context, entityName, id string) error {
	return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
		return []state.Update{updater.Unfollow(entityName, id)}, nil
	})
}

// Patch applies a server-issued diff. Stale diffs are ignored. Pending
// commits the diff invalidates are dropped and recorded as an error under
// a fresh tag; the diff itself still applies.
func (e *Engine) Patch(ctx context.Context, diff state.VersionDiff) error {
	return e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		u, err := updater.Patch(s, diff)

		var conflict *updater.ConflictError
		if errors.As(err, &conflict) {
			tag := e.newTag()
			e.logConflict(tag, conflict)

			return []state.Update{u, updater.Error(err, tag)}, nil
		}

		return []state.Update{u}, err
	})
}

// SetSession stores a session obtained out of band.
func (e *Engine) SetSession(ctx context.Context, session *state.Session, user operation.Entity, versionID string) error {
	return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
		u, err := updater.SetSession(session, user, versionID)

		return []state.Update{u}, err
	})
}

// UnsetSession clears the session without contacting the server.
func (e *Engine) UnsetSession(ctx context.Context) error {
	return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
		return []state.Update{updater.UnsetSession()}, nil
	})
}
