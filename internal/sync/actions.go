package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/updater"
)

// errWrongEntity is recorded when the server answers with a snapshot of a
// different entity than the one asked about.
var errWrongEntity = errors.New("sync: server returned a different entity")

// CommitAndPush commits op locally, then pushes the whole commit log.
// The commit stays pending when the push fails, except on an
// Authorization rejection, which reverts it. A network failure marks the
// client offline.
//
// The returned tag identifies the action in the pending list and in a
// recorded error. The error is non-nil only for local failures.
func (e *Engine) CommitAndPush(ctx context.Context, cmd state.UpdateCommand) (state.ActionTag, error) {
	tag := e.newTag()

	var (
		push state.PushCommand
		sess string
	)

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		commit, err := updater.Commit(s, cmd)
		if err != nil {
			return nil, err
		}

		info, _ := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
		push = state.PushCommand{
			EntityName: cmd.EntityName,
			ID:         cmd.ID,
			VersionID:  info.VersionID,
			Operations: append(slices.Clone(info.Commits), cmd.Operation),
		}
		sess = sessionID(s)

		return []state.Update{commit, updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	e.logger.Debug("pushing commits",
		slog.String("tag", string(tag)),
		slog.String("entity", state.NewKey(cmd.EntityName, cmd.ID).String()),
		slog.Int("commits", len(push.Operations)),
	)

	res, remoteErr := e.remote.Push(ctx, push, sess)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(s state.LocalState) ([]state.Update, error) {
			return e.applyPushResult(s, push, res)
		},
		func(s state.LocalState, err error) []state.Update {
			switch remote.KindOf(err) {
			case state.ErrorAuthorization:
				u, revertErr := updater.Revert(s, cmd)
				if revertErr != nil {
					e.logger.Warn("cannot revert rejected commit",
						slog.String("tag", string(tag)),
						slog.String("error", revertErr.Error()),
					)

					return nil
				}

				return []state.Update{u}
			case state.ErrorNetworkFailed:
				return []state.Update{updater.Offline()}
			default:
				return nil
			}
		},
	)
}

// PushAndCommit pushes the commit log extended with op without committing
// it locally first. The operation reaches local state only through the
// server's answer; on failure nothing but the error is recorded.
func (e *Engine) PushAndCommit(ctx context.Context, cmd state.UpdateCommand) (state.ActionTag, error) {
	tag := e.newTag()

	var (
		push state.PushCommand
		sess string
	)

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		info, err := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
		if err != nil {
			return nil, err
		}

		if err := cmd.Operation.Validate(); err != nil {
			return nil, err
		}

		push = state.PushCommand{
			EntityName: cmd.EntityName,
			ID:         cmd.ID,
			VersionID:  info.VersionID,
			Operations: append(slices.Clone(info.Commits), cmd.Operation),
		}
		sess = sessionID(s)

		return []state.Update{updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	res, remoteErr := e.remote.Push(ctx, push, sess)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(s state.LocalState) ([]state.Update, error) {
			return e.applyPushResult(s, push, res)
		},
		nil,
	)
}

// applyPushResult follows the returned snapshot, or synchronizes against
// the commits that were sent. An entity unfollowed while the push was in
// flight stays unfollowed.
func (e *Engine) applyPushResult(s state.LocalState, push state.PushCommand, res *remote.PushResult) ([]state.Update, error) {
	if !state.HasEntity(s, push.EntityName, push.ID) {
		e.logger.Debug("pushed entity no longer followed",
			slog.String("entity", state.NewKey(push.EntityName, push.ID).String()),
		)

		return nil, nil
	}

	if res.HasEntity {
		u, err := followAnswer(push.EntityName, push.ID, res.Entity, res.VersionID)

		return []state.Update{u}, err
	}

	u, err := updater.Synchronize(s, state.PushCommand{
		EntityName: push.EntityName,
		ID:         push.ID,
		VersionID:  res.VersionID,
		Operations: res.Operations,
	}, push.Operations)

	return []state.Update{u}, err
}

// followAnswer follows a snapshot the server returned for entityName/id,
// refusing one that carries a different id.
func followAnswer(entityName, id string, entity operation.Entity, versionID string) (state.Update, error) {
	if got := entity.ID(); got != id {
		return state.Update{}, fmt.Errorf("%w: asked for %s, got id %q",
			errWrongEntity, state.NewKey(entityName, id), got)
	}

	return updater.Follow(entityName, entity, versionID)
}

// Pull fetches the server's changes since the stored version. Incremental
// answers are rebased, but only when the stored version is still the one
// queried; otherwise the answer is stale and dropped. A snapshot answer
// replaces the local record, pending commits included.
func (e *Engine) Pull(ctx context.Context, entityName, id string) (state.ActionTag, error) {
	tag := e.newTag()

	var (
		q    remote.PullQuery
		sess string
	)

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		info, err := state.GetEntityInfo(s, entityName, id)
		if err != nil {
			return nil, err
		}

		q = remote.PullQuery{EntityName: entityName, ID: id, VersionID: info.VersionID}
		sess = sessionID(s)

		return []state.Update{updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	res, remoteErr := e.remote.Pull(ctx, q, sess)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(s state.LocalState) ([]state.Update, error) {
			info, err := state.GetEntityInfo(s, entityName, id)
			if err != nil {
				e.logger.Debug("pulled entity no longer followed",
					slog.String("entity", state.NewKey(entityName, id).String()),
				)

				return nil, nil
			}

			if !res.Pulled {
				u, err := followAnswer(entityName, id, res.Entity, res.VersionID)

				return []state.Update{u}, err
			}

			if info.VersionID != q.VersionID {
				e.logger.Debug("stale pull result dropped",
					slog.String("entity", state.NewKey(entityName, id).String()),
					slog.String("queried", q.VersionID),
					slog.String("current", info.VersionID),
				)

				return nil, nil
			}

			u, err := updater.Rebase(s, state.PushCommand{
				EntityName: entityName,
				ID:         id,
				VersionID:  res.VersionID,
				Operations: res.Operations,
			})

			return []state.Update{u}, err
		},
		offlineOnNetworkFailure,
	)
}

// Delete removes the entity on the server and then stops following it.
// On failure the entity stays followed.
func (e *Engine) Delete(ctx context.Context, entityName, id string) (state.ActionTag, error) {
	tag := e.newTag()

	var sess string

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		sess = sessionID(s)

		return []state.Update{updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	remoteErr := e.remote.Delete(ctx, remote.DeleteCommand{EntityName: entityName, ID: id}, sess)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(state.LocalState) ([]state.Update, error) {
			return []state.Update{updater.Unfollow(entityName, id)}, nil
		},
		offlineOnNetworkFailure,
	)
}

// Login authenticates and stores the session, following the user entity
// when the server returns it.
func (e *Engine) Login(ctx context.Context, cmd remote.LoginCommand) (state.ActionTag, error) {
	tag := e.newTag()

	var sess string

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		sess = sessionID(s)

		return []state.Update{updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	res, remoteErr := e.remote.Login(ctx, cmd, sess)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(state.LocalState) ([]state.Update, error) {
			u, err := updater.SetSession(res.Session, res.User, res.VersionID)

			return []state.Update{u}, err
		},
		offlineOnNetworkFailure,
	)
}

// Logout ends the session on the server and resets local state. When the
// server call fails the error is recorded and local state is kept.
func (e *Engine) Logout(ctx context.Context) (state.ActionTag, error) {
	tag := e.newTag()

	var cmd remote.LogoutCommand

	err := e.step(ctx, func(s state.LocalState) ([]state.Update, error) {
		if s.Session == nil {
			return nil, ErrNoSession
		}

		cmd = remote.LogoutCommand{
			EntityName: s.Session.EntityName,
			SessionID:  s.Session.ID,
			UserID:     s.Session.UserID,
		}

		return []state.Update{updater.NetworkRequest(tag)}, nil
	})
	if err != nil {
		return tag, err
	}

	remoteErr := e.remote.Logout(ctx, cmd, cmd.SessionID)

	return tag, e.reconcile(ctx, tag, remoteErr,
		func(state.LocalState) ([]state.Update, error) {
			return []state.Update{updater.Reset()}, nil
		},
		offlineOnNetworkFailure,
	)
}
