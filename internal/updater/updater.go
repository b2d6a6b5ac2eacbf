// Package updater computes declarative state.Update deltas for every local
// state transition: commit, revert, follow, unfollow, patch, rebase,
// synchronize and bookkeeping. Every function is pure. It reads the state
// it is given and returns a fresh Update; applying it is the host store's
// job.
package updater

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

// ErrMissingVersion is returned by FollowAll when an entity has no entry
// in the versions map. It indicates a configuration error in the caller.
var ErrMissingVersion = errors.New("updater: no versionId for entity")

// ErrMissingID is returned when an entity to follow has no id.
var ErrMissingID = errors.New("updater: entity has no id")

// Commit appends cmd.Operation to the entity's commit queue and advances
// the head by applying it to the current head (or origin).
func Commit(s state.LocalState, cmd state.UpdateCommand) (state.Update, error) {
	info, err := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: commit: %w", err)
	}

	head, err := operation.Apply(info.HeadOrOrigin(), cmd.Operation)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: commit %s: %w", state.NewKey(cmd.EntityName, cmd.ID), err)
	}

	return assign(state.EntityChange{
		EntityName:    cmd.EntityName,
		ID:            cmd.ID,
		AppendCommits: []operation.Operation{cmd.Operation},
		Head:          state.Some(head),
	}), nil
}

// Revert removes the first commit deep-equal to cmd.Operation and rebuilds
// the head by replaying origin plus the remaining commits. Reverting an
// operation that is not queued leaves the queue unchanged.
func Revert(s state.LocalState, cmd state.UpdateCommand) (state.Update, error) {
	info, err := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: revert: %w", err)
	}

	commits := removeOne(info.Commits, cmd.Operation)

	head, err := replay(info.Origin, commits)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: revert %s: %w", state.NewKey(cmd.EntityName, cmd.ID), err)
	}

	return assign(state.EntityChange{
		EntityName: cmd.EntityName,
		ID:         cmd.ID,
		Commits:    state.Some(commits),
		Head:       state.Some(head),
	}), nil
}

// Follow registers entity as a fresh record with no pending commits,
// overwriting any record already held for its id.
func Follow(entityName string, entity operation.Entity, versionID string) (state.Update, error) {
	change, err := followChange(entityName, entity, versionID)
	if err != nil {
		return state.Update{}, err
	}

	return state.Update{Entities: []state.EntityChange{change}}, nil
}

// FollowAll follows every entity, looking up each version in versionsByID.
func FollowAll(entityName string, entities []operation.Entity, versionsByID map[string]string) (state.Update, error) {
	changes := make([]state.EntityChange, 0, len(entities))

	for _, e := range entities {
		versionID, ok := versionsByID[e.ID()]
		if !ok {
			return state.Update{}, fmt.Errorf("%w: entityName: %q, id: %q", ErrMissingVersion, entityName, e.ID())
		}

		change, err := followChange(entityName, e, versionID)
		if err != nil {
			return state.Update{}, err
		}

		changes = append(changes, change)
	}

	return state.Update{Entities: changes}, nil
}

func followChange(entityName string, entity operation.Entity, versionID string) (state.EntityChange, error) {
	id := entity.ID()
	if id == "" {
		return state.EntityChange{}, fmt.Errorf("%w: entityName: %q", ErrMissingID, entityName)
	}

	return state.EntityChange{
		Kind:       state.ChangeReplace,
		EntityName: entityName,
		ID:         id,
		Info: state.EntityInfo{
			Origin:    entity.Clone(),
			VersionID: versionID,
			Commits:   []operation.Operation{},
		},
	}, nil
}

// Unfollow removes the entity's record.
func Unfollow(entityName, id string) state.Update {
	return state.Update{Entities: []state.EntityChange{{
		Kind:       state.ChangeRemove,
		EntityName: entityName,
		ID:         id,
	}}}
}

// ConflictError reports pending commits that no longer apply once the
// server's changes have landed on the origin. The Update returned next to
// it is still valid: the origin and version advance and Dropped leaves the
// commit queue.
type ConflictError struct {
	Key     state.Key
	Dropped []operation.Operation
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("updater: %s: dropped %d pending commits that no longer apply: %v", e.Key, len(e.Dropped), e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Patch applies a server-issued diff to the origin when its PrevVersionID
// matches the stored version, then replays pending commits on top. A
// mismatched diff is stale and yields an empty Update. Commits that fail
// against the patched origin are dropped and reported as a *ConflictError
// alongside the Update.
func Patch(s state.LocalState, diff state.VersionDiff) (state.Update, error) {
	info, err := state.GetEntityInfo(s, diff.EntityName, diff.ID)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: patch: %w", err)
	}

	if info.VersionID != diff.PrevVersionID {
		return state.Update{}, nil
	}

	key := state.NewKey(diff.EntityName, diff.ID)

	origin, err := operation.Apply(info.Origin, diff.Operation)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: patch %s: %w", key, err)
	}

	return advance(key, diff.EntityName, diff.ID, origin, diff.VersionID, info.Commits)
}

// Rebase applies the server's operations to the origin, advances the
// version, and replays every pending local commit on the new origin.
// Commits that no longer apply are dropped as in Patch.
func Rebase(s state.LocalState, cmd state.PushCommand) (state.Update, error) {
	info, err := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: rebase: %w", err)
	}

	key := state.NewKey(cmd.EntityName, cmd.ID)

	origin, err := operation.Apply(info.Origin, cmd.Operations...)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: rebase %s: %w", key, err)
	}

	return advance(key, cmd.EntityName, cmd.ID, origin, cmd.VersionID, info.Commits)
}

func advance(key state.Key, entityName, id string, origin operation.Entity, versionID string, commits []operation.Operation) (state.Update, error) {
	head, kept, dropped, err := replayKeeping(origin, commits)

	change := state.EntityChange{
		EntityName: entityName,
		ID:         id,
		Origin:     state.Some(origin),
		VersionID:  state.Some(versionID),
		Head:       state.Some(head),
	}
	if len(dropped) > 0 {
		change.Commits = state.Some(kept)
	}

	return assign(change), conflict(key, dropped, err)
}

// Synchronize is Rebase for a push the server accepted: localCommits is the
// prefix of the commit queue the server has merged. The new origin folds
// the server operations and then localCommits; that prefix leaves the
// queue and the remaining commits are replayed on top, dropping any that
// no longer apply.
func Synchronize(s state.LocalState, cmd state.PushCommand, localCommits []operation.Operation) (state.Update, error) {
	info, err := state.GetEntityInfo(s, cmd.EntityName, cmd.ID)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: synchronize: %w", err)
	}

	key := state.NewKey(cmd.EntityName, cmd.ID)

	origin, err := operation.Apply(info.Origin, slices.Concat(cmd.Operations, localCommits)...)
	if err != nil {
		return state.Update{}, fmt.Errorf("updater: synchronize %s: %w", key, err)
	}

	n := min(len(localCommits), len(info.Commits))

	head, kept, dropped, err := replayKeeping(origin, info.Commits[n:])

	return state.Update{Entities: []state.EntityChange{{
		Kind:       state.ChangeReplace,
		EntityName: cmd.EntityName,
		ID:         cmd.ID,
		Info: state.EntityInfo{
			Origin:    origin,
			VersionID: cmd.VersionID,
			Commits:   kept,
			Head:      head,
		},
	}}}, conflict(key, dropped, err)
}

// replayKeeping applies commits to origin one at a time, skipping those
// that fail. head is nil when no commit survives; firstErr is the first
// failure.
func replayKeeping(origin operation.Entity, commits []operation.Operation) (head operation.Entity, kept, dropped []operation.Operation, firstErr error) {
	kept = make([]operation.Operation, 0, len(commits))
	cur := origin

	for _, c := range commits {
		next, err := operation.Apply(cur, c)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			dropped = append(dropped, c)

			continue
		}

		cur = next
		kept = append(kept, c)
	}

	if len(kept) == 0 {
		return nil, kept, dropped, firstErr
	}

	return cur, kept, dropped, firstErr
}

// conflict returns a plain nil when nothing was dropped.
func conflict(key state.Key, dropped []operation.Operation, err error) error {
	if len(dropped) == 0 {
		return nil
	}

	return &ConflictError{Key: key, Dropped: dropped, Err: err}
}

// replay folds commits onto origin. It returns nil when there is nothing
// to replay, matching the "head is null" convention.
func replay(origin operation.Entity, commits []operation.Operation) (operation.Entity, error) {
	if len(commits) == 0 {
		return nil, nil
	}

	return operation.Fold(origin, commits)
}

// removeOne returns a copy of commits without the first element equal to
// target.
func removeOne(commits []operation.Operation, target operation.Operation) []operation.Operation {
	out := slices.Clone(commits)
	if out == nil {
		out = []operation.Operation{}
	}

	i := slices.IndexFunc(out, func(c operation.Operation) bool {
		return operation.Equal(c, target)
	})
	if i < 0 {
		return out
	}

	return slices.Delete(out, i, i+1)
}

func assign(c state.EntityChange) state.Update {
	c.Kind = state.ChangeAssign

	return state.Update{Entities: []state.EntityChange{c}}
}
