package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/updater"
)

// DefaultPullConcurrency bounds PullAll when the caller passes limit <= 0.
const DefaultPullConcurrency = 4

// DiffSource yields server-pushed version diffs. Satisfied by
// *remote.Subscription.
type DiffSource interface {
	Next(ctx context.Context) (state.VersionDiff, error)
}

// PullReport summarizes a PullAll run.
type PullReport struct {
	Tags []state.ActionTag
}

// PullAll pulls every followed entity with at most limit pulls in flight.
// Remote failures are recorded per action, as Pull does; only local
// failures are returned. Entities unfollowed while the run is in progress
// are skipped.
func (e *Engine) PullAll(ctx context.Context, limit int) (*PullReport, error) {
	if limit <= 0 {
		limit = DefaultPullConcurrency
	}

	keys := state.Followed(e.store.State())
	tags := make([]state.ActionTag, len(keys))

	// A local failure in one pull must not cancel the others: their
	// cancellations would be recorded as network failures.
	var g errgroup.Group
	g.SetLimit(limit)

	for i, k := range keys {
		g.Go(func() error {
			tag, err := e.Pull(ctx, k.EntityName, k.ID)
			if errors.Is(err, state.ErrNotFound) {
				return nil
			}

			if err != nil {
				return fmt.Errorf("sync: pulling %s: %w", k, err)
			}

			tags[i] = tag

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &PullReport{}

	for _, tag := range tags {
		if tag != "" {
			report.Tags = append(report.Tags, tag)
		}
	}

	e.logger.Info("pull complete", slog.Int("entities", len(report.Tags)))

	return report, nil
}

// Watch patches local state with every diff from source until ctx is
// canceled or the source ends. Diffs for entities not followed are
// skipped. A diff that does not fit the stored version means local state
// fell behind, so the entity is pulled instead. Diffs and pulls that fail
// locally are recorded and watching continues; only a store failure ends
// the watch.
func (e *Engine) Watch(ctx context.Context, source DiffSource) error {
	for {
		diff, err := source.Next(ctx)
		if err != nil {
			return e.watchEnded(ctx, err)
		}

		if err := e.handleDiff(ctx, diff); err != nil {
			return err
		}
	}
}

func (e *Engine) watchEnded(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, remote.ErrSubscriptionClosed) {
		e.logger.Info("watch stopped")

		return nil
	}

	if remote.KindOf(err) == state.ErrorNetworkFailed {
		if dispErr := e.step(context.WithoutCancel(ctx), func(state.LocalState) ([]state.Update, error) {
			return []state.Update{updater.Offline()}, nil
		}); dispErr != nil {
			return errors.Join(err, dispErr)
		}
	}

	return fmt.Errorf("sync: watching diffs: %w", err)
}

func (e *Engine) handleDiff(ctx context.Context, diff state.VersionDiff) error {
	key := state.NewKey(diff.EntityName, diff.ID)

	info, err := state.GetEntityInfo(e.store.State(), diff.EntityName, diff.ID)
	if err != nil {
		e.logger.Debug("diff for unfollowed entity skipped", slog.String("entity", key.String()))

		return nil
	}

	switch info.VersionID {
	case diff.VersionID:
		e.logger.Debug("diff already applied", slog.String("entity", key.String()))

		return nil

	case diff.PrevVersionID:
		err := e.Patch(ctx, diff)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}

		if errors.Is(err, errDispatch) {
			return err
		}

		if err != nil {
			// A diff that cannot be applied is recorded and skipped.
			tag := e.newTag()
			e.logger.Warn("cannot apply diff",
				slog.String("entity", key.String()),
				slog.String("error", err.Error()),
			)

			return e.step(ctx, func(state.LocalState) ([]state.Update, error) {
				return []state.Update{updater.Error(err, tag)}, nil
			})
		}

		e.logger.Info("diff applied",
			slog.String("entity", key.String()),
			slog.String("version", diff.VersionID),
		)

		return nil

	default:
		e.logger.Info("local version behind, pulling",
			slog.String("entity", key.String()),
			slog.String("local", info.VersionID),
			slog.String("prev", diff.PrevVersionID),
		)

		_, err := e.Pull(ctx, diff.EntityName, diff.ID)

		switch {
		case err == nil, errors.Is(err, state.ErrNotFound):
		case errors.Is(err, errDispatch):
			return fmt.Errorf("sync: catching up %s: %w", key, err)
		default:
			// Pull has recorded the error under its tag.
			e.logger.Warn("catch-up pull failed",
				slog.String("entity", key.String()),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}
}
