package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/statesync/internal/remote"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply server diffs to local state as they arrive",
		Long: `Subscribe to the server's diff stream and patch followed entities as
versions change. Every followed entity is pulled first so the stream starts
from current state. Runs until interrupted (SIGINT/SIGTERM) or the server
closes the stream. Only one watch may run per state database.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().Bool("no-catch-up", false, "skip the initial pull of followed entities")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	noCatchUp, err := cmd.Flags().GetBool("no-catch-up")
	if err != nil {
		return err
	}

	cleanup, err := writePIDFile(watchPIDPath(cc.Cfg.StatePath))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	if !noCatchUp {
		report, err := cs.engine.PullAll(ctx, cc.Cfg.PullConcurrency)
		if err != nil {
			return err
		}

		logger.Info("caught up", slog.Int("entities", len(report.Tags)))
	}

	var sessionID string
	if sess := cs.engine.State().Session; sess != nil {
		sessionID = sess.ID
	}

	sub, err := remote.Subscribe(ctx, cc.Cfg.WebsocketURL, sessionID, newStreamClient(cc), logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	cc.Statusf("Watching %s (Ctrl-C to stop).\n", cc.Cfg.WebsocketURL)

	if err := cs.engine.Watch(ctx, sub); err != nil {
		return err
	}

	cc.Statusf("Watch stopped.\n")

	return nil
}
