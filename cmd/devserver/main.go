// Command devserver runs the in-memory entity server for local development.
//
// Usage: go run ./cmd/devserver --addr :8080 --seed seed.toml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/statesync/internal/devserver"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr           string
		seedPath       string
		requireSession bool
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:           "devserver",
		Short:         "In-memory statesync entity server",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			return run(cmd.Context(), addr, seedPath, requireSession, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&seedPath, "seed", "", "TOML file with initial users and entities")
	cmd.Flags().BoolVar(&requireSession, "require-session", false, "reject requests without a live session")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, addr, seedPath string, requireSession bool, logger *slog.Logger) error {
	srv := devserver.New(&devserver.Config{
		Logger:         logger,
		RequireSession: requireSession,
	})

	if seedPath != "" {
		if err := srv.LoadSeed(seedPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("listening", slog.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Streams are hijacked connections; Shutdown does not wait for them.
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down: %w", err)
	}

	return nil
}
