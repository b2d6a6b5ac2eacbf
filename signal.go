package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
)

// shutdownContext derives the context runWatch hands to the engine. SIGINT
// or SIGTERM cancels it: Engine.Watch sees the cancellation, returns nil,
// and the deferred Close calls tear down the subscription and the state
// file. Once the first signal is consumed the handler is released, so a
// second Ctrl-C while that teardown hangs kills the process outright.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, release := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		release()

		if parent.Err() == nil {
			logger.Info("shutdown requested, closing subscription")
		}
	}()

	return ctx
}
