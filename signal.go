package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// signalContext derives a context that cancels when the process
// receives SIGINT or SIGTERM, giving the engine a chance to finish its
// in-flight action and save state. A repeat signal skips the graceful
// drain and kills the process outright.
func signalContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(interrupts)

		seen := 0

		for {
			select {
			case sig := <-interrupts:
				seen++

				if seen == 1 {
					logger.Info("shutdown requested", slog.String("signal", sig.String()))
					cancel()

					continue
				}

				logger.Warn("repeat interrupt, exiting now", slog.String("signal", sig.String()))
				os.Exit(1)

			case <-parent.Done():
				return
			}
		}
	}()

	return ctx
}
