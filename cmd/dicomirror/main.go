package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// A single interrupt requests a graceful stop; workers finish their
	// current unit and the summary still prints. A second interrupt kills
	// the process the usual way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
