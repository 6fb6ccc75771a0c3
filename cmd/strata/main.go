package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/strata-io/strata/internal/cli"
)

func main() {
	// First signal cancels the run and lets in-flight operations drain;
	// a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
