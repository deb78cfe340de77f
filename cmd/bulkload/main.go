// Command bulkload analyzes and loads bulk entity record files from the
// command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	// Environment variables set by the caller win over .env.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand(newApp(os.Stdin, os.Stdout, os.Stderr)).ExecuteContext(ctx)
	stop()

	os.Exit(exitCode(err, os.Stderr))
}
