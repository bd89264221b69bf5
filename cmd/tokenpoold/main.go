// Command tokenpoold runs the token pool service: it seeds the pool,
// serves the JSON API, and reclaims expired leases until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/parchlabs/tokenpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tokenpoold:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	tokenpool.SetLogger(logger.With("component", "tokenpool"))

	cfg, err := tokenpool.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return tokenpool.New(cfg.Options()...).Run(ctx)
}
