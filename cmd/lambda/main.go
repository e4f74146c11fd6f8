package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"wpp-relay/internal/app"
	"wpp-relay/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	// The runtime freezes between invocations, so debounce timers cannot be trusted.
	cfg.BufferEnabled = false

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	// ---- Handler ----
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build app", "err", err)
		os.Exit(1)
	}

	lambda.Start(a.Handler.Handle)
}
