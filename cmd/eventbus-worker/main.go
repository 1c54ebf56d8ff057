package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/lib-eventbus/eventbus"
	"github.com/LerianStudio/lib-eventbus/eventbus/config"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	libZap "github.com/LerianStudio/lib-eventbus/eventbus/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := libZap.New(libZap.Config{
		Environment: environment(cfg.EnvName),
		Level:       cfg.LogLevel,
		Service:     "eventbus-worker",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	proc, err := build(ctx, cfg, logger, nil)
	if err != nil {
		libLog.SafeError(logger, ctx, "failed to start event bus worker", err, cfg.Production())
		_ = logger.Sync(ctx)
		os.Exit(1)
	}

	launcher := eventbus.NewLauncher(
		eventbus.WithLogger(logger),
		eventbus.RunApp("worker", proc.worker),
		eventbus.RunApp("server", proc.manager),
	)

	if err := launcher.RunWithError(); err != nil {
		libLog.SafeError(logger, ctx, "launcher failed", err, cfg.Production())
		os.Exit(1)
	}
}

func environment(name string) libZap.Environment {
	switch env := libZap.Environment(name); env {
	case libZap.EnvironmentProduction, libZap.EnvironmentStaging, libZap.EnvironmentLocal:
		return env
	default:
		return libZap.EnvironmentDevelopment
	}
}
