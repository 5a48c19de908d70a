// Command controlplaned runs the build-platform control plane: the
// HITL session engine, the dependency-graph ticket engine, the
// dispatch loop, the lease reaper, and the HTTP/WebSocket API, all
// wired from environment configuration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildforge/controlplane/internal/app/runtime"
	"github.com/buildforge/controlplane/internal/config"
	"github.com/buildforge/controlplane/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Exit codes per the runtime contract: 0 clean shutdown, 1 fatal
// startup failure, 2 unrecoverable runtime failure.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("controlplaned").WithError(err).Error("load configuration")
		return exitStartupFailure
	}
	if err := cfg.Validate(); err != nil {
		logger.NewDefault("controlplaned").WithError(err).Error("invalid configuration")
		return exitStartupFailure
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})

	ctx, cancelBoot := context.WithTimeout(context.Background(), shutdownTimeout)
	app, err := runtime.New(ctx, cfg, log)
	cancelBoot()
	if err != nil {
		log.WithError(err).Error("initialize application")
		return exitStartupFailure
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		log.WithError(err).Error("start application")
		return exitStartupFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	if err := app.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown application")
		return exitRuntimeFailure
	}

	return exitOK
}
