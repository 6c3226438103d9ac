package main

import (
	"context"
	"runtime"
	"time"

	"github.com/Borislavv/display-queue/internal/display"
	"github.com/Borislavv/display-queue/pkg/config"
	"github.com/Borislavv/display-queue/pkg/gc"
	"github.com/Borislavv/display-queue/pkg/k8s/probe/liveness"
	"github.com/Borislavv/display-queue/pkg/shutdown"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"
)

// setMaxProcs automatically sets the optimal GOMAXPROCS value (CPU parallelism)
// based on the available CPUs and cgroup/docker CPU quotas (uses automaxprocs).
func setMaxProcs() {
	if _, err := maxprocs.Set(); err != nil {
		log.Err(err).Msg("[main] setting up GOMAXPROCS value failed")
		panic(err)
	}
	log.Info().Msgf("[main] optimized GOMAXPROCS=%d was set up", runtime.GOMAXPROCS(0))
}

// loadCfg pulls APP_ENV (and friends) from .env when present, then loads the
// yaml configuration for that environment.
func loadCfg() (*config.Display, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("[config] .env loaded")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Err(err).Msg("[config] failed to load")
		return nil, err
	}
	return cfg, nil
}

// Main entrypoint: configures and starts the display pipeline.
func main() {
	// Create a root context for graceful shutdown and cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optimize GOMAXPROCS for the current environment.
	setMaxProcs()

	cfg, cfgError := loadCfg()
	if cfgError != nil {
		log.Err(cfgError).Msg("[main] failed to load display config")
		return
	}

	// Setup graceful shutdown handler (SIGTERM, SIGINT, etc).
	gracefulShutdown := shutdown.NewGraceful(ctx, cancel)
	gracefulShutdown.SetGracefulTimeout(time.Minute)

	// Initialize liveness probe for Kubernetes/Cloud health checks.
	timeout := time.Second * 5
	if cfg.Display.K8S != nil && cfg.Display.K8S.Probe != nil {
		timeout = cfg.Display.K8S.Probe.Timeout
	}
	probe := liveness.NewProbe(timeout)

	// Initialize and start the display application.
	app, err := display.NewApp(ctx, cfg, probe)
	if err != nil {
		log.Err(err).Msg("[main] failed to init display app")
		return
	}

	// Register app for graceful shutdown.
	gracefulShutdown.Add(1)
	go app.Start(gracefulShutdown)

	// Run forced GC.
	if cfg.Display.ForceGC != nil && cfg.Display.ForceGC.Enabled {
		gcCtx, gcCancel := context.WithCancel(context.Background())
		defer gcCancel()
		gc.Run(gcCtx, cfg)
	}

	// Listen for OS signals or context cancellation and wait for shutdown.
	if err := gracefulShutdown.ListenCancelAndAwait(); err != nil {
		log.Err(err).Msg("failed to gracefully shut down service")
	}
}
