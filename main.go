package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"keeper_server/config"
	"keeper_server/internal/bootstrap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	bootstrap.InitLogger(cfg)

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer cleanup()

	// Root context ends on SIGINT/SIGTERM; everything drains from there.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go deps.Monitor.Run(ctx)

	switch *mode {
	case "api":
		runAPI(ctx, deps)
	case "worker":
		runWorker(ctx, deps)
	case "all":
		go runWorker(ctx, deps)
		runAPI(ctx, deps)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

func runAPI(ctx context.Context, deps *bootstrap.Dependencies) {
	server := bootstrap.NewAPI(deps)

	go func() {
		<-ctx.Done()
		log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown did not complete cleanly")
		}
	}()

	if err := server.Listen(); err != nil {
		log.Error().Err(err).Msg("API server stopped")
		os.Exit(1)
	}
	log.Info().Msg("API server shut down gracefully")
}

func runWorker(ctx context.Context, deps *bootstrap.Dependencies) {
	if deps.Config.SchedulerEnabled {
		go bootstrap.RunSchedulerSync(ctx, deps, time.Duration(deps.Config.UserRefreshSec)*time.Second)
	} else {
		log.Info().Msg("scheduler disabled")
	}

	runner := bootstrap.NewWorker(deps)
	log.Info().Msg("starting worker")
	if err := runner.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	log.Info().Msg("worker shut down gracefully")
}
