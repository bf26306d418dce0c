package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/config"
	"vigil/internal/engine"
	"vigil/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")
	log.Info().
		Str("config", *configPath).
		Str("rules_backend", cfg.Rules.Backend).
		Int("partitions", cfg.Engine.Partitions).
		Msg("starting alert evaluation engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("engine exited with error")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("engine failed")
			os.Exit(1)
		}
	}

	// give async log writers a moment to flush
	time.Sleep(100 * time.Millisecond)
	log.Info().Msg("exited")
}
