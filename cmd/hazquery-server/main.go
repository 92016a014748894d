package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/digital-atlas/hazquery/internal/config"
	"github.com/digital-atlas/hazquery/internal/logger"
	"github.com/digital-atlas/hazquery/internal/observability"
	"github.com/digital-atlas/hazquery/internal/server"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "hazquery-server",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	log.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("registry", cfg.RegistryPath).
		Str("cache_dir", cfg.CacheDir).
		Msg("starting hazquery server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return 1
	}
	log.Info().Msg("server stopped")
	return 0
}
