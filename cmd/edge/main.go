package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/greenkirill/revtun/internal/edge"
)

func main() {
	configPath := flag.String("config", "configs/edge.yaml", "path to edge configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := edge.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := edge.NewServer(cfg)

	slog.Info("edge starting")
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("edge exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("edge stopped")
}
