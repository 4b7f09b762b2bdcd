package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot"
	"github.com/aiclub-dev/pointsbot/pointsbot/database"
	"github.com/aiclub-dev/pointsbot/pointsbot/logger"
)

// Applies the ledger schema and exits. Useful for deployments that run the
// service with -skip-schema under a role without DDL rights.
func main() {
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := pointsbot.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitializeSchema(ctx); err != nil {
		slog.Error("Failed to initialize schema", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Schema initialized successfully")
}
