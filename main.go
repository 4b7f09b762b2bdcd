package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot"
	"github.com/aiclub-dev/pointsbot/pointsbot/database"
	"github.com/aiclub-dev/pointsbot/pointsbot/database/repositories"
	"github.com/aiclub-dev/pointsbot/pointsbot/leaderboard"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
	"github.com/aiclub-dev/pointsbot/pointsbot/logger"
	"github.com/aiclub-dev/pointsbot/pointsbot/processor"
	"github.com/aiclub-dev/pointsbot/pointsbot/services"
	"github.com/aiclub-dev/pointsbot/pointsbot/web"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	path := flag.String("config", "config.toml", "path to config")
	skipSchema := flag.Bool("skip-schema", false, "skip automatic schema initialization")
	flag.Parse()

	cfg, err := pointsbot.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	customHandler := logger.NewHandler(cfg.Log.Level)
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting PointsBot ledger",
		slog.String("version", version),
		slog.String("commit", commit))

	slog.Info("Initializing database connection...")
	dbStartTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Database connection failed",
			slog.String("error", err.Error()),
			slog.Duration("attempted_for", time.Since(dbStartTime)))
		os.Exit(-1)
	}
	defer db.Close()

	slog.Info("Database connected successfully",
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStartTime)))

	if !*skipSchema {
		slog.Info("Initializing database schema...")
		if err := db.InitializeSchema(ctx); err != nil {
			slog.Error("Failed to initialize database schema",
				slog.String("error", err.Error()))
			os.Exit(-1)
		}
		slog.Info("Database schema initialized successfully")
	}

	store := ledger.NewStore(db.BunDB())

	board := leaderboard.NewCache(store, cfg.Leaderboard)
	if err := board.Refresh(ctx); err != nil {
		slog.Warn("Initial leaderboard refresh failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}

	proc := processor.New(store, board, cfg.Processor)
	dispatcher := processor.NewDispatcher(proc, cfg.Bot.Lanes)

	searchService := services.NewUserSearchService(
		repositories.NewUserRepository(db.BunDB()))
	archiveService := services.NewArchiveService(
		repositories.NewTransactionRepository(db.BunDB()), cfg.Retention)

	server := web.NewServer(db, store, dispatcher, board, searchService)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := dispatcher.Run(runCtx); err != nil {
			logger.LogError("Dispatcher stopped", err)
		}
	}()
	go board.Run(runCtx)
	go archiveService.Run(runCtx)

	go func() {
		slog.Info("Starting API server", slog.String("address", cfg.Web.ListenAddr))
		if err := server.Listen(cfg.Web.ListenAddr); err != nil {
			slog.Error("API server stopped", slog.Any("error", err))
		}
	}()

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s

	logger.LogSystem("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogError("Server shutdown error", err)
	}

	// Stop intake first, then the lanes: in-flight writes finish before the
	// database connection closes. Waiting on the dispatcher keeps process
	// exit from racing the lane drain.
	stop()
	<-dispatcherDone

	logger.LogSystem("Shutdown complete")
}
