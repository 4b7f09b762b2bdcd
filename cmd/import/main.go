package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aiclub-dev/pointsbot/pointsbot"
	"github.com/aiclub-dev/pointsbot/pointsbot/database"
	"github.com/aiclub-dev/pointsbot/pointsbot/logger"
	"github.com/aiclub-dev/pointsbot/pointsbot/migration"
)

// Imports the previous bot's member roster and point history, either from
// mongodump BSON files or straight from a live Mongo instance. Safe to rerun;
// already-imported log entries are skipped.
func main() {
	path := flag.String("config", "config.toml", "path to config")
	dataDir := flag.String("data", "data", "directory holding members.bson and pointlog.bson")
	mongoURI := flag.String("mongo-uri", "", "import directly from this Mongo instance instead of BSON files")
	mongoDB := flag.String("mongo-db", "pointsbot", "Mongo database name for -mongo-uri mode")
	batchSize := flag.Int("batch", 1000, "insert batch size")
	useCopy := flag.Bool("copy", false, "use COPY FROM for the point log")
	flag.Parse()

	cfg, err := pointsbot.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
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

	migrator := migration.NewMigrator(db.BunDB(), *dataDir)
	migrator.SetBatchSize(*batchSize)
	if *useCopy {
		migrator.SetUseCopy(true)
		migrator.UsePool(db.GetPool())
	}

	if *mongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
		if err != nil {
			slog.Error("Failed to connect to Mongo", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Disconnect(ctx)

		migrator.UseMongo(client, *mongoDB)
		if err := migrator.MigrateAllFromMongo(ctx); err != nil {
			slog.Error("Import failed", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		if err := migrator.MigrateAll(ctx); err != nil {
			slog.Error("Import failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	slog.Info("Import completed successfully")
}
