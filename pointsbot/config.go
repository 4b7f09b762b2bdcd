package pointsbot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/aiclub-dev/pointsbot/pointsbot/database"
	"github.com/aiclub-dev/pointsbot/pointsbot/leaderboard"
	"github.com/aiclub-dev/pointsbot/pointsbot/processor"
	"github.com/aiclub-dev/pointsbot/pointsbot/services"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log         LogConfig              `toml:"log"`
	Bot         BotConfig              `toml:"bot"`
	DB          database.DBConfig      `toml:"db"`
	Processor   processor.Config       `toml:"processor"`
	Leaderboard leaderboard.Config     `toml:"leaderboard"`
	Retention   services.ArchiveConfig `toml:"retention"`
	Web         WebConfig              `toml:"web"`
}

// BotConfig holds the chat-platform credential. The token is read by the
// external gateway process, never by the ledger core itself; it lives here
// so one config file covers the whole deployment.
type BotConfig struct {
	Token string `toml:"token"`
	// Lanes is the dispatcher's fan-out width across users.
	Lanes int `toml:"lanes"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type WebConfig struct {
	ListenAddr string `toml:"listen_addr"`
}
