package migration

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MongoMember is one member document from the legacy bot's mongodump.
type MongoMember struct {
	ID        primitive.ObjectID `bson:"_id"`
	DiscordID string             `bson:"discordid"`
	Username  string             `bson:"username"`
	Points    float64            `bson:"points"`
	Joined    time.Time          `bson:"joined"`
}

// MongoPointLog is one point-log document from the legacy bot's mongodump.
// Amount is signed; the legacy bot logged spends as negatives.
type MongoPointLog struct {
	ID        primitive.ObjectID `bson:"_id"`
	DiscordID string             `bson:"discordid"`
	Amount    float64            `bson:"amount"`
	Reason    string             `bson:"reason"`
	Time      time.Time          `bson:"time"`
}

// TableStats tracks per-table import counters.
type TableStats struct {
	Read     int
	Imported int
	Skipped  int
}

// MigrationStats aggregates the run for the final report.
type MigrationStats struct {
	Tables    map[string]*TableStats
	StartTime time.Time
	EndTime   time.Time
}
