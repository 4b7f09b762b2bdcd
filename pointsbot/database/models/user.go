package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is one ledger account. Rows are created on first-seen event and
// never deleted; only the balance columns change after insert.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID             int64  `bun:"id,pk,autoincrement"`
	DiscordID      string `bun:"discord_id,notnull,unique"`
	Username       string `bun:"username,notnull,default:''"`
	Balance        int64  `bun:"balance,notnull,default:0"`
	LifetimeEarned int64  `bun:"lifetime_earned,notnull,default:0"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}
