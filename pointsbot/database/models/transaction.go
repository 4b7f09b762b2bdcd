package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Transaction reasons. Corrections are represented as new adjustment rows,
// never as edits to old rows.
const (
	ReasonGrant       = "grant"
	ReasonSpend       = "spend"
	ReasonTransferIn  = "transfer_in"
	ReasonTransferOut = "transfer_out"
	ReasonAdjustment  = "adjustment"
)

// Transaction is an immutable, append-only ledger entry. The running sum of
// deltas per user always equals that user's current balance.
type Transaction struct {
	bun.BaseModel `bun:"table:transactions,alias:t"`

	ID             int64  `bun:"id,pk,autoincrement"`
	DiscordID      string `bun:"discord_id,notnull"`
	Delta          int64  `bun:"delta,notnull"`
	Reason         string `bun:"reason,notnull"`
	CounterpartyID string `bun:"counterparty_id,nullzero"`
	SourceEventID  string `bun:"source_event_id,notnull"`
	Note           string `bun:"note,nullzero"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ProcessedEvent marks a source event id as applied. Inserted in the same
// transaction as the ledger rows it produced, so the dedup set can never
// drift from the ledger itself.
type ProcessedEvent struct {
	bun.BaseModel `bun:"table:processed_events,alias:pe"`

	SourceEventID string    `bun:"source_event_id,pk"`
	ProcessedAt   time.Time `bun:"processed_at,notnull,default:current_timestamp"`
}
