package processor

import (
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
)

// EventType enumerates the decoded chat interactions the core understands.
// Decoding itself (slash commands, reactions, scheduled triggers) happens
// upstream; by the time an Event reaches the processor it is already typed.
type EventType string

const (
	EventGrant       EventType = "grant-request"
	EventSpend       EventType = "spend-request"
	EventTransfer    EventType = "transfer-request"
	EventAdjust      EventType = "adjust-request"
	EventBalance     EventType = "balance-query"
	EventLeaderboard EventType = "leaderboard-query"
	EventHistory     EventType = "history-query"
)

// Event is one unit of work. ID is stable across gateway redeliveries and
// is what the idempotency guard keys on.
type Event struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	Type         EventType `json:"type"`
	Amount       int64     `json:"amount,omitempty"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Cursor       int64     `json:"cursor,omitempty"`
}

type Status string

const (
	StatusOK       Status = "ok"
	StatusRejected Status = "rejected"
)

type ReasonCode string

const (
	ReasonOK                  ReasonCode = "ok"
	ReasonDuplicateReplay     ReasonCode = "duplicate-replay"
	ReasonInvalidCommand      ReasonCode = "invalid-command"
	ReasonCooldown            ReasonCode = "cooldown"
	ReasonInsufficientBalance ReasonCode = "insufficient-balance"
	ReasonSelfTransfer        ReasonCode = "self-transfer"
	ReasonUnauthorized        ReasonCode = "unauthorized"
	ReasonStorageUnavailable  ReasonCode = "storage-unavailable"
	ReasonInternalError       ReasonCode = "internal-error"
)

// Result is the user-facing outcome handed back to the response renderer.
type Result struct {
	Status     Status        `json:"status"`
	ReasonCode ReasonCode    `json:"reason_code"`
	NewBalance *int64        `json:"new_balance,omitempty"`
	Delta      int64         `json:"delta,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Payload    any           `json:"payload,omitempty"`
}

// LeaderboardPayload is the payload for leaderboard-query results.
type LeaderboardPayload struct {
	Entries    []ledger.Entry `json:"entries"`
	TotalUsers int            `json:"total_users"`
}

// HistoryEntry is one page row for history-query results.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	Delta        int64     `json:"delta"`
	Reason       string    `json:"reason"`
	Counterparty string    `json:"counterparty,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryPayload carries one history page plus the cursor for the next.
// NextCursor of zero means the page was the last one.
type HistoryPayload struct {
	Entries    []HistoryEntry `json:"entries"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func ok(balance int64, delta int64) Result {
	b := balance
	return Result{Status: StatusOK, ReasonCode: ReasonOK, NewBalance: &b, Delta: delta}
}

func rejected(code ReasonCode) Result {
	return Result{Status: StatusRejected, ReasonCode: code}
}
