package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
	"github.com/aiclub-dev/pointsbot/pointsbot/logger"
)

// Config carries the policy knobs for event processing.
type Config struct {
	// GrantCooldown is the minimum gap between two grant-request events for
	// the same user. Zero disables the cooldown.
	GrantCooldown time.Duration `toml:"grant_cooldown"`
	// MaxGrant caps a single grant; zero means uncapped.
	MaxGrant int64 `toml:"max_grant"`
	// MaxTransfer caps a single transfer; zero means uncapped.
	MaxTransfer int64 `toml:"max_transfer"`
	// AdminIDs may issue adjust-request events.
	AdminIDs []snowflake.ID `toml:"admin_ids"`
	// HistoryPageSize bounds one history-query page.
	HistoryPageSize int `toml:"history_page_size"`
	// LeaderboardSize bounds one leaderboard-query response.
	LeaderboardSize int `toml:"leaderboard_size"`
	// RetryAttempts and RetryBaseDelay shape the backoff used when storage
	// reports a transient failure.
	RetryAttempts  int           `toml:"retry_attempts"`
	RetryBaseDelay time.Duration `toml:"retry_base_delay"`
}

func (c *Config) setDefaults() {
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 10
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
}

// Ranker serves ranked leaderboard reads. Satisfied by leaderboard.Cache.
type Ranker interface {
	Query(ctx context.Context, n int) ([]ledger.Entry, error)
}

// Processor turns decoded events into ledger operations. It is stateless
// across events apart from the cooldown read cache; all durable state lives
// behind the ledger.
type Processor struct {
	store     ledger.Ledger
	ranker    Ranker
	cooldowns *cooldownTracker
	cfg       Config
}

func New(store ledger.Ledger, ranker Ranker, cfg Config) *Processor {
	cfg.setDefaults()
	return &Processor{
		store:     store,
		ranker:    ranker,
		cooldowns: newCooldownTracker(store),
		cfg:       cfg,
	}
}

// Process runs one event through validate, authorize, apply. Mutation
// events for the same user must be funneled through the same dispatcher
// lane; Process itself does not serialize.
func (p *Processor) Process(ctx context.Context, event Event) Result {
	start := time.Now()
	result := p.process(ctx, event)

	logger.LogEvent(event.ID, string(event.Type), event.UserID,
		string(result.Status), string(result.ReasonCode), time.Since(start))

	return result
}

func (p *Processor) process(ctx context.Context, event Event) Result {
	if code := p.validate(event); code != ReasonOK {
		return rejected(code)
	}

	switch event.Type {
	case EventGrant:
		return p.handleGrant(ctx, event)
	case EventSpend:
		return p.handleSpend(ctx, event)
	case EventTransfer:
		return p.handleTransfer(ctx, event)
	case EventAdjust:
		return p.handleAdjust(ctx, event)
	case EventBalance:
		return p.handleBalance(ctx, event)
	case EventLeaderboard:
		return p.handleLeaderboard(ctx, event)
	case EventHistory:
		return p.handleHistory(ctx, event)
	default:
		return rejected(ReasonInvalidCommand)
	}
}

func (p *Processor) validate(event Event) ReasonCode {
	if event.ID == "" || event.UserID == "" {
		return ReasonInvalidCommand
	}

	switch event.Type {
	case EventGrant:
		if event.Amount <= 0 || (p.cfg.MaxGrant > 0 && event.Amount > p.cfg.MaxGrant) {
			return ReasonInvalidCommand
		}
	case EventSpend:
		if event.Amount <= 0 {
			return ReasonInvalidCommand
		}
	case EventTransfer:
		if event.Amount <= 0 || (p.cfg.MaxTransfer > 0 && event.Amount > p.cfg.MaxTransfer) {
			return ReasonInvalidCommand
		}
		if event.TargetUserID == "" {
			return ReasonInvalidCommand
		}
	case EventAdjust:
		if event.Amount == 0 {
			return ReasonInvalidCommand
		}
	case EventBalance, EventLeaderboard, EventHistory:
	default:
		return ReasonInvalidCommand
	}

	return ReasonOK
}

func (p *Processor) handleGrant(ctx context.Context, event Event) Result {
	remaining, err := p.cooldowns.Remaining(ctx, event.UserID, models.ReasonGrant, p.cfg.GrantCooldown)
	if err != nil {
		return p.failure(err)
	}
	if remaining > 0 {
		// A redelivered grant trips the cooldown its own first delivery
		// armed. Ask the dedup set before rejecting so a replay is still
		// acknowledged as applied.
		processed, perr := p.store.IsProcessed(ctx, event.ID)
		if perr != nil {
			return p.failure(perr)
		}
		if processed {
			return p.mutationFailure(ctx, event, ledger.ErrDuplicateEvent)
		}

		result := rejected(ReasonCooldown)
		result.RetryAfter = remaining
		return result
	}

	receipt, err := p.applyWithRetry(ctx, ledger.DeltaRequest{
		DiscordID:     event.UserID,
		Username:      event.Username,
		Delta:         event.Amount,
		Reason:        models.ReasonGrant,
		SourceEventID: event.ID,
		Note:          event.Note,
	})
	if err != nil {
		return p.mutationFailure(ctx, event, err)
	}

	p.cooldowns.Record(event.UserID, models.ReasonGrant, receipt.Transaction.CreatedAt)
	return ok(receipt.NewBalance, receipt.Transaction.Delta)
}

func (p *Processor) handleSpend(ctx context.Context, event Event) Result {
	receipt, err := p.applyWithRetry(ctx, ledger.DeltaRequest{
		DiscordID:     event.UserID,
		Username:      event.Username,
		Delta:         -event.Amount,
		Reason:        models.ReasonSpend,
		SourceEventID: event.ID,
		Note:          event.Note,
	})
	if err != nil {
		return p.mutationFailure(ctx, event, err)
	}

	return ok(receipt.NewBalance, receipt.Transaction.Delta)
}

func (p *Processor) handleTransfer(ctx context.Context, event Event) Result {
	receipt, err := p.transferWithRetry(ctx, event)
	if err != nil {
		return p.mutationFailure(ctx, event, err)
	}

	return ok(receipt.FromBalance, receipt.Out.Delta)
}

func (p *Processor) handleAdjust(ctx context.Context, event Event) Result {
	if !p.isAdmin(event.UserID) {
		return rejected(ReasonUnauthorized)
	}

	target := event.TargetUserID
	if target == "" {
		target = event.UserID
	}

	receipt, err := p.applyWithRetry(ctx, ledger.DeltaRequest{
		DiscordID:     target,
		Delta:         event.Amount,
		Reason:        models.ReasonAdjustment,
		SourceEventID: event.ID,
		Note:          event.Note,
	})
	if err != nil {
		return p.mutationFailure(ctx, event, err)
	}

	return ok(receipt.NewBalance, receipt.Transaction.Delta)
}

func (p *Processor) handleBalance(ctx context.Context, event Event) Result {
	user, err := p.store.EnsureUser(ctx, event.UserID, event.Username)
	if err != nil {
		return p.failure(err)
	}

	return ok(user.Balance, 0)
}

func (p *Processor) handleLeaderboard(ctx context.Context, event Event) Result {
	n := event.Limit
	if n <= 0 || n > p.cfg.LeaderboardSize {
		n = p.cfg.LeaderboardSize
	}

	entries, err := p.ranker.Query(ctx, n)
	if err != nil {
		return p.failure(err)
	}

	total, err := p.store.CountUsers(ctx)
	if err != nil {
		return p.failure(err)
	}

	return Result{
		Status:     StatusOK,
		ReasonCode: ReasonOK,
		Payload:    LeaderboardPayload{Entries: entries, TotalUsers: total},
	}
}

func (p *Processor) handleHistory(ctx context.Context, event Event) Result {
	limit := event.Limit
	if limit <= 0 || limit > p.cfg.HistoryPageSize {
		limit = p.cfg.HistoryPageSize
	}

	txns, err := p.store.GetHistory(ctx, event.UserID, limit, event.Cursor)
	if err != nil {
		return p.failure(err)
	}

	entries := make([]HistoryEntry, 0, len(txns))
	for _, t := range txns {
		entries = append(entries, HistoryEntry{
			ID:           t.ID,
			Delta:        t.Delta,
			Reason:       t.Reason,
			Counterparty: t.CounterpartyID,
			Note:         t.Note,
			CreatedAt:    t.CreatedAt,
		})
	}

	payload := HistoryPayload{Entries: entries}
	if len(txns) == limit && limit > 0 {
		payload.NextCursor = txns[len(txns)-1].ID
	}

	return Result{Status: StatusOK, ReasonCode: ReasonOK, Payload: payload}
}

func (p *Processor) isAdmin(userID string) bool {
	id, err := snowflake.Parse(userID)
	if err != nil {
		return false
	}
	for _, admin := range p.cfg.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// applyWithRetry retries only transient storage failures. Retrying after an
// ambiguous failure is safe: if the first attempt actually committed, the
// retry comes back as a duplicate event.
func (p *Processor) applyWithRetry(ctx context.Context, req ledger.DeltaRequest) (*ledger.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.cfg.RetryBaseDelay<<(attempt-1)); err != nil {
				return nil, lastErr
			}
		}

		receipt, err := p.store.ApplyDelta(ctx, req)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ledger.ErrStorageUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Processor) transferWithRetry(ctx context.Context, event Event) (*ledger.TransferReceipt, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.cfg.RetryBaseDelay<<(attempt-1)); err != nil {
				return nil, lastErr
			}
		}

		receipt, err := p.store.Transfer(ctx, event.UserID, event.TargetUserID, event.Amount, event.ID)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ledger.ErrStorageUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// mutationFailure maps a failed mutation onto a Result. A duplicate event
// is acknowledged as a successful replay, with the current balance so the
// response still reads correctly.
func (p *Processor) mutationFailure(ctx context.Context, event Event, err error) Result {
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		result := Result{Status: StatusOK, ReasonCode: ReasonDuplicateReplay}
		if balance, berr := p.store.GetBalance(ctx, event.UserID); berr == nil {
			result.NewBalance = &balance
		}
		return result
	}

	if errors.Is(err, ledger.ErrInsufficientBalance) {
		result := rejected(ReasonInsufficientBalance)
		if balance, berr := p.store.GetBalance(ctx, event.UserID); berr == nil {
			result.NewBalance = &balance
		}
		return result
	}

	if errors.Is(err, ledger.ErrSelfTransfer) {
		return rejected(ReasonSelfTransfer)
	}

	return p.failure(err)
}

func (p *Processor) failure(err error) Result {
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		return rejected(ReasonStorageUnavailable)
	}

	slog.Error("Event processing failed",
		slog.String("type", "err"),
		slog.Any("error", err))
	return rejected(ReasonInternalError)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
