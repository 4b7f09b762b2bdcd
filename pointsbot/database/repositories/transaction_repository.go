package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/uptrace/bun"
)

type TransactionRepository interface {
	InsertTx(ctx context.Context, tx bun.Tx, txn *models.Transaction) error
	MarkProcessedTx(ctx context.Context, tx bun.Tx, sourceEventID string) error
	IsProcessed(ctx context.Context, sourceEventID string) (bool, error)
	GetHistory(ctx context.Context, discordID string, limit int, beforeID int64) ([]*models.Transaction, error)
	LastByReason(ctx context.Context, discordID, reason string) (*models.Transaction, error)
	SumDeltas(ctx context.Context, discordID string) (int64, error)
	SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	DeleteBatch(ctx context.Context, ids []int64) (int64, error)
	PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type transactionRepository struct {
	db *bun.DB
}

func NewTransactionRepository(db *bun.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) InsertTx(ctx context.Context, tx bun.Tx, txn *models.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	_, err := tx.NewInsert().Model(txn).Exec(ctx)
	return err
}

// MarkProcessedTx records the source event id inside the caller's
// transaction. A unique violation here is the idempotency guard firing.
func (r *transactionRepository) MarkProcessedTx(ctx context.Context, tx bun.Tx, sourceEventID string) error {
	event := &models.ProcessedEvent{
		SourceEventID: sourceEventID,
		ProcessedAt:   time.Now(),
	}
	_, err := tx.NewInsert().Model(event).Exec(ctx)
	return err
}

func (r *transactionRepository) IsProcessed(ctx context.Context, sourceEventID string) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.ProcessedEvent)(nil)).
		Where("source_event_id = ?", sourceEventID).
		Exists(ctx)
	return exists, err
}

// GetHistory returns transactions in reverse-chronological order. beforeID
// is the keyset cursor; pass 0 for the first page.
func (r *transactionRepository) GetHistory(ctx context.Context, discordID string, limit int, beforeID int64) ([]*models.Transaction, error) {
	var txns []*models.Transaction
	q := r.db.NewSelect().
		Model(&txns).
		Where("discord_id = ?", discordID).
		OrderExpr("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	err := q.Scan(ctx)
	return txns, err
}

func (r *transactionRepository) LastByReason(ctx context.Context, discordID, reason string) (*models.Transaction, error) {
	txn := new(models.Transaction)
	err := r.db.NewSelect().
		Model(txn).
		Where("discord_id = ? AND reason = ?", discordID, reason).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return txn, nil
}

// SumDeltas recomputes a user's balance from the full ledger. Used by the
// archive audit before pruning anything.
func (r *transactionRepository) SumDeltas(ctx context.Context, discordID string) (int64, error) {
	var sum int64
	err := r.db.NewSelect().
		Model((*models.Transaction)(nil)).
		ColumnExpr("COALESCE(SUM(delta), 0)").
		Where("discord_id = ?", discordID).
		Scan(ctx, &sum)
	return sum, err
}

func (r *transactionRepository) SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	var txns []*models.Transaction
	err := r.db.NewSelect().
		Model(&txns).
		Where("created_at < ?", cutoff).
		OrderExpr("id ASC").
		Limit(limit).
		Scan(ctx)
	return txns, err
}

func (r *transactionRepository) DeleteBatch(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.NewDelete().
		Model((*models.Transaction)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *transactionRepository) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*models.ProcessedEvent)(nil)).
		Where("processed_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
