package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/database/repositories"
	"github.com/uptrace/bun"
)

// DeltaRequest describes one balance mutation.
type DeltaRequest struct {
	DiscordID     string
	Username      string
	Delta         int64
	Reason        string
	SourceEventID string
	Counterparty  string
	Note          string
}

// Receipt is the outcome of a committed single-user mutation.
type Receipt struct {
	Transaction *models.Transaction
	NewBalance  int64
}

// TransferReceipt is the outcome of a committed transfer: both legs plus
// both post-transfer balances.
type TransferReceipt struct {
	Out         *models.Transaction
	In          *models.Transaction
	FromBalance int64
	ToBalance   int64
}

// Entry is one leaderboard row.
type Entry struct {
	DiscordID string `json:"discord_id"`
	Username  string `json:"username"`
	Balance   int64  `json:"balance"`
}

// Ledger is the mutation and query surface the processor and the
// leaderboard cache depend on.
type Ledger interface {
	EnsureUser(ctx context.Context, discordID, username string) (*models.User, error)
	ApplyDelta(ctx context.Context, req DeltaRequest) (*Receipt, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64, sourceEventID string) (*TransferReceipt, error)
	GetBalance(ctx context.Context, discordID string) (int64, error)
	GetHistory(ctx context.Context, discordID string, limit int, beforeID int64) ([]*models.Transaction, error)
	IsProcessed(ctx context.Context, sourceEventID string) (bool, error)
	TopN(ctx context.Context, n int) ([]Entry, error)
	CountUsers(ctx context.Context) (int, error)
	LastTransactionAt(ctx context.Context, discordID, reason string) (time.Time, bool, error)
}

// Store is the sole writer to the ledger tables. Every mutation runs as one
// database transaction: processed-event marker, balance update and
// transaction rows commit together or not at all.
type Store struct {
	users repositories.UserRepository
	txns  repositories.TransactionRepository
	tm    *txManager
}

func NewStore(db *bun.DB) *Store {
	return &Store{
		users: repositories.NewUserRepository(db),
		txns:  repositories.NewTransactionRepository(db),
		tm:    newTxManager(db),
	}
}

var _ Ledger = (*Store)(nil)

func (s *Store) EnsureUser(ctx context.Context, discordID, username string) (*models.User, error) {
	user, err := s.users.EnsureUser(ctx, discordID, username)
	if err != nil {
		return nil, classify(err)
	}
	return user, nil
}

// ApplyDelta applies one signed delta to a user. The processed-event insert
// doubles as the idempotency guard: a replayed source event id fails its
// primary key before any balance is touched.
func (s *Store) ApplyDelta(ctx context.Context, req DeltaRequest) (*Receipt, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("zero delta for event %s", req.SourceEventID)
	}

	var receipt *Receipt
	err := s.tm.WithTransaction(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.txns.MarkProcessedTx(ctx, tx, req.SourceEventID); err != nil {
			return err
		}

		if err := s.users.EnsureUserTx(ctx, tx, req.DiscordID, req.Username); err != nil {
			return err
		}

		balance, err := s.users.AdjustBalanceTx(ctx, tx, req.DiscordID, req.Delta)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInsufficientBalance
			}
			return err
		}

		txn := &models.Transaction{
			DiscordID:      req.DiscordID,
			Delta:          req.Delta,
			Reason:         req.Reason,
			CounterpartyID: req.Counterparty,
			SourceEventID:  req.SourceEventID,
			Note:           req.Note,
		}
		if err := s.txns.InsertTx(ctx, tx, txn); err != nil {
			return err
		}

		receipt = &Receipt{Transaction: txn, NewBalance: balance}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Debug("Ledger delta applied",
		slog.String("type", "db"),
		slog.String("discord_id", req.DiscordID),
		slog.Int64("delta", req.Delta),
		slog.String("reason", req.Reason),
		slog.Int64("balance", receipt.NewBalance))

	return receipt, nil
}

// Transfer moves amount between two users as a single atomic unit. Both
// legs share one source event id; the processed-event marker guards the
// pair, so a replay cannot re-run either leg.
func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount int64, sourceEventID string) (*TransferReceipt, error) {
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	if amount <= 0 {
		return nil, fmt.Errorf("non-positive transfer amount %d for event %s", amount, sourceEventID)
	}

	var receipt *TransferReceipt
	err := s.tm.WithTransaction(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.txns.MarkProcessedTx(ctx, tx, sourceEventID); err != nil {
			return err
		}

		// The recipient is created on first sight like any other user; the
		// sender must cover the amount, existing or not.
		if err := s.users.EnsureUserTx(ctx, tx, fromID, ""); err != nil {
			return err
		}
		if err := s.users.EnsureUserTx(ctx, tx, toID, ""); err != nil {
			return err
		}

		// Lock leg rows in a fixed order so two opposing transfers cannot
		// deadlock across lanes.
		var fromBalance, toBalance int64
		adjust := func(id string) error {
			var err error
			if id == fromID {
				fromBalance, err = s.users.AdjustBalanceTx(ctx, tx, fromID, -amount)
				if errors.Is(err, sql.ErrNoRows) {
					return ErrInsufficientBalance
				}
			} else {
				toBalance, err = s.users.AdjustBalanceTx(ctx, tx, toID, amount)
			}
			return err
		}

		first, second := fromID, toID
		if toID < fromID {
			first, second = toID, fromID
		}
		if err := adjust(first); err != nil {
			return err
		}
		if err := adjust(second); err != nil {
			return err
		}

		out := &models.Transaction{
			DiscordID:      fromID,
			Delta:          -amount,
			Reason:         models.ReasonTransferOut,
			CounterpartyID: toID,
			SourceEventID:  sourceEventID,
		}
		in := &models.Transaction{
			DiscordID:      toID,
			Delta:          amount,
			Reason:         models.ReasonTransferIn,
			CounterpartyID: fromID,
			SourceEventID:  sourceEventID,
		}
		if err := s.txns.InsertTx(ctx, tx, out); err != nil {
			return err
		}
		if err := s.txns.InsertTx(ctx, tx, in); err != nil {
			return err
		}

		receipt = &TransferReceipt{
			Out:         out,
			In:          in,
			FromBalance: fromBalance,
			ToBalance:   toBalance,
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Debug("Transfer committed",
		slog.String("type", "db"),
		slog.String("from", fromID),
		slog.String("to", toID),
		slog.Int64("amount", amount))

	return receipt, nil
}

func (s *Store) GetBalance(ctx context.Context, discordID string) (int64, error) {
	balance, err := s.users.GetBalance(ctx, discordID)
	if err != nil {
		return 0, classify(err)
	}
	return balance, nil
}

func (s *Store) GetHistory(ctx context.Context, discordID string, limit int, beforeID int64) ([]*models.Transaction, error) {
	txns, err := s.txns.GetHistory(ctx, discordID, limit, beforeID)
	if err != nil {
		return nil, classify(err)
	}
	return txns, nil
}

// IsProcessed reports whether a source event id is already in the dedup
// set. Read-only companion to the marker inserts in ApplyDelta and
// Transfer; callers use it to recognize a redelivery without attempting
// the write.
func (s *Store) IsProcessed(ctx context.Context, sourceEventID string) (bool, error) {
	done, err := s.txns.IsProcessed(ctx, sourceEventID)
	if err != nil {
		return false, classify(err)
	}
	return done, nil
}

// TopN is the authoritative ranking, used directly when the leaderboard
// cache has no usable snapshot.
func (s *Store) TopN(ctx context.Context, n int) ([]Entry, error) {
	users, err := s.users.GetTopUsers(ctx, n)
	if err != nil {
		return nil, classify(err)
	}

	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, Entry{
			DiscordID: u.DiscordID,
			Username:  u.Username,
			Balance:   u.Balance,
		})
	}
	return entries, nil
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	n, err := s.users.CountUsers(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// LastTransactionAt reports when the user's most recent transaction of the
// given reason was created. Cooldowns derive from this; there is no second
// mutable cooldown store to drift from the ledger.
func (s *Store) LastTransactionAt(ctx context.Context, discordID, reason string) (time.Time, bool, error) {
	txn, err := s.txns.LastByReason(ctx, discordID, reason)
	if err != nil {
		return time.Time{}, false, classify(err)
	}
	if txn == nil {
		return time.Time{}, false, nil
	}
	return txn.CreatedAt, true, nil
}

// AuditUser recomputes a balance from the transaction log and compares it
// with the stored value. Only meaningful while history pruning is disabled.
func (s *Store) AuditUser(ctx context.Context, discordID string) (bool, error) {
	sum, err := s.txns.SumDeltas(ctx, discordID)
	if err != nil {
		return false, classify(err)
	}

	balance, err := s.users.GetBalance(ctx, discordID)
	if err != nil {
		return false, classify(err)
	}

	if sum != balance {
		slog.Error("Ledger balance mismatch",
			slog.String("type", "db"),
			slog.String("discord_id", discordID),
			slog.Int64("balance", balance),
			slog.Int64("sum_deltas", sum))
		return false, nil
	}

	return true, nil
}
