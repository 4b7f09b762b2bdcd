package repositories

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/uptrace/bun"
)

type UserRepository interface {
	EnsureUser(ctx context.Context, discordID, username string) (*models.User, error)
	GetByDiscordID(ctx context.Context, discordID string) (*models.User, error)
	GetBalance(ctx context.Context, discordID string) (int64, error)
	GetTopUsers(ctx context.Context, limit int) ([]*models.User, error)
	CountUsers(ctx context.Context) (int, error)
	SearchByName(ctx context.Context, pattern string, limit int) ([]*models.User, error)
	EnsureUserTx(ctx context.Context, tx bun.Tx, discordID, username string) error
	AdjustBalanceTx(ctx context.Context, tx bun.Tx, discordID string, delta int64) (int64, error)
}

type userRepository struct {
	db *bun.DB
}

func NewUserRepository(db *bun.DB) UserRepository {
	return &userRepository{db: db}
}

// EnsureUser inserts a zero-balance row for discordID if absent and returns
// the current row. Safe to call on every inbound event. A non-empty
// username refreshes the stored one, so renames on the chat platform
// propagate on the user's next event.
func (r *userRepository) EnsureUser(ctx context.Context, discordID, username string) (*models.User, error) {
	now := time.Now()
	user := &models.User{
		DiscordID: discordID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}

	insert := r.db.NewInsert().Model(user)
	if username != "" {
		insert = insert.On("CONFLICT (discord_id) DO UPDATE").
			Set("username = EXCLUDED.username").
			Set("updated_at = EXCLUDED.updated_at")
	} else {
		insert = insert.On("CONFLICT (discord_id) DO NOTHING")
	}

	if _, err := insert.Exec(ctx); err != nil {
		return nil, err
	}

	return r.GetByDiscordID(ctx, discordID)
}

// EnsureUserTx is EnsureUser inside a caller-owned transaction.
func (r *userRepository) EnsureUserTx(ctx context.Context, tx bun.Tx, discordID, username string) error {
	now := time.Now()
	user := &models.User{
		DiscordID: discordID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}

	insert := tx.NewInsert().Model(user)
	if username != "" {
		insert = insert.On("CONFLICT (discord_id) DO UPDATE").
			Set("username = EXCLUDED.username").
			Set("updated_at = EXCLUDED.updated_at")
	} else {
		insert = insert.On("CONFLICT (discord_id) DO NOTHING")
	}

	_, err := insert.Exec(ctx)
	return err
}

func (r *userRepository) GetByDiscordID(ctx context.Context, discordID string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("discord_id = ?", discordID).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Debug("User not found",
				slog.String("type", "db"),
				slog.String("operation", "GetByDiscordID"),
				slog.String("discord_id", discordID))
		} else {
			slog.Error("Database error when getting user",
				slog.String("type", "db"),
				slog.String("operation", "GetByDiscordID"),
				slog.String("discord_id", discordID),
				slog.String("error", err.Error()))
		}
		return nil, err
	}

	return user, nil
}

func (r *userRepository) GetBalance(ctx context.Context, discordID string) (int64, error) {
	var balance int64
	err := r.db.NewSelect().
		Model((*models.User)(nil)).
		Column("balance").
		Where("discord_id = ?", discordID).
		Scan(ctx, &balance)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return balance, nil
}

// AdjustBalanceTx applies delta to the user's balance only when it would not
// go negative. Returns the new balance; sql.ErrNoRows means the guard
// rejected the update (or the user row is missing).
func (r *userRepository) AdjustBalanceTx(ctx context.Context, tx bun.Tx, discordID string, delta int64) (int64, error) {
	var balance int64
	q := tx.NewUpdate().
		Model((*models.User)(nil)).
		Set("balance = balance + ?", delta).
		Set("updated_at = ?", time.Now()).
		Where("discord_id = ? AND balance + ? >= 0", discordID, delta).
		Returning("balance")

	if delta > 0 {
		q = q.Set("lifetime_earned = lifetime_earned + ?", delta)
	}

	_, err := q.Exec(ctx, &balance)
	if err != nil {
		return 0, err
	}

	return balance, nil
}

func (r *userRepository) GetTopUsers(ctx context.Context, limit int) ([]*models.User, error) {
	var users []*models.User
	err := r.db.NewSelect().
		Model(&users).
		OrderExpr("balance DESC, discord_id ASC").
		Limit(limit).
		Scan(ctx)
	return users, err
}

func (r *userRepository) CountUsers(ctx context.Context) (int, error) {
	return r.db.NewSelect().
		Model((*models.User)(nil)).
		Count(ctx)
}

// SearchByName does a case-insensitive substring prefilter. Fuzzy ranking
// happens in the search service on top of this.
func (r *userRepository) SearchByName(ctx context.Context, pattern string, limit int) ([]*models.User, error) {
	var users []*models.User
	err := r.db.NewSelect().
		Model(&users).
		Where("username ILIKE ?", "%"+pattern+"%").
		Order("username ASC").
		Limit(limit).
		Scan(ctx)
	return users, err
}
