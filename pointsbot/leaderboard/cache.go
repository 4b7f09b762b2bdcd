package leaderboard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
)

// Config controls snapshot size and freshness.
type Config struct {
	// Size is how many entries each snapshot holds.
	Size int `toml:"size"`
	// RefreshInterval drives the background refresher.
	RefreshInterval time.Duration `toml:"refresh_interval"`
	// MaxStaleness is the oldest snapshot Query will serve before falling
	// back to the store.
	MaxStaleness time.Duration `toml:"max_staleness"`
}

func (c *Config) setDefaults() {
	if c.Size <= 0 {
		c.Size = 50
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 3 * c.RefreshInterval
	}
}

type snapshot struct {
	entries []ledger.Entry
	builtAt time.Time
}

// Cache serves ranked reads from an immutable snapshot swapped in wholesale
// on each refresh. Readers never see a partially built ranking and never
// block writers; the ledger stays the only authority.
type Cache struct {
	store   ledger.Ledger
	cfg     Config
	current atomic.Pointer[snapshot]
	// refreshing keeps a slow refresh from stacking behind the ticker.
	refreshing *semaphore.Weighted
}

func NewCache(store ledger.Ledger, cfg Config) *Cache {
	cfg.setDefaults()
	return &Cache{
		store:      store,
		cfg:        cfg,
		refreshing: semaphore.NewWeighted(1),
	}
}

// Refresh recomputes the top-N from the store and swaps the snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.refreshing.TryAcquire(1) {
		return nil
	}
	defer c.refreshing.Release(1)

	start := time.Now()
	entries, err := c.store.TopN(ctx, c.cfg.Size)
	if err != nil {
		slog.Warn("Leaderboard refresh failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
		return err
	}

	c.current.Store(&snapshot{entries: entries, builtAt: time.Now()})

	slog.Debug("Leaderboard refreshed",
		slog.String("type", "sys"),
		slog.Int("entries", len(entries)),
		slog.Duration("took", time.Since(start)))

	return nil
}

// Query returns the top n entries. It serves the snapshot when one exists
// and is fresh enough, otherwise it reads through to the store.
func (c *Cache) Query(ctx context.Context, n int) ([]ledger.Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	snap := c.current.Load()
	if snap == nil || n > c.cfg.Size || time.Since(snap.builtAt) > c.cfg.MaxStaleness {
		return c.store.TopN(ctx, n)
	}

	if n > len(snap.entries) {
		n = len(snap.entries)
	}

	// The snapshot is immutable; hand out a copy so callers cannot
	// accidentally share the backing array across refreshes.
	out := make([]ledger.Entry, n)
	copy(out, snap.entries[:n])
	return out, nil
}

// Run refreshes on a fixed schedule until ctx is cancelled. The first
// refresh happens immediately so queries have a snapshot soon after boot.
func (c *Cache) Run(ctx context.Context) {
	_ = c.Refresh(ctx)

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}
