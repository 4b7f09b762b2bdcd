package processor

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
)

const cooldownCacheSize = 4096

// cooldownTracker answers "when did this user last earn a grant". The
// ledger's transaction history is the source of truth; the LRU in front of
// it only saves the read on the hot path. Entries are written by the same
// lane that writes the grant, so a cached value can never run ahead of the
// ledger for the user it belongs to.
type cooldownTracker struct {
	store ledger.Ledger
	cache *lru.Cache
}

func newCooldownTracker(store ledger.Ledger) *cooldownTracker {
	cache, _ := lru.New(cooldownCacheSize)
	return &cooldownTracker{store: store, cache: cache}
}

// Remaining reports how long the user still has to wait before the next
// grant of the given reason. Zero means no cooldown is in effect.
func (c *cooldownTracker) Remaining(ctx context.Context, discordID, reason string, period time.Duration) (time.Duration, error) {
	if period <= 0 {
		return 0, nil
	}

	key := discordID + "|" + reason
	if v, found := c.cache.Get(key); found {
		if remaining := time.Until(v.(time.Time).Add(period)); remaining > 0 {
			return remaining, nil
		}
		return 0, nil
	}

	last, found, err := c.store.LastTransactionAt(ctx, discordID, reason)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	c.cache.Add(key, last)
	if remaining := time.Until(last.Add(period)); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Record notes a freshly committed transaction time.
func (c *cooldownTracker) Record(discordID, reason string, at time.Time) {
	c.cache.Add(discordID+"|"+reason, at)
}
