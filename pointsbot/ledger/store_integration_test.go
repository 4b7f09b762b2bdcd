//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/database/pgtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(pgtest.New(t).BunDB())
}

func grant(t *testing.T, store *Store, discordID string, amount int64, eventID string) {
	t.Helper()
	_, err := store.ApplyDelta(context.Background(), DeltaRequest{
		DiscordID:     discordID,
		Delta:         amount,
		Reason:        models.ReasonGrant,
		SourceEventID: eventID,
	})
	if err != nil {
		t.Fatalf("seed grant for %s: %v", discordID, err)
	}
}

func mustBalance(t *testing.T, store *Store, discordID string) int64 {
	t.Helper()
	balance, err := store.GetBalance(context.Background(), discordID)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", discordID, err)
	}
	return balance
}

func Test_Store_ReplayAppliesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := DeltaRequest{
		DiscordID:     "100",
		Username:      "alice",
		Delta:         10,
		Reason:        models.ReasonGrant,
		SourceEventID: "evt-1",
	}

	receipt, err := store.ApplyDelta(ctx, req)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if receipt.NewBalance != 10 {
		t.Fatalf("NewBalance = %d, want 10", receipt.NewBalance)
	}

	if _, err := store.ApplyDelta(ctx, req); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("redelivery error = %v, want ErrDuplicateEvent", err)
	}

	if got := mustBalance(t, store, "100"); got != 10 {
		t.Errorf("balance after replay = %d, want 10", got)
	}

	processed, err := store.IsProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Error("IsProcessed(evt-1) = false, want true")
	}

	history, err := store.GetHistory(ctx, "100", 10, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history has %d rows, want 1", len(history))
	}
}

func Test_Store_TransferAtomicity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant(t, store, "100", 50, "evt-seed")

	// The failing leg must roll back everything, including the
	// processed-event marker and the recipient's row mutations.
	if _, err := store.Transfer(ctx, "100", "200", 80, "evt-xfer"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft transfer error = %v, want ErrInsufficientBalance", err)
	}
	if got := mustBalance(t, store, "100"); got != 50 {
		t.Errorf("sender balance after failed transfer = %d, want 50", got)
	}
	if got := mustBalance(t, store, "200"); got != 0 {
		t.Errorf("recipient balance after failed transfer = %d, want 0", got)
	}
	history, err := store.GetHistory(ctx, "200", 10, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("recipient has %d rows after failed transfer, want 0", len(history))
	}

	// The rolled-back attempt must not have burned the event id.
	receipt, err := store.Transfer(ctx, "100", "200", 30, "evt-xfer")
	if err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if receipt.FromBalance != 20 || receipt.ToBalance != 30 {
		t.Errorf("balances = %d/%d, want 20/30", receipt.FromBalance, receipt.ToBalance)
	}
	if receipt.Out.SourceEventID != receipt.In.SourceEventID {
		t.Error("transfer legs carry different source event ids")
	}

	for _, id := range []string{"100", "200"} {
		consistent, err := store.AuditUser(ctx, id)
		if err != nil {
			t.Fatalf("AuditUser(%s): %v", id, err)
		}
		if !consistent {
			t.Errorf("balance of %s does not match its delta sum", id)
		}
	}
}

func Test_Store_ConcurrentSpendsStopAtZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant(t, store, "100", 100, "evt-seed")

	const spenders = 20
	var succeeded, rejected atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < spenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyDelta(ctx, DeltaRequest{
				DiscordID:     "100",
				Delta:         -10,
				Reason:        models.ReasonSpend,
				SourceEventID: fmt.Sprintf("evt-spend-%d", i),
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("spend %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 10 || rejected.Load() != 10 {
		t.Errorf("succeeded/rejected = %d/%d, want 10/10",
			succeeded.Load(), rejected.Load())
	}
	if got := mustBalance(t, store, "100"); got != 0 {
		t.Errorf("final balance = %d, want 0", got)
	}

	consistent, err := store.AuditUser(ctx, "100")
	if err != nil {
		t.Fatalf("AuditUser: %v", err)
	}
	if !consistent {
		t.Error("balance does not match the delta sum after concurrent spends")
	}
}

func Test_Store_LedgerStaysConsistent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant(t, store, "100", 100, "evt-1")

	if _, err := store.ApplyDelta(ctx, DeltaRequest{
		DiscordID:     "100",
		Delta:         -30,
		Reason:        models.ReasonSpend,
		SourceEventID: "evt-2",
	}); err != nil {
		t.Fatalf("spend: %v", err)
	}

	if _, err := store.Transfer(ctx, "100", "200", 50, "evt-3"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := store.Transfer(ctx, "100", "200", 50, "evt-3"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("replayed transfer error = %v, want ErrDuplicateEvent", err)
	}

	grant(t, store, "300", 50, "evt-4")

	if got := mustBalance(t, store, "100"); got != 20 {
		t.Errorf("balance of 100 = %d, want 20", got)
	}
	if got := mustBalance(t, store, "200"); got != 50 {
		t.Errorf("balance of 200 = %d, want 50", got)
	}

	for _, id := range []string{"100", "200", "300"} {
		consistent, err := store.AuditUser(ctx, id)
		if err != nil {
			t.Fatalf("AuditUser(%s): %v", id, err)
		}
		if !consistent {
			t.Errorf("balance of %s does not match its delta sum", id)
		}
	}

	// Ties rank by discord id ascending.
	entries, err := store.TopN(ctx, 3)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	wantOrder := []string{"200", "300", "100"}
	if len(entries) != len(wantOrder) {
		t.Fatalf("TopN returned %d entries, want %d", len(entries), len(wantOrder))
	}
	for i, want := range wantOrder {
		if entries[i].DiscordID != want {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].DiscordID, want)
		}
	}

	if _, found, err := store.LastTransactionAt(ctx, "100", models.ReasonGrant); err != nil || !found {
		t.Errorf("LastTransactionAt = (found=%t, err=%v), want a grant", found, err)
	}
}

func Test_Store_EnsureUserRefreshesUsername(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.EnsureUser(ctx, "100", "alice")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("Username = %q, want %q", user.Username, "alice")
	}

	user, err = store.EnsureUser(ctx, "100", "alicia")
	if err != nil {
		t.Fatalf("EnsureUser after rename: %v", err)
	}
	if user.Username != "alicia" {
		t.Errorf("Username after rename = %q, want %q", user.Username, "alicia")
	}

	// An event without a username must not blank the stored one.
	user, err = store.EnsureUser(ctx, "100", "")
	if err != nil {
		t.Fatalf("EnsureUser without username: %v", err)
	}
	if user.Username != "alicia" {
		t.Errorf("Username after empty update = %q, want %q", user.Username, "alicia")
	}
}
