package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/mock/gomock"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger/mock"
)

type fakeRanker struct {
	entries []ledger.Entry
	err     error
}

func (f fakeRanker) Query(_ context.Context, n int) ([]ledger.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.entries) {
		n = len(f.entries)
	}
	return f.entries[:n], nil
}

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *mock.MockLedger) {
	t.Helper()
	store := mock.NewMockLedger(gomock.NewController(t))
	return New(store, fakeRanker{}, cfg), store
}

func grantEvent(id string) Event {
	return Event{
		ID:       id,
		UserID:   "100",
		Username: "alice",
		Type:     EventGrant,
		Amount:   10,
	}
}

func Test_Processor_Validate(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  ReasonCode
	}{
		{
			name:  "missing id",
			event: Event{UserID: "100", Type: EventGrant, Amount: 10},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "missing user",
			event: Event{ID: "evt-1", Type: EventGrant, Amount: 10},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "unknown type",
			event: Event{ID: "evt-1", UserID: "100", Type: "emote-request"},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "zero grant",
			event: Event{ID: "evt-1", UserID: "100", Type: EventGrant, Amount: 0},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "grant over cap",
			event: Event{ID: "evt-1", UserID: "100", Type: EventGrant, Amount: 500},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "negative spend",
			event: Event{ID: "evt-1", UserID: "100", Type: EventSpend, Amount: -5},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "transfer without target",
			event: Event{ID: "evt-1", UserID: "100", Type: EventTransfer, Amount: 5},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "zero adjust",
			event: Event{ID: "evt-1", UserID: "100", Type: EventAdjust, Amount: 0},
			want:  ReasonInvalidCommand,
		},
		{
			name:  "balance query needs no amount",
			event: Event{ID: "evt-1", UserID: "100", Type: EventBalance},
			want:  ReasonOK,
		},
	}

	p, _ := newTestProcessor(t, Config{MaxGrant: 100})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.validate(tt.event); got != tt.want {
				t.Errorf("validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_Processor_Grant(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	event := grantEvent("evt-1")
	store.EXPECT().
		ApplyDelta(gomock.Any(), ledger.DeltaRequest{
			DiscordID:     "100",
			Username:      "alice",
			Delta:         10,
			Reason:        models.ReasonGrant,
			SourceEventID: "evt-1",
		}).
		Return(&ledger.Receipt{
			Transaction: &models.Transaction{Delta: 10, CreatedAt: time.Now()},
			NewBalance:  10,
		}, nil)

	result := p.Process(context.Background(), event)
	if result.Status != StatusOK || result.ReasonCode != ReasonOK {
		t.Fatalf("Process() = %+v, want ok", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 10 {
		t.Errorf("Process() balance = %v, want 10", result.NewBalance)
	}
	if result.Delta != 10 {
		t.Errorf("Process() delta = %d, want 10", result.Delta)
	}
}

func Test_Processor_GrantCooldown(t *testing.T) {
	p, store := newTestProcessor(t, Config{GrantCooldown: time.Hour})

	store.EXPECT().
		LastTransactionAt(gomock.Any(), "100", models.ReasonGrant).
		Return(time.Now().Add(-time.Minute), true, nil)
	store.EXPECT().
		IsProcessed(gomock.Any(), "evt-2").
		Return(false, nil)

	result := p.Process(context.Background(), grantEvent("evt-2"))
	if result.Status != StatusRejected || result.ReasonCode != ReasonCooldown {
		t.Fatalf("Process() = %+v, want cooldown rejection", result)
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Hour {
		t.Errorf("Process() retry_after = %v, want within (0, 1h]", result.RetryAfter)
	}
}

func Test_Processor_GrantReplayDuringCooldown(t *testing.T) {
	p, store := newTestProcessor(t, Config{GrantCooldown: time.Hour})

	// The grant a minute ago is this very event's first delivery, so the
	// redelivery must be acknowledged, not bounced off the cooldown.
	store.EXPECT().
		LastTransactionAt(gomock.Any(), "100", models.ReasonGrant).
		Return(time.Now().Add(-time.Minute), true, nil)
	store.EXPECT().
		IsProcessed(gomock.Any(), "evt-1").
		Return(true, nil)
	store.EXPECT().
		GetBalance(gomock.Any(), "100").
		Return(int64(10), nil)

	result := p.Process(context.Background(), grantEvent("evt-1"))
	if result.Status != StatusOK || result.ReasonCode != ReasonDuplicateReplay {
		t.Fatalf("Process() = %+v, want duplicate-replay ack", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 10 {
		t.Errorf("Process() balance = %v, want 10", result.NewBalance)
	}
	if result.RetryAfter != 0 {
		t.Errorf("Process() retry_after = %v, want 0", result.RetryAfter)
	}
}

func Test_Processor_GrantDuplicateReplay(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(nil, ledger.ErrDuplicateEvent)
	store.EXPECT().
		GetBalance(gomock.Any(), "100").
		Return(int64(42), nil)

	result := p.Process(context.Background(), grantEvent("evt-1"))
	if result.Status != StatusOK || result.ReasonCode != ReasonDuplicateReplay {
		t.Fatalf("Process() = %+v, want duplicate-replay ack", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 42 {
		t.Errorf("Process() balance = %v, want 42", result.NewBalance)
	}
}

func Test_Processor_SpendInsufficient(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(nil, ledger.ErrInsufficientBalance)
	store.EXPECT().
		GetBalance(gomock.Any(), "100").
		Return(int64(3), nil)

	event := Event{ID: "evt-1", UserID: "100", Type: EventSpend, Amount: 5}
	result := p.Process(context.Background(), event)
	if result.Status != StatusRejected || result.ReasonCode != ReasonInsufficientBalance {
		t.Fatalf("Process() = %+v, want insufficient-balance rejection", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 3 {
		t.Errorf("Process() balance = %v, want 3", result.NewBalance)
	}
}

func Test_Processor_SpendNegatesAmount(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		ApplyDelta(gomock.Any(), ledger.DeltaRequest{
			DiscordID:     "100",
			Username:      "alice",
			Delta:         -25,
			Reason:        models.ReasonSpend,
			SourceEventID: "evt-1",
		}).
		Return(&ledger.Receipt{
			Transaction: &models.Transaction{Delta: -25},
			NewBalance:  75,
		}, nil)

	event := Event{ID: "evt-1", UserID: "100", Username: "alice", Type: EventSpend, Amount: 25}
	result := p.Process(context.Background(), event)
	if result.Status != StatusOK {
		t.Fatalf("Process() = %+v, want ok", result)
	}
	if result.Delta != -25 {
		t.Errorf("Process() delta = %d, want -25", result.Delta)
	}
}

func Test_Processor_Transfer(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		Transfer(gomock.Any(), "100", "200", int64(30), "evt-1").
		Return(&ledger.TransferReceipt{
			Out:         &models.Transaction{Delta: -30},
			In:          &models.Transaction{Delta: 30},
			FromBalance: 70,
			ToBalance:   30,
		}, nil)

	event := Event{ID: "evt-1", UserID: "100", Type: EventTransfer, Amount: 30, TargetUserID: "200"}
	result := p.Process(context.Background(), event)
	if result.Status != StatusOK {
		t.Fatalf("Process() = %+v, want ok", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 70 {
		t.Errorf("Process() balance = %v, want sender balance 70", result.NewBalance)
	}
}

func Test_Processor_TransferToSelf(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		Transfer(gomock.Any(), "100", "100", int64(30), "evt-1").
		Return(nil, ledger.ErrSelfTransfer)

	event := Event{ID: "evt-1", UserID: "100", Type: EventTransfer, Amount: 30, TargetUserID: "100"}
	result := p.Process(context.Background(), event)
	if result.Status != StatusRejected || result.ReasonCode != ReasonSelfTransfer {
		t.Fatalf("Process() = %+v, want self-transfer rejection", result)
	}
}

func Test_Processor_AdjustAuthorization(t *testing.T) {
	admin := snowflake.ID(12345)
	event := Event{ID: "evt-1", UserID: "12345", Type: EventAdjust, Amount: -50, TargetUserID: "200"}

	t.Run("unauthorized", func(t *testing.T) {
		p, _ := newTestProcessor(t, Config{})
		result := p.Process(context.Background(), event)
		if result.Status != StatusRejected || result.ReasonCode != ReasonUnauthorized {
			t.Fatalf("Process() = %+v, want unauthorized rejection", result)
		}
	})

	t.Run("authorized", func(t *testing.T) {
		p, store := newTestProcessor(t, Config{AdminIDs: []snowflake.ID{admin}})
		store.EXPECT().
			ApplyDelta(gomock.Any(), ledger.DeltaRequest{
				DiscordID:     "200",
				Delta:         -50,
				Reason:        models.ReasonAdjustment,
				SourceEventID: "evt-1",
			}).
			Return(&ledger.Receipt{
				Transaction: &models.Transaction{Delta: -50},
				NewBalance:  0,
			}, nil)

		result := p.Process(context.Background(), event)
		if result.Status != StatusOK {
			t.Fatalf("Process() = %+v, want ok", result)
		}
	})
}

func Test_Processor_RetriesTransientFailures(t *testing.T) {
	p, store := newTestProcessor(t, Config{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})

	transient := errors.Join(ledger.ErrStorageUnavailable, errors.New("connection reset"))
	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(nil, transient).
		Times(2)
	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(&ledger.Receipt{
			Transaction: &models.Transaction{Delta: 10},
			NewBalance:  10,
		}, nil)

	result := p.Process(context.Background(), grantEvent("evt-1"))
	if result.Status != StatusOK {
		t.Fatalf("Process() = %+v, want ok after retries", result)
	}
}

func Test_Processor_ExhaustedRetries(t *testing.T) {
	p, store := newTestProcessor(t, Config{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})

	transient := errors.Join(ledger.ErrStorageUnavailable, errors.New("connection reset"))
	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(nil, transient).
		Times(2)

	result := p.Process(context.Background(), grantEvent("evt-1"))
	if result.Status != StatusRejected || result.ReasonCode != ReasonStorageUnavailable {
		t.Fatalf("Process() = %+v, want storage-unavailable rejection", result)
	}
}

func Test_Processor_NonTransientFailureNoRetry(t *testing.T) {
	p, store := newTestProcessor(t, Config{RetryAttempts: 3})

	store.EXPECT().
		ApplyDelta(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("corrupt row")).
		Times(1)

	result := p.Process(context.Background(), grantEvent("evt-1"))
	if result.Status != StatusRejected || result.ReasonCode != ReasonInternalError {
		t.Fatalf("Process() = %+v, want internal-error rejection", result)
	}
}

func Test_Processor_BalanceQuery(t *testing.T) {
	p, store := newTestProcessor(t, Config{})

	store.EXPECT().
		EnsureUser(gomock.Any(), "100", "alice").
		Return(&models.User{DiscordID: "100", Username: "alice", Balance: 55}, nil)

	event := Event{ID: "evt-1", UserID: "100", Username: "alice", Type: EventBalance}
	result := p.Process(context.Background(), event)
	if result.Status != StatusOK {
		t.Fatalf("Process() = %+v, want ok", result)
	}
	if result.NewBalance == nil || *result.NewBalance != 55 {
		t.Errorf("Process() balance = %v, want 55", result.NewBalance)
	}
}

func Test_Processor_Leaderboard(t *testing.T) {
	entries := []ledger.Entry{
		{DiscordID: "100", Username: "alice", Balance: 90},
		{DiscordID: "200", Username: "bob", Balance: 40},
	}
	store := mock.NewMockLedger(gomock.NewController(t))
	p := New(store, fakeRanker{entries: entries}, Config{LeaderboardSize: 10})

	store.EXPECT().CountUsers(gomock.Any()).Return(7, nil)

	event := Event{ID: "evt-1", UserID: "100", Type: EventLeaderboard, Limit: 5}
	result := p.Process(context.Background(), event)
	if result.Status != StatusOK {
		t.Fatalf("Process() = %+v, want ok", result)
	}

	payload, ok := result.Payload.(LeaderboardPayload)
	if !ok {
		t.Fatalf("Process() payload = %T, want LeaderboardPayload", result.Payload)
	}
	if len(payload.Entries) != 2 || payload.TotalUsers != 7 {
		t.Errorf("Process() payload = %+v, want 2 entries and 7 total users", payload)
	}
}

func Test_Processor_HistoryPagination(t *testing.T) {
	p, store := newTestProcessor(t, Config{HistoryPageSize: 2})

	fullPage := []*models.Transaction{
		{ID: 9, DiscordID: "100", Delta: 10, Reason: models.ReasonGrant},
		{ID: 7, DiscordID: "100", Delta: -5, Reason: models.ReasonSpend},
	}
	store.EXPECT().
		GetHistory(gomock.Any(), "100", 2, int64(0)).
		Return(fullPage, nil)

	event := Event{ID: "evt-1", UserID: "100", Type: EventHistory}
	result := p.Process(context.Background(), event)

	payload, ok := result.Payload.(HistoryPayload)
	if !ok {
		t.Fatalf("Process() payload = %T, want HistoryPayload", result.Payload)
	}
	if payload.NextCursor != 7 {
		t.Errorf("Process() next_cursor = %d, want 7", payload.NextCursor)
	}

	// A short page is the last one.
	store.EXPECT().
		GetHistory(gomock.Any(), "100", 2, int64(7)).
		Return(fullPage[:1], nil)

	event.Cursor = 7
	result = p.Process(context.Background(), event)
	payload = result.Payload.(HistoryPayload)
	if payload.NextCursor != 0 {
		t.Errorf("Process() next_cursor = %d, want 0 on last page", payload.NextCursor)
	}
}
