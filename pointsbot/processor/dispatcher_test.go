package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger/mock"
)

func Test_Dispatcher_SameUserSameLane(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	d := NewDispatcher(p, 8)

	for _, userID := range []string{"100", "200", "98765432109876"} {
		event := Event{UserID: userID}
		lane := d.laneFor(event)
		for i := 0; i < 10; i++ {
			if d.laneFor(event) != lane {
				t.Fatalf("laneFor(%q) not stable across calls", userID)
			}
		}
	}
}

func Test_Dispatcher_SubmitProcesses(t *testing.T) {
	p, store := newTestProcessor(t, Config{})
	d := NewDispatcher(p, 4)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	const users = 20
	store.EXPECT().
		EnsureUser(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, discordID, username string) (*models.User, error) {
			return &models.User{DiscordID: discordID, Username: username, Balance: 1}, nil
		}).
		Times(users)

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := Event{
				ID:     fmt.Sprintf("evt-%d", i),
				UserID: fmt.Sprintf("%d", i),
				Type:   EventBalance,
			}
			result, err := d.Submit(context.Background(), event)
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			if result.Status != StatusOK {
				t.Errorf("Submit() result = %+v, want ok", result)
			}
		}(i)
	}
	wg.Wait()
}

func Test_Dispatcher_SubmitHonorsContext(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	d := NewDispatcher(p, 1)
	// No Run loop: the lane never drains, so Submit must give up with the
	// caller's context.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, Event{ID: "evt-1", UserID: "100", Type: EventBalance})
	if err == nil {
		t.Fatal("Submit() error = nil, want context error")
	}
}

func Test_Dispatcher_RunReturnsAfterCancel(t *testing.T) {
	p, _ := newTestProcessor(t, Config{})
	d := NewDispatcher(p, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()

	// Shutdown joins on Run; a lane that never exits would hang the
	// process, so returning promptly is part of the contract.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func Test_Dispatcher_DrainRejectsQueued(t *testing.T) {
	store := mock.NewMockLedger(gomock.NewController(t))
	p := New(store, fakeRanker{}, Config{})
	d := NewDispatcher(p, 1)

	results := make(chan Result, 1)
	d.lanes[0] <- job{ctx: context.Background(), event: Event{ID: "evt-1", UserID: "100"}, results: results}
	d.drain(d.lanes[0])

	select {
	case result := <-results:
		if result.Status != StatusRejected || result.ReasonCode != ReasonStorageUnavailable {
			t.Errorf("drain() result = %+v, want storage-unavailable rejection", result)
		}
	default:
		t.Fatal("drain() left the queued job unanswered")
	}
}
