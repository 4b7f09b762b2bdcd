package processor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger/mock"
)

func Test_cooldownTracker_ZeroPeriod(t *testing.T) {
	// No expectations: a disabled cooldown must not touch the store.
	store := mock.NewMockLedger(gomock.NewController(t))
	c := newCooldownTracker(store)

	remaining, err := c.Remaining(context.Background(), "100", models.ReasonGrant, 0)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Remaining() = %v, want 0", remaining)
	}
}

func Test_cooldownTracker_ReadsStoreOnceThenCaches(t *testing.T) {
	store := mock.NewMockLedger(gomock.NewController(t))
	c := newCooldownTracker(store)

	last := time.Now().Add(-10 * time.Minute)
	store.EXPECT().
		LastTransactionAt(gomock.Any(), "100", models.ReasonGrant).
		Return(last, true, nil).
		Times(1)

	for i := 0; i < 3; i++ {
		remaining, err := c.Remaining(context.Background(), "100", models.ReasonGrant, time.Hour)
		if err != nil {
			t.Fatalf("Remaining() error = %v", err)
		}
		if remaining <= 0 || remaining > 50*time.Minute {
			t.Errorf("Remaining() = %v, want roughly 50m", remaining)
		}
	}
}

func Test_cooldownTracker_NoHistoryMeansNoCooldown(t *testing.T) {
	store := mock.NewMockLedger(gomock.NewController(t))
	c := newCooldownTracker(store)

	store.EXPECT().
		LastTransactionAt(gomock.Any(), "100", models.ReasonGrant).
		Return(time.Time{}, false, nil)

	remaining, err := c.Remaining(context.Background(), "100", models.ReasonGrant, time.Hour)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Remaining() = %v, want 0", remaining)
	}
}

func Test_cooldownTracker_RecordSkipsStoreRead(t *testing.T) {
	// No expectations: Record must make the next Remaining a cache hit.
	store := mock.NewMockLedger(gomock.NewController(t))
	c := newCooldownTracker(store)

	c.Record("100", models.ReasonGrant, time.Now())

	remaining, err := c.Remaining(context.Background(), "100", models.ReasonGrant, time.Hour)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining <= 0 {
		t.Errorf("Remaining() = %v, want positive after fresh record", remaining)
	}
}

func Test_cooldownTracker_ExpiredEntry(t *testing.T) {
	store := mock.NewMockLedger(gomock.NewController(t))
	c := newCooldownTracker(store)

	c.Record("100", models.ReasonGrant, time.Now().Add(-2*time.Hour))

	remaining, err := c.Remaining(context.Background(), "100", models.ReasonGrant, time.Hour)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Remaining() = %v, want 0 once the period has passed", remaining)
	}
}
