package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Event{}, &Cursor{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestPublishAndPollDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pub := NewPublisher(db)

	for i := 0; i < 3; i++ {
		if err := pub.PublishInOp(db, "facility.activated", map[string]int{"seq": i}); err != nil {
			t.Fatalf("PublishInOp %d: %v", i, err)
		}
	}

	var delivered []int
	sub := NewSubscriber(db, "webhook_relay", "test-subscriber", func(ctx context.Context, ev Event) error {
		var payload map[string]int
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		delivered = append(delivered, payload["seq"])
		return nil
	})

	n, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}
	if len(delivered) != 3 || delivered[0] != 0 || delivered[2] != 2 {
		t.Fatalf("delivered out of order: %v", delivered)
	}

	// A second poll with nothing new must be a no-op.
	n, err = sub.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("second Poll delivered %d, want 0", n)
	}
}

func TestPollStopsAtFirstFailureAndRetriesFromThere(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pub := NewPublisher(db)
	for i := 0; i < 2; i++ {
		if err := pub.PublishInOp(db, "facility.activated", map[string]int{"seq": i}); err != nil {
			t.Fatalf("PublishInOp %d: %v", i, err)
		}
	}

	attempt := 0
	sub := NewSubscriber(db, "webhook_relay", "flaky", func(ctx context.Context, ev Event) error {
		attempt++
		if attempt == 1 {
			return fmt.Errorf("downstream unavailable")
		}
		return nil
	})

	if _, err := sub.Poll(ctx); err == nil {
		t.Fatal("expected the first poll to fail on the first event")
	}

	n, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("retry Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("retry delivered %d, want 2 (both events redelivered from the unchanged cursor)", n)
	}
}

func TestWithRateLimitConfiguresAndClearsLimiter(t *testing.T) {
	db := newTestDB(t)
	sub := NewSubscriber(db, "webhook_relay", "throttled", func(ctx context.Context, ev Event) error { return nil })
	if sub.limiter != nil {
		t.Fatal("NewSubscriber must start unthrottled")
	}
	sub = sub.WithRateLimit(120)
	if sub.limiter == nil {
		t.Fatal("expected WithRateLimit to configure a limiter")
	}
	sub = sub.WithRateLimit(0)
	if sub.limiter != nil {
		t.Fatal("a non-positive rate must clear the limiter")
	}
}
