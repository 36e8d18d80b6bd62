package timeevents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/outbox"
)

func TestNextClosingTodayWhenStillUpcoming(t *testing.T) {
	b, err := NewBroadcaster(nil, nil, "17:00", "UTC")
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	next, err := b.nextClosing(now)
	if err != nil {
		t.Fatalf("nextClosing: %v", err)
	}
	want := time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextClosingRollsToTomorrowWhenPassed(t *testing.T) {
	b, err := NewBroadcaster(nil, nil, "17:00", "UTC")
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	now := time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)
	next, err := b.nextClosing(now)
	if err != nil {
		t.Fatalf("nextClosing: %v", err)
	}
	want := time.Date(2026, 3, 6, 17, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextClosingRejectsMalformedTime(t *testing.T) {
	b, err := NewBroadcaster(nil, nil, "not-a-time", "UTC")
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	if _, err := b.nextClosing(time.Now()); err == nil {
		t.Fatal("expected a malformed closing time to be rejected")
	}
}

func TestNewBroadcasterRejectsUnknownTimezone(t *testing.T) {
	if _, err := NewBroadcaster(nil, nil, "17:00", "Not/ARealZone"); err == nil {
		t.Fatal("expected an unknown IANA timezone to be rejected")
	}
}

func TestPublishWritesADailyClosingOutboxEvent(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&outbox.Event{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	b, err := NewBroadcaster(db, outbox.NewPublisher(db), "17:00", "UTC")
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}

	closingInstant := time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC)
	if err := b.publish(context.Background(), closingInstant); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var ev outbox.Event
	if err := db.Where("event_type = ?", outboxEventType).First(&ev).Error; err != nil {
		t.Fatalf("load published event: %v", err)
	}
	if string(ev.Payload) != `{"date":"2026-03-05"}` {
		t.Fatalf("payload = %s", ev.Payload)
	}
}
