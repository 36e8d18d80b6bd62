package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

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
	if err := db.AutoMigrate(&Execution{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestDefaultBackoffDoublesAndCaps(t *testing.T) {
	if got := DefaultBackoff(0); got != time.Second {
		t.Fatalf("DefaultBackoff(0) = %v, want 1s", got)
	}
	if got := DefaultBackoff(1); got != 2*time.Second {
		t.Fatalf("DefaultBackoff(1) = %v, want 2s", got)
	}
	if got := DefaultBackoff(20); got != 5*time.Minute {
		t.Fatalf("DefaultBackoff(20) = %v, want the 5m cap", got)
	}
}

func TestCompletionConstructors(t *testing.T) {
	if c := CompleteJob(); c.Kind != Complete {
		t.Fatalf("CompleteJob().Kind = %v", c.Kind)
	}
	if c := RescheduleJobNow(); c.Kind != RescheduleNow {
		t.Fatalf("RescheduleJobNow().Kind = %v", c.Kind)
	}
	if c := RescheduleJobIn(5 * time.Minute); c.Kind != RescheduleIn || c.After != 5*time.Minute {
		t.Fatalf("RescheduleJobIn() = %+v", c)
	}
	at := time.Now().UTC()
	if c := RescheduleJobAt(at); c.Kind != RescheduleAt || !c.At.Equal(at) {
		t.Fatalf("RescheduleJobAt() = %+v", c)
	}
}

func TestEnqueueInsertsPendingExecution(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db, "owner-1")

	runAt := time.Now().UTC()
	if err := s.Enqueue(nil, uuid.NewString(), "accrual_tick", "", []byte(`{}`), runAt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var count int64
	if err := db.Model(&Execution{}).Where("job_type = ? AND state = ?", "accrual_tick", StatePending).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestRunKeepAliveReclaimsStaleRunningJobs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewScheduler(db, "owner-1", WithKeepAliveInterval(10*time.Second))

	stale := Execution{
		ID: uuid.NewString(), JobType: "accrual_tick", State: StateRunning,
		OwnerID: "dead-owner", RescheduleAfter: time.Now().UTC().Add(-time.Hour), CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale execution: %v", err)
	}

	fresh := Execution{
		ID: uuid.NewString(), JobType: "accrual_tick", State: StateRunning,
		OwnerID: "owner-1", RescheduleAfter: time.Now().UTC().Add(time.Hour), CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh execution: %v", err)
	}

	if err := s.RunKeepAlive(ctx); err != nil {
		t.Fatalf("RunKeepAlive: %v", err)
	}

	var reclaimed Execution
	if err := db.First(&reclaimed, "id = ?", stale.ID).Error; err != nil {
		t.Fatalf("load reclaimed: %v", err)
	}
	if reclaimed.State != StatePending || reclaimed.AttemptIndex != 1 || reclaimed.OwnerID != "" {
		t.Fatalf("reclaimed execution = %+v, want pending/attempt 1/no owner", reclaimed)
	}

	var extended Execution
	if err := db.First(&extended, "id = ?", fresh.ID).Error; err != nil {
		t.Fatalf("load extended: %v", err)
	}
	if extended.State != StateRunning || extended.OwnerID != "owner-1" {
		t.Fatalf("this owner's own running job should be extended in place, got %+v", extended)
	}
}
