package domainconfig

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
	if err := db.AutoMigrate(&Record{}, &CurrentPointer{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestStoreUpdateAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))

	cfg := DepositIntegrationConfig{OmnibusParentCode: "10.20"}
	version, err := store.Update(ctx, "deposit_integration", cfg, "operator-1", "initial setup", "corr-1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	var out DepositIntegrationConfig
	if err := store.Get(ctx, "deposit_integration", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != cfg {
		t.Fatalf("Get returned %+v, want %+v", out, cfg)
	}
}

func TestStoreUpdateIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))

	if _, err := store.Update(ctx, "deposit_integration", DepositIntegrationConfig{OmnibusParentCode: "10.20"}, "op", "r1", "c1"); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	version, err := store.Update(ctx, "deposit_integration", DepositIntegrationConfig{OmnibusParentCode: "10.21"}, "op", "r2", "c2")
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}

	var out DepositIntegrationConfig
	if err := store.Get(ctx, "deposit_integration", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.OmnibusParentCode != "10.21" {
		t.Fatalf("Get returned stale value %+v", out)
	}
}

func TestStoreGetReadsThroughColdCache(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	writer := NewStore(db)
	if _, err := writer.Update(ctx, "credit_integration", CreditIntegrationConfig{FacilityOmnibusParentCode: "10.30"}, "op", "r", "c"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reader := NewStore(db) // fresh Store, cold cache, same DB
	var out CreditIntegrationConfig
	if err := reader.Get(ctx, "credit_integration", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.FacilityOmnibusParentCode != "10.30" {
		t.Fatalf("Get = %+v", out)
	}
}

func TestStoreUpdateRejectsInvalidValue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	store.RegisterValidator("credit_integration", func(value json.RawMessage) error {
		return fmt.Errorf("always invalid")
	})

	if _, err := store.Update(ctx, "credit_integration", CreditIntegrationConfig{}, "op", "r", "c"); err == nil {
		t.Fatal("expected the validator to reject the update")
	}
}

func TestStoreInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	if _, err := store.Update(ctx, "deposit_integration", DepositIntegrationConfig{OmnibusParentCode: "10.20"}, "op", "r", "c"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	store.Invalidate("deposit_integration")

	var out DepositIntegrationConfig
	if err := store.Get(ctx, "deposit_integration", &out); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if out.OmnibusParentCode != "10.20" {
		t.Fatalf("Get after invalidate = %+v", out)
	}
}
