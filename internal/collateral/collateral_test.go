package collateral

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/audit"
	"github.com/creditcore/corebank/internal/eventsourcing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(`CREATE TABLE collateral_events (id TEXT, seq INTEGER, event_type TEXT, event_json TEXT, recorded_at DATETIME, PRIMARY KEY (id, seq))`).Error; err != nil {
		t.Fatalf("create events table: %v", err)
	}
	if err := db.Exec(`CREATE TABLE collateral_rollups (id TEXT PRIMARY KEY, facility_id TEXT, collateral_account_id TEXT, amount_sats INTEGER, has_active_liquidation BOOLEAN)`).Error; err != nil {
		t.Fatalf("create rollup table: %v", err)
	}
	if err := db.AutoMigrate(&audit.Entry{}); err != nil {
		t.Fatalf("automigrate audit: %v", err)
	}

	registry := audit.NewRegistry()
	registry.RegisterPermissionSet(audit.PermissionSet{Name: "collateral_writer", Grants: map[string]bool{"collateral.update_manual": true}})
	registry.RegisterRole(audit.Role{Name: "ops", PermissionSets: []string{"collateral_writer"}})
	enforcer := audit.NewEnforcer(db, registry)
	repo := &eventsourcing.Repository[Event, Entity]{
		DB: db, EventsTable: "collateral_events", RollupTable: "collateral_rollups", Codec: Codec,
	}
	return &Service{Repo: repo, Enforcer: enforcer}
}

func seedCollateral(t *testing.T, s *Service, custodyWalletRef string) uuid.UUID {
	t.Helper()
	id, _, err := s.Repo.CreateInOp(s.Repo.DB, []Event{{
		Type: "Initialized",
		Initialized: &CollateralInitializedPayload{
			FacilityID: uuid.New(), CollateralAccountID: "collateral-acct-1", CustodyWalletRef: custodyWalletRef,
		},
		RecordedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("seed collateral: %v", err)
	}
	return id
}

func TestRecordManualUpdateRejectsCustodyBoundCollateral(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "wallet-ref-1")

	_, err := s.RecordManualUpdate(ctx, audit.Subject{ID: "ops-1", Roles: []string{"ops"}}, id, 1000, "omnibus-1")
	if err == nil {
		t.Fatal("expected manual update on a custody-wallet-bound collateral to be rejected")
	}
}

func TestRecordManualUpdateZeroDeltaSkipsPosting(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")

	entity, err := s.RecordManualUpdate(ctx, audit.Subject{ID: "ops-1", Roles: []string{"ops"}}, id, 0, "omnibus-1")
	if err != nil {
		t.Fatalf("RecordManualUpdate: %v", err)
	}
	if entity.AmountSats != 0 {
		t.Fatalf("AmountSats = %d, want 0", entity.AmountSats)
	}
}

func TestStartLiquidationComputesEstimatedSatsAndRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")
	accounts := ProceedsAccountIDs{
		OmnibusAccountID: "omnibus-1", ProceedsAccountID: "proceeds-1",
		InLiquidationAccountID: "in-liq-1", LiquidatedAccountID: "liquidated-1",
	}

	liquidationID, entity, err := s.StartLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, 10000, 50000.0, accounts)
	if err != nil {
		t.Fatalf("StartLiquidation: %v", err)
	}
	if liquidationID == uuid.Nil {
		t.Fatal("expected a non-nil liquidation id")
	}
	l, ok := entity.Liquidations[liquidationID]
	if !ok {
		t.Fatalf("liquidation %s not present in entity %+v", liquidationID, entity)
	}
	// outstanding $100.00 at $50000/BTC => 0.002 BTC => 200000 sats exactly.
	if l.InitiallyEstimatedSats != 200000 {
		t.Fatalf("InitiallyEstimatedSats = %d, want 200000", l.InitiallyEstimatedSats)
	}
	if !entity.HasActiveLiquidation() {
		t.Fatal("expected an active liquidation after StartLiquidation")
	}

	if _, _, err := s.StartLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, 10000, 50000.0, accounts); err == nil {
		t.Fatal("expected a second concurrent liquidation to be rejected")
	}
}

func TestStartLiquidationRejectsNonPositivePrice(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")
	if _, _, err := s.StartLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, 10000, 0, ProceedsAccountIDs{}); err == nil {
		t.Fatal("expected a non-positive price to be rejected")
	}
}

func TestRecordCollateralSentOutRejectsInactiveLiquidation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")
	if _, err := s.RecordCollateralSentOut(ctx, audit.Subject{ID: "ops-1"}, id, uuid.New(), 100); err == nil {
		t.Fatal("expected sending against an unknown liquidation to be rejected")
	}
}

func TestRecordCollateralSentOutRejectsExceedingEstimate(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")
	accounts := ProceedsAccountIDs{InLiquidationAccountID: "in-liq-1"}
	liquidationID, _, err := s.StartLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, 10000, 50000.0, accounts)
	if err != nil {
		t.Fatalf("StartLiquidation: %v", err)
	}

	if _, err := s.RecordCollateralSentOut(ctx, audit.Subject{ID: "ops-1"}, id, liquidationID, 10_000_000); err == nil {
		t.Fatal("expected sending more sats than the initial estimate to be rejected")
	}
}

func TestRecordCollateralSentOutZeroIsANoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")

	entity, err := s.RecordCollateralSentOut(ctx, audit.Subject{ID: "ops-1"}, id, uuid.New(), 0)
	if err != nil {
		t.Fatalf("zero-amount send should be a no-op, got error: %v", err)
	}
	if entity.CollateralAccountID != "collateral-acct-1" {
		t.Fatalf("expected the current entity to be returned unchanged, got %+v", entity)
	}
}

func TestRecordProceedsRejectsBeforeAnyCollateralSentOut(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := seedCollateral(t, s, "")
	accounts := ProceedsAccountIDs{InLiquidationAccountID: "in-liq-1"}
	liquidationID, _, err := s.StartLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, 10000, 50000.0, accounts)
	if err != nil {
		t.Fatalf("StartLiquidation: %v", err)
	}

	if _, err := s.RecordProceedsFromLiquidation(ctx, audit.Subject{ID: "ops-1"}, id, liquidationID, 5000); err == nil {
		t.Fatal("expected receiving proceeds before any sent-out collateral to be rejected")
	}
}

func TestFoldTracksActiveAndCompletedLiquidations(t *testing.T) {
	liquidationID := uuid.New()
	events := []Event{
		{Type: "Initialized", Initialized: &CollateralInitializedPayload{CollateralAccountID: "acct-1"}},
		{Type: "LiquidationStarted", LiquidationStarted: &LiquidationStartedPayload{
			LiquidationID: liquidationID, InitiallyEstimatedSats: 1000,
		}},
		{Type: "CollateralSentOut", CollateralSentOut: &CollateralSentOutPayload{LiquidationID: liquidationID, Sats: 400}},
	}
	entity := Fold(uuid.New(), events)
	if !entity.HasActiveLiquidation() {
		t.Fatal("expected an active liquidation after LiquidationStarted")
	}
	if entity.AmountSats != -400 {
		t.Fatalf("AmountSats = %d, want -400 after a 400-sat send-out", entity.AmountSats)
	}

	events = append(events, Event{Type: "LiquidationCompleted", LiquidationCompleted: &LiquidationCompletedPayload{LiquidationID: liquidationID}})
	entity = Fold(uuid.New(), events)
	if entity.HasActiveLiquidation() {
		t.Fatal("expected no active liquidation after LiquidationCompleted")
	}
}
