package customer

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/eventsourcing"
	"github.com/creditcore/corebank/internal/inbox"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(`CREATE TABLE customer_events (id TEXT, seq INTEGER, event_type TEXT, event_json TEXT, recorded_at DATETIME, PRIMARY KEY (id, seq))`).Error; err != nil {
		t.Fatalf("create events table: %v", err)
	}
	if err := db.Exec(`CREATE TABLE customer_rollups (id TEXT PRIMARY KEY, email TEXT, status TEXT, kyc_level TEXT)`).Error; err != nil {
		t.Fatalf("create rollup table: %v", err)
	}
	if err := db.AutoMigrate(&inbox.Entry{}); err != nil {
		t.Fatalf("automigrate inbox: %v", err)
	}
	return db
}

func newTestProcessor(t *testing.T) (*Processor, *eventsourcing.Repository[Event, Entity]) {
	t.Helper()
	db := newTestDB(t)
	repo := &eventsourcing.Repository[Event, Entity]{
		DB: db, EventsTable: "customer_events", RollupTable: "customer_rollups", Codec: Codec,
	}
	return NewProcessor(db, repo), repo
}

func TestNewProcessorWiresAnInboxProcessor(t *testing.T) {
	p, _ := newTestProcessor(t)
	if p.Inbox == nil {
		t.Fatal("expected an inbox.Processor to be wired")
	}
}

func TestHandleAppliesApplicantApprovedAsKycLevelUpgrade(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestProcessor(t)

	customerID, _, err := repo.CreateInOp(repo.DB, []Event{{
		Type: "Initialized", Initialized: &InitializedPayload{Email: "a@example.com"},
	}})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	payload := fmt.Sprintf(`{"type":"ApplicantApproved","customer_id":%q,"applicant_ref":"app-1","level":"advanced"}`, customerID.String())
	outcome, err := p.Handle(ctx, "key-1", []byte(payload))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != inbox.Processed {
		t.Fatalf("outcome = %v, want Processed", outcome)
	}

	entity, _, err := repo.FindByIDInOp(repo.DB, customerID)
	if err != nil {
		t.Fatalf("FindByIDInOp: %v", err)
	}
	if entity.KycLevel != KycAdvanced {
		t.Fatalf("KycLevel = %v, want advanced", entity.KycLevel)
	}
}

func TestHandleIgnoresUnrecognizedLevel(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestProcessor(t)
	customerID, _, err := repo.CreateInOp(repo.DB, []Event{{
		Type: "Initialized", Initialized: &InitializedPayload{Email: "a@example.com"},
	}})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	payload := fmt.Sprintf(`{"type":"ApplicantApproved","customer_id":%q,"applicant_ref":"app-1","level":"platinum"}`, customerID.String())
	if _, err := p.Handle(ctx, "key-2", []byte(payload)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	entity, _, err := repo.FindByIDInOp(repo.DB, customerID)
	if err != nil {
		t.Fatalf("FindByIDInOp: %v", err)
	}
	if entity.KycLevel != KycNotKyced {
		t.Fatalf("KycLevel = %v, want unchanged not_kyced for an unrecognized level", entity.KycLevel)
	}
}

func TestHandleIgnoresUnknownPayloadType(t *testing.T) {
	ctx := context.Background()
	p, repo := newTestProcessor(t)
	customerID, _, err := repo.CreateInOp(repo.DB, []Event{{
		Type: "Initialized", Initialized: &InitializedPayload{Email: "a@example.com"},
	}})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	payload := fmt.Sprintf(`{"type":"SomethingElse","customer_id":%q}`, customerID.String())
	if _, err := p.Handle(ctx, "key-3", []byte(payload)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestFoldTracksKycLevelAndAccountLinks(t *testing.T) {
	events := []Event{
		{Type: "Initialized", Initialized: &InitializedPayload{Email: "b@example.com"}},
		{Type: "ApplicantApproved", ApplicantApproved: &ApplicantApprovedPayload{Level: KycBasic}},
		{Type: "AccountLinked", AccountLinked: &AccountLinkedPayload{AccountID: "acct-1"}},
	}
	entity := Fold(NewID(), events)
	if entity.KycLevel != KycBasic {
		t.Fatalf("KycLevel = %v, want basic", entity.KycLevel)
	}
	if len(entity.AccountIDs) != 1 || entity.AccountIDs[0] != "acct-1" {
		t.Fatalf("AccountIDs = %v", entity.AccountIDs)
	}
}
