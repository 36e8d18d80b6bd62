// Package customer implements the Customer & KYC supplement described in
// SPEC_FULL.md, grounded in original_source/core/customer/src/lib.rs and
// core/applicant/src/lib.rs: a Customer aggregate tracking KYC level, fed
// by an inbox-driven webhook processor for the KYC vendor's applicant
// lifecycle events.
package customer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/corerr"
	"github.com/creditcore/corebank/internal/eventsourcing"
	"github.com/creditcore/corebank/internal/inbox"
)

// KycLevel mirrors the original's NotKyced/Basic/Advanced enum.
type KycLevel string

const (
	KycNotKyced KycLevel = "not_kyced"
	KycBasic    KycLevel = "basic"
	KycAdvanced KycLevel = "advanced"
)

// Status is a Customer's account-standing state.
type Status string

const (
	StatusActive  Status = "active"
	StatusOnHold  Status = "on_hold"
)

// Event is the tagged union for the Customer aggregate.
type Event struct {
	Type string `json:"type"`

	Initialized       *InitializedPayload `json:"initialized,omitempty"`
	ApplicantCreated  *ApplicantCreatedPayload `json:"applicant_created,omitempty"`
	ApplicantApproved *ApplicantApprovedPayload `json:"applicant_approved,omitempty"`
	ApplicantDeclined *ApplicantDeclinedPayload `json:"applicant_declined,omitempty"`
	AccountLinked     *AccountLinkedPayload `json:"account_linked,omitempty"`

	RecordedBy eventsourcing.AuditInfo `json:"recorded_by"`
	RecordedAt time.Time               `json:"recorded_at"`
}

type InitializedPayload struct {
	Email      string `json:"email"`
	TelegramID string `json:"telegram_id,omitempty"`
}

type ApplicantCreatedPayload struct {
	ApplicantRef string `json:"applicant_ref"`
}

type ApplicantApprovedPayload struct {
	ApplicantRef string   `json:"applicant_ref"`
	Level        KycLevel `json:"level"`
}

type ApplicantDeclinedPayload struct {
	ApplicantRef string `json:"applicant_ref"`
	Reason       string `json:"reason"`
}

type AccountLinkedPayload struct {
	AccountID string `json:"account_id"`
}

// Entity is the folded rollup view of a customer.
type Entity struct {
	ID         uuid.UUID
	Email      string
	TelegramID string
	Status     Status
	KycLevel   KycLevel
	AccountIDs []string
}

func Fold(id uuid.UUID, events []Event) Entity {
	e := Entity{ID: id, Status: StatusActive, KycLevel: KycNotKyced}
	for _, ev := range events {
		switch {
		case ev.Initialized != nil:
			e.Email = ev.Initialized.Email
			e.TelegramID = ev.Initialized.TelegramID
		case ev.ApplicantApproved != nil:
			e.KycLevel = ev.ApplicantApproved.Level
		case ev.ApplicantDeclined != nil:
			// A decline does not downgrade an existing approved level; it
			// only means this particular applicant submission was rejected.
		case ev.AccountLinked != nil:
			e.AccountIDs = append(e.AccountIDs, ev.AccountLinked.AccountID)
		}
	}
	return e
}

func RollupColumns(e Entity) map[string]any {
	return map[string]any{
		"email":      e.Email,
		"status":     string(e.Status),
		"kyc_level":  string(e.KycLevel),
	}
}

func EventType(ev Event) string { return ev.Type }
func NewID() uuid.UUID          { return uuid.New() }

var Codec = eventsourcing.Codec[Event, Entity]{
	EventType:     EventType,
	NewID:         NewID,
	Fold:          Fold,
	RollupColumns: RollupColumns,
}

// VendorPayload is the inbound KYC vendor webhook shape: a discriminated
// "type" field selects which Customer event it derives. Unknown types and
// unimplemented levels are no-ops, preserving §6's non-goal of a full KYC
// vendor protocol.
type VendorPayload struct {
	Type         string `json:"type"`
	CustomerID   uuid.UUID `json:"customer_id"`
	ApplicantRef string `json:"applicant_ref"`
	Level        string `json:"level,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Processor handles inbound KYC webhook deliveries through the inbox
// pattern (§4.B), deriving Customer events from recognized payload types.
type Processor struct {
	Repo  *eventsourcing.Repository[Event, Entity]
	Inbox *inbox.Processor
}

// kycVendorRateLimitPerMinute caps inbound KYC webhook processing, guarding
// against a misbehaving or retry-storming vendor saturating the aggregate
// write path.
const kycVendorRateLimitPerMinute = 600

// NewProcessor constructs a Processor bound to repo, using source
// "kyc_vendor" for inbox idempotency tracking.
func NewProcessor(db *gorm.DB, repo *eventsourcing.Repository[Event, Entity]) *Processor {
	return &Processor{Repo: repo, Inbox: inbox.NewProcessor(db, "kyc_vendor").WithRateLimit(kycVendorRateLimitPerMinute)}
}

func normalizeLevel(raw string) (KycLevel, bool) {
	switch raw {
	case string(KycBasic):
		return KycBasic, true
	case string(KycAdvanced):
		return KycAdvanced, true
	default:
		return "", false
	}
}

// Handle processes one inbound KYC vendor webhook delivery, deriving the
// matching Customer event (if any) through the inbox idempotency pattern.
// A caller-supplied idempotencyKey ties retried deliveries to the same
// vendor event.
func (p *Processor) Handle(ctx context.Context, idempotencyKey string, raw []byte) (inbox.Outcome, error) {
	return p.Inbox.Handle(ctx, idempotencyKey, raw, func(op *gorm.DB, body []byte) error {
		var payload VendorPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return corerr.New(corerr.KindInvariantViolated, "customer.Handle", err)
		}
		return applyVendorPayload(op, p.Repo, payload)
	})
}

func applyVendorPayload(op *gorm.DB, repo *eventsourcing.Repository[Event, Entity], payload VendorPayload) error {
	switch payload.Type {
	case "ApplicantCreated":
		return appendEvent(op, repo, payload.CustomerID, Event{
			Type:             "ApplicantCreated",
			ApplicantCreated: &ApplicantCreatedPayload{ApplicantRef: payload.ApplicantRef},
			RecordedAt:       timeNow(),
		})
	case "ApplicantApproved":
		level, ok := normalizeLevel(payload.Level)
		if !ok {
			return nil // unimplemented level: no-op per §6 non-goals
		}
		return appendEvent(op, repo, payload.CustomerID, Event{
			Type:              "ApplicantApproved",
			ApplicantApproved: &ApplicantApprovedPayload{ApplicantRef: payload.ApplicantRef, Level: level},
			RecordedAt:        timeNow(),
		})
	case "ApplicantDeclined":
		return appendEvent(op, repo, payload.CustomerID, Event{
			Type:              "ApplicantDeclined",
			ApplicantDeclined: &ApplicantDeclinedPayload{ApplicantRef: payload.ApplicantRef, Reason: payload.Reason},
			RecordedAt:        timeNow(),
		})
	default:
		return nil // unknown type: no-op per §6 non-goals
	}
}

func appendEvent(op *gorm.DB, repo *eventsourcing.Repository[Event, Entity], id uuid.UUID, ev Event) error {
	_, seq, err := repo.FindByIDInOp(op, id)
	if err != nil {
		return err
	}
	_, err = repo.UpdateInOp(op, id, seq, []Event{ev})
	return err
}

func timeNow() time.Time { return time.Now().UTC() }
