// Package governance implements the approval-process supplement described
// in SPEC_FULL.md: an ApprovalProcess, opened through Open, collects votes
// and resolves to Approved or Rejected. Processes are opened only by the
// admin HTTP routes; creating a credit facility proposal or initiating a
// disbursal does not open one.
//
// Modeled after services/governd/server's proposal/vote/status shape
// (Service.fetchProposal paired with a vote tally), generalized from a
// chain-governance proposal fetched over gRPC to an in-process,
// event-sourced approval workflow instead of on-chain stake-weighted
// voting. Open and CastVote record an audit entry via RecordSystemRead and
// make no role check.
package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/audit"
	"github.com/creditcore/corebank/internal/eventsourcing"
	"github.com/creditcore/corebank/internal/outbox"
)

// ProcessType distinguishes what kind of domain action an approval process gates.
type ProcessType string

const (
	ProcessCreditFacilityProposal ProcessType = "credit_facility_proposal"
	ProcessDisbursal              ProcessType = "disbursal"
)

// Status is an ApprovalProcess's resolution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Vote is one approver's ballot.
type Vote struct {
	ApproverID string    `json:"approver_id"`
	Approve    bool      `json:"approve"`
	CastAt     time.Time `json:"cast_at"`
}

// Event is the tagged union for the ApprovalProcess aggregate.
type Event struct {
	Type string `json:"type"`

	Opened   *OpenedPayload   `json:"opened,omitempty"`
	VoteCast *VoteCastPayload `json:"vote_cast,omitempty"`
	Resolved *ResolvedPayload `json:"resolved,omitempty"`

	RecordedBy eventsourcing.AuditInfo `json:"recorded_by"`
	RecordedAt time.Time               `json:"recorded_at"`
}

type OpenedPayload struct {
	ProcessType      ProcessType `json:"process_type"`
	TargetRef        string      `json:"target_ref"`
	RequiredApprovals int        `json:"required_approvals"`
}

type VoteCastPayload struct {
	Vote Vote `json:"vote"`
}

type ResolvedPayload struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Entity is the folded view of an approval process.
type Entity struct {
	ID                uuid.UUID
	ProcessType       ProcessType
	TargetRef         string
	RequiredApprovals int
	Votes             []Vote
	Status            Status
}

func Fold(id uuid.UUID, events []Event) Entity {
	e := Entity{ID: id, Status: StatusPending}
	for _, ev := range events {
		switch {
		case ev.Opened != nil:
			e.ProcessType = ev.Opened.ProcessType
			e.TargetRef = ev.Opened.TargetRef
			e.RequiredApprovals = ev.Opened.RequiredApprovals
		case ev.VoteCast != nil:
			e.Votes = append(e.Votes, ev.VoteCast.Vote)
		case ev.Resolved != nil:
			e.Status = ev.Resolved.Status
		}
	}
	return e
}

func (e Entity) approvalCount() int {
	n := 0
	for _, v := range e.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

func (e Entity) rejectionCount() int {
	n := 0
	for _, v := range e.Votes {
		if !v.Approve {
			n++
		}
	}
	return n
}

func RollupColumns(e Entity) map[string]any {
	return map[string]any{
		"process_type": string(e.ProcessType),
		"target_ref":   e.TargetRef,
		"status":       string(e.Status),
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

// Service drives approval-process operations.
type Service struct {
	Repo     *eventsourcing.Repository[Event, Entity]
	Enforcer *audit.Enforcer
}

// NewRepository wires the outbox publish hook for the approval process aggregate.
func NewRepository(db *gorm.DB, pub *outbox.Publisher) *eventsourcing.Repository[Event, Entity] {
	repo := &eventsourcing.Repository[Event, Entity]{
		DB: db, EventsTable: "approval_process_events", RollupTable: "approval_process_rollups", Codec: Codec,
	}
	repo.Publish = func(op *gorm.DB, aggregateID uuid.UUID, events []Event) error {
		for _, ev := range events {
			if err := pub.PublishInOp(op, ev.Type, ev); err != nil {
				return err
			}
		}
		return nil
	}
	return repo
}

// Open starts a new ApprovalProcess for targetRef, requiring requiredApprovals votes.
func (s *Service) Open(ctx context.Context, subject audit.Subject, processType ProcessType, targetRef string, requiredApprovals int) (uuid.UUID, Entity, error) {
	var id uuid.UUID
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.All("approval_process"))
		if err != nil {
			return err
		}
		ev := Event{
			Type: "Opened",
			Opened: &OpenedPayload{ProcessType: processType, TargetRef: targetRef, RequiredApprovals: requiredApprovals},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: time.Now().UTC(),
		}
		id, entity, err = s.Repo.CreateInOp(op, []Event{ev})
		return err
	})
	return id, entity, err
}

// CastVote records an approver's ballot and resolves the process once
// enough votes have been cast in either direction.
func (s *Service) CastVote(ctx context.Context, subject audit.Subject, processID uuid.UUID, approverID string, approve bool) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, processID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			entity = current
			return nil
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID("approval_process", processID.String()))
		if err != nil {
			return err
		}
		newVote := Vote{ApproverID: approverID, Approve: approve, CastAt: time.Now().UTC()}
		events := []Event{{
			Type:       "VoteCast",
			VoteCast:   &VoteCastPayload{Vote: newVote},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: time.Now().UTC(),
		}}
		projected := current
		projected.Votes = append(append([]Vote(nil), current.Votes...), newVote)
		if projected.approvalCount() >= projected.RequiredApprovals {
			events = append(events, Event{
				Type:     "Resolved",
				Resolved: &ResolvedPayload{Status: StatusApproved, At: time.Now().UTC()},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: time.Now().UTC(),
			})
		} else if projected.rejectionCount() > 0 {
			events = append(events, Event{
				Type:     "Resolved",
				Resolved: &ResolvedPayload{Status: StatusRejected, At: time.Now().UTC()},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: time.Now().UTC(),
			})
		}
		entity, err = s.Repo.UpdateInOp(op, processID, seq, events)
		return err
	})
	return entity, err
}
