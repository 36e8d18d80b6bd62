package creditfacility

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/audit"
	"github.com/creditcore/corebank/internal/clock"
	"github.com/creditcore/corebank/internal/corerr"
	"github.com/creditcore/corebank/internal/eventsourcing"
	"github.com/creditcore/corebank/internal/ledger"
	"github.com/creditcore/corebank/internal/outbox"
)

const (
	ActionCreate   audit.Action = "create"
	ActionApprove  audit.Action = "approve"
	ActionComplete audit.Action = "complete"
	ActionDisburse audit.Action = "disburse"
	ActionAllocatePayment audit.Action = "allocate_payment"
	ObjectKind     = "credit_facility"

	TemplateActivation     = "facility_activation"
	TemplateAccrual        = "facility_interest_accrual"
	TemplateDisbursal      = "facility_disbursal"
	TemplatePayment        = "facility_payment_allocation"
	TemplateDefaultReclass = "facility_obligation_default_reclass"
)

// Service implements the operations of §4.F, wiring together the
// event-sourced repository, the ledger, the authorization fabric, and the
// outbox publisher.
type Service struct {
	Repo     *eventsourcing.Repository[Event, Entity]
	Enforcer *audit.Enforcer
	Ledger   *ledger.Ledger
	Outbox   *outbox.Publisher
	Clock    *clock.Handle
}

// NewRepository constructs the eventsourcing.Repository for this aggregate,
// wiring the outbox publish hook described in §4.A/§4.B: every persisted
// event is mapped to an outbox entry of the same name.
func NewRepository(db *gorm.DB, pub *outbox.Publisher) *eventsourcing.Repository[Event, Entity] {
	repo := &eventsourcing.Repository[Event, Entity]{
		DB:          db,
		EventsTable: "credit_facility_events",
		RollupTable: "credit_facility_rollups",
		Codec:       Codec,
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

// Create starts a new CreditFacilityProposal, per §4.F step 1.
func (s *Service) Create(ctx context.Context, subject audit.Subject, customerID uuid.UUID, terms Terms, amountUSDMinor int64) (uuid.UUID, Entity, error) {
	var id uuid.UUID
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		auditID, err := s.Enforcer.Enforce(op, subject, audit.All(ObjectKind), ActionCreate)
		if err != nil {
			return err
		}
		ev := Event{
			Type: "Initialized",
			Initialized: &InitializedPayload{
				CustomerID: customerID,
				Terms:      terms,
				AmountUSD:  amountUSDMinor,
			},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: s.now(),
		}
		id, entity, err = s.Repo.CreateInOp(op, []Event{ev})
		return err
	})
	return id, entity, err
}

// Approve records a governance outcome against a proposal, per §4.F step 2.
func (s *Service) Approve(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, approved bool, reason string,
	facilityAccountID, collateralAccountID, custodyWalletRef string) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		if current.ProposalStatus != ProposalInitialized {
			return corerr.New(corerr.KindInvariantViolated, "creditfacility.Approve",
				fmt.Errorf("proposal %s is not in Initialized state", facilityID))
		}
		auditID, err := s.Enforcer.Enforce(op, subject, audit.ByID(ObjectKind, facilityID.String()), ActionApprove)
		if err != nil {
			return err
		}
		var ev Event
		if !approved {
			ev = Event{
				Type:       "Rejected",
				Rejected:   &RejectedPayload{Reason: reason},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			}
		} else {
			ev = Event{
				Type: "Approved",
				Approved: &ApprovedPayload{
					FacilityAccountID:   facilityAccountID,
					CollateralAccountID: collateralAccountID,
					CustodyWalletRef:    custodyWalletRef,
				},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			}
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// UpdateCollateralization recomputes CVL and classification for a pending
// or active facility and emits CollateralizationStateChanged only if the
// state actually changed, per §4.F step 3.
func (s *Service) UpdateCollateralization(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, collateralSats int64, priceUSDPerBTC float64) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		cvl := ComputeCVL(collateralSats, priceUSDPerBTC, current.AmountUSD)
		state := ClassifyCollateralization(collateralSats, cvl, current.Terms)
		if state == current.CollateralizationState {
			entity = current
			return nil
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		ev := Event{
			Type: "CollateralizationStateChanged",
			CollateralizationChanged: &CollateralizationChangedPayload{
				CollateralSats: collateralSats, CVL: cvl, State: state,
			},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// Complete finalizes a PendingCreditFacility into an active CreditFacility,
// per §4.F step 4. It is idempotent: calling it again after completion
// returns AlreadyApplied.
func (s *Service) Complete(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, priceUSDPerBTC float64) (eventsourcing.Idempotent[Entity], error) {
	var result eventsourcing.Idempotent[Entity]
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		if current.Status != FacilityPending {
			result = eventsourcing.AlreadyApplied[Entity]()
			return nil
		}
		cvl := ComputeCVL(current.CollateralSats, priceUSDPerBTC, current.AmountUSD)
		if cvl < current.Terms.InitialCVL {
			return corerr.New(corerr.KindInvariantViolated, "creditfacility.Complete",
				fmt.Errorf("BelowMarginLimit: cvl %.4f below initial_cvl %.4f", cvl, current.Terms.InitialCVL))
		}
		auditID, err := s.Enforcer.Enforce(op, subject, audit.ByID(ObjectKind, facilityID.String()), ActionComplete)
		if err != nil {
			return err
		}
		var initialDisbursalID *uuid.UUID
		events := []Event{{
			Type:             "Completed",
			PendingCompleted: &PendingCompletedPayload{FacilityID: facilityID},
			RecordedBy:       eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt:       s.now(),
		}}
		if current.Terms.DisbursalPolicy == SingleDisbursal {
			disbursalID := uuid.New()
			initialDisbursalID = &disbursalID
			events = append(events, Event{
				Type:               "DisbursalInitiated",
				DisbursalInitiated: &DisbursalInitiatedPayload{DisbursalID: disbursalID, AmountMinor: current.AmountUSD},
				RecordedBy:         eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt:         s.now(),
			})
		}
		events[0].PendingCompleted.InitialDisbursalID = initialDisbursalID
		entity, err := s.Repo.UpdateInOp(op, facilityID, seq, events)
		if err != nil {
			return err
		}
		result = eventsourcing.Executed(entity)
		return nil
	})
	return result, err
}

// Activate posts the activation ledger transaction and schedules the first
// accrual cycle boundary, per §4.F step 5.
func (s *Service) Activate(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, maturityAt time.Time) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		txID := "activation:" + facilityID.String()
		if err := s.Ledger.Post(ctx, TemplateActivation, txID, map[string]any{
			"facility_account_id": current.FacilityAccountID,
			"amount_minor":        current.AmountUSD,
		}, s.now()); err != nil {
			return err
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		ev := Event{
			Type:      "Activated",
			Activated: &ActivatedPayload{ActivationTxID: txID, MaturityAt: maturityAt},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// PostAccrualCycle computes and posts the accrued interest for the tick
// ending at periodEnd, per §4.F's "Interest accrual" section.
func (s *Service) PostAccrualCycle(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, outstandingPrincipalMinor int64, periodStart, periodEnd time.Time, cycleIdx int) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		days := int(periodEnd.Sub(periodStart).Hours() / 24)
		amount := AccrualAmount(outstandingPrincipalMinor, current.Terms.AnnualRateBps, days)
		txID := fmt.Sprintf("accrual:%s:%d", facilityID, cycleIdx)
		if amount > 0 {
			if err := s.Ledger.Post(ctx, TemplateAccrual, txID, map[string]any{
				"facility_account_id": current.FacilityAccountID,
				"amount_minor":        amount,
			}, periodEnd); err != nil {
				return err
			}
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		obligationID := uuid.New()
		dueAt := periodEnd.AddDate(0, 0, current.Terms.DueDays)
		overdueAt := dueAt.AddDate(0, 0, current.Terms.OverdueDays)
		defaultedAt := overdueAt.AddDate(0, 0, current.Terms.DefaultedDays)
		events := []Event{
			{
				Type: "AccrualCyclePosted",
				AccrualCyclePosted: &AccrualCyclePostedPayload{
					CycleIdx: cycleIdx, PeriodStart: periodStart, PeriodEnd: periodEnd,
					AmountMinor: amount, TxID: txID, ObligationID: obligationID,
				},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			},
			{
				Type: "ObligationCreated",
				ObligationCreated: &ObligationCreatedPayload{
					ObligationID: obligationID, Kind: ObligationInterest, AmountMinor: amount,
					DueAt: dueAt, OverdueAt: overdueAt, DefaultedAt: defaultedAt,
				},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			},
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, events)
		return err
	})
	return entity, err
}

// InitiateDisbursal creates a new disbursal request, per §4.F "Disbursals".
func (s *Service) InitiateDisbursal(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, amountMinor int64) (uuid.UUID, Entity, error) {
	var disbursalID uuid.UUID
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		_, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		auditID, err := s.Enforcer.Enforce(op, subject, audit.ByID(ObjectKind, facilityID.String()), ActionDisburse)
		if err != nil {
			return err
		}
		disbursalID = uuid.New()
		ev := Event{
			Type:               "DisbursalInitiated",
			DisbursalInitiated: &DisbursalInitiatedPayload{DisbursalID: disbursalID, AmountMinor: amountMinor},
			RecordedBy:         eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt:         s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		return err
	})
	return disbursalID, entity, err
}

// SettleDisbursal posts the balanced transaction moving funds from the
// facility tracking account to the borrower's deposit account and creates
// the corresponding Disbursal obligation.
func (s *Service) SettleDisbursal(ctx context.Context, subject audit.Subject, facilityID, disbursalID uuid.UUID, depositAccountID string) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		d, ok := current.Disbursals[disbursalID]
		if !ok {
			return corerr.NotFound("creditfacility.SettleDisbursal", "disbursal", disbursalID.String())
		}
		if d.Status == "settled" {
			entity = current
			return nil
		}
		txID := "disbursal:" + disbursalID.String()
		if err := s.Ledger.Post(ctx, TemplateDisbursal, txID, map[string]any{
			"facility_account_id": current.FacilityAccountID,
			"deposit_account_id":  depositAccountID,
			"amount_minor":        d.AmountMinor,
		}, s.now()); err != nil {
			return err
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		obligationID := uuid.New()
		dueAt := s.now().AddDate(0, 0, current.Terms.DueDays)
		overdueAt := dueAt.AddDate(0, 0, current.Terms.OverdueDays)
		defaultedAt := overdueAt.AddDate(0, 0, current.Terms.DefaultedDays)
		events := []Event{
			{
				Type:             "DisbursalSettled",
				DisbursalSettled: &DisbursalSettledPayload{DisbursalID: disbursalID, TxID: txID, ObligationID: obligationID},
				RecordedBy:       eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt:       s.now(),
			},
			{
				Type: "ObligationCreated",
				ObligationCreated: &ObligationCreatedPayload{
					ObligationID: obligationID, Kind: ObligationDisbursal, AmountMinor: d.AmountMinor,
					DueAt: dueAt, OverdueAt: overdueAt, DefaultedAt: defaultedAt,
				},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			},
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, events)
		return err
	})
	return entity, err
}

// allocationOrder returns obligation ids in the deterministic order
// described by §4.F's "Payment allocation": oldest-overdue Interest first,
// then oldest-overdue Disbursal, then Due Interest, then Due Disbursal
// (interest-not-yet-due-principal), then remaining Principal.
func allocationOrder(obligations map[uuid.UUID]*Obligation) []uuid.UUID {
	rank := func(o *Obligation) int {
		switch {
		case o.Status == "overdue" && o.Kind == ObligationInterest:
			return 0
		case o.Status == "overdue" && o.Kind == ObligationDisbursal:
			return 1
		case o.Status == "due" && o.Kind == ObligationInterest:
			return 2
		case o.Status == "due" && o.Kind == ObligationDisbursal:
			return 3
		default:
			return 4
		}
	}
	ids := make([]uuid.UUID, 0, len(obligations))
	for id, o := range obligations {
		if o.Remaining() > 0 && o.Status != "completed" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := obligations[ids[i]], obligations[ids[j]]
		ri, rj := rank(oi), rank(oj)
		if ri != rj {
			return ri < rj
		}
		return oi.CreatedAt.Before(oj.CreatedAt)
	})
	return ids
}

// AllocatePayment applies amountMinor across outstanding obligations in
// §4.F's deterministic order, posting one balanced ledger entry per
// obligation touched and marking fully-paid obligations Completed.
func (s *Service) AllocatePayment(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, amountMinor int64, paymentRef string) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		auditID, err := s.Enforcer.Enforce(op, subject, audit.ByID(ObjectKind, facilityID.String()), ActionAllocatePayment)
		if err != nil {
			return err
		}
		remaining := amountMinor
		var events []Event
		for _, obligationID := range allocationOrder(current.Obligations) {
			if remaining <= 0 {
				break
			}
			o := current.Obligations[obligationID]
			amount := minInt64(o.Remaining(), remaining)
			txID := fmt.Sprintf("payment:%s:%s", paymentRef, obligationID)
			if err := s.Ledger.Post(ctx, TemplatePayment, txID, map[string]any{
				"facility_account_id": current.FacilityAccountID,
				"obligation_id":       obligationID.String(),
				"amount_minor":        amount,
			}, s.now()); err != nil {
				return err
			}
			allocationID := uuid.New()
			events = append(events, Event{
				Type: "PaymentAllocationInitialized",
				PaymentAllocated: &PaymentAllocatedPayload{
					AllocationID: allocationID, ObligationID: obligationID, AmountMinor: amount, TxID: txID,
				},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			})
			if amount == o.Remaining() {
				events = append(events, Event{
					Type:                "ObligationCompleted",
					ObligationCompleted: &ObligationStatusPayload{ObligationID: obligationID, At: s.now()},
					RecordedBy:          eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
					RecordedAt:          s.now(),
				})
			}
			remaining -= amount
		}
		if len(events) == 0 {
			entity = current
			return nil
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, events)
		return err
	})
	return entity, err
}

// MaybeCompleteFacility transitions Matured then Closed once outstanding
// obligations reach zero and no liquidation is active, per §4.F "Facility
// completion". Both transitions are idempotent.
func (s *Service) MaybeCompleteFacility(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, hasActiveLiquidation bool) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		if hasActiveLiquidation || !allObligationsCleared(current.Obligations) {
			entity = current
			return nil
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		switch current.Status {
		case FacilityActive:
			ev := Event{
				Type:       "Matured",
				Matured:    &MaturedPayload{At: s.now()},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			}
			entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		case FacilityMatured:
			ev := Event{
				Type:       "Closed",
				Closed:     &ClosedPayload{At: s.now()},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			}
			entity, err = s.Repo.UpdateInOp(op, facilityID, seq, []Event{ev})
		default:
			entity = current
		}
		return err
	})
	return entity, err
}

// ActiveFacilityIDs lists every facility currently Active, for the
// scheduled accrual and obligation-status job runners to sweep.
func (s *Service) ActiveFacilityIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.Repo.QueryIDs(ctx, "status = ?", string(FacilityActive))
}

// AccrueDueCycle posts the next accrual cycle for facilityID if its period
// boundary has passed, and is a no-op (AlreadyApplied) otherwise. Driven by
// the scheduled accrual tick rather than a caller-supplied period, per
// §4.F's "Interest accrual" schedule.
func (s *Service) AccrueDueCycle(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, now time.Time) (eventsourcing.Idempotent[Entity], error) {
	current, _, err := s.Repo.FindByID(ctx, facilityID)
	if err != nil {
		return eventsourcing.Idempotent[Entity]{}, err
	}
	idx, periodStart, periodEnd, ok := current.NextAccrualPeriod()
	if !ok || periodEnd.After(now) {
		return eventsourcing.AlreadyApplied[Entity](), nil
	}
	entity, err := s.PostAccrualCycle(ctx, subject, facilityID, current.OutstandingPrincipal(), periodStart, periodEnd, idx)
	if err != nil {
		return eventsourcing.Idempotent[Entity]{}, err
	}
	return eventsourcing.Executed(entity), nil
}

// ProcessObligationTick re-evaluates every open obligation on facilityID
// against now, emitting ObligationDue/ObligationOverdue/ObligationDefaulted
// transitions as their respective deadlines pass, per §4.F "Obligations". A
// default also reclasses the obligation's remaining balance out of the
// facility's performing tracking account. A no-op returns the unchanged
// entity.
func (s *Service) ProcessObligationTick(ctx context.Context, subject audit.Subject, facilityID uuid.UUID, now time.Time) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, facilityID)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(current.Obligations))
		for id := range current.Obligations {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, facilityID.String()))
		if err != nil {
			return err
		}
		var events []Event
		for _, id := range ids {
			o := current.Obligations[id]
			if o.Remaining() <= 0 {
				continue
			}
			switch {
			case !now.Before(o.DefaultedAt) && o.Status != "defaulted":
				txID := fmt.Sprintf("default_reclass:%s", id)
				if err := s.Ledger.Post(ctx, TemplateDefaultReclass, txID, map[string]any{
					"facility_account_id": current.FacilityAccountID,
					"amount_minor":        o.Remaining(),
				}, now); err != nil {
					return err
				}
				events = append(events, Event{
					Type:                "ObligationDefaulted",
					ObligationDefaulted: &ObligationStatusPayload{ObligationID: id, At: now},
					RecordedBy:          eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
					RecordedAt:          now,
				})
			case !now.Before(o.OverdueAt) && o.Status != "overdue":
				events = append(events, Event{
					Type:              "ObligationOverdue",
					ObligationOverdue: &ObligationStatusPayload{ObligationID: id, At: now},
					RecordedBy:        eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
					RecordedAt:        now,
				})
			case !now.Before(o.DueAt) && o.Status == "not_yet_due":
				events = append(events, Event{
					Type:          "ObligationDue",
					ObligationDue: &ObligationStatusPayload{ObligationID: id, At: now},
					RecordedBy:    eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
					RecordedAt:    now,
				})
			}
		}
		if len(events) == 0 {
			entity = current
			return nil
		}
		entity, err = s.Repo.UpdateInOp(op, facilityID, seq, events)
		return err
	})
	return entity, err
}

func allObligationsCleared(obligations map[uuid.UUID]*Obligation) bool {
	for _, o := range obligations {
		if o.Remaining() > 0 {
			return false
		}
	}
	return true
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}
