// Package creditfacility implements the credit facility lifecycle of spec
// §4.F: CreditFacilityProposal → PendingCreditFacility → CreditFacility,
// its sub-aggregates (Disbursal, Obligation, InterestAccrualCycle,
// PaymentAllocation), and the state transitions between them.
//
// The state-machine shape is grounded in native/lending/engine.go's
// Supply/Withdraw/Borrow/Repay/Liquidate transition functions driven by an
// injected engineState port; this package generalizes that single flat
// money-market state into the proposal/pending/active facility lifecycle,
// with each Service transition building its events and appending them through
// internal/eventsourcing.Repository instead of mutating a state port directly. Interest math is grounded in
// native/lending/interest.go's big.Rat-based InterestModel, adapted from a
// continuously-compounded utilization curve to the straight-line
// day-count accrual described in §4.F.
package creditfacility

import (
	"time"

	"github.com/google/uuid"

	"github.com/creditcore/corebank/internal/eventsourcing"
)

// ProposalStatus enumerates CreditFacilityProposal's states.
type ProposalStatus string

const (
	ProposalInitialized ProposalStatus = "initialized"
	ProposalApproved    ProposalStatus = "approved"
	ProposalRejected    ProposalStatus = "rejected"
)

// FacilityStatus enumerates CreditFacility's lifecycle states.
type FacilityStatus string

const (
	FacilityPending FacilityStatus = "pending"
	FacilityActive  FacilityStatus = "active"
	FacilityMatured FacilityStatus = "matured"
	FacilityClosed  FacilityStatus = "closed"
)

// CollateralizationState classifies how well a facility/pending-facility is
// collateralized relative to its CVL thresholds.
type CollateralizationState string

const (
	FullyCollateralized       CollateralizationState = "fully_collateralized"
	UnderMarginCallThreshold  CollateralizationState = "under_margin_call_threshold"
	UnderLiquidationThreshold CollateralizationState = "under_liquidation_threshold"
	NoCollateral              CollateralizationState = "no_collateral"
)

// AccrualInterval and AccrualCycleInterval values understood by the
// scheduler when computing period boundaries.
type AccrualInterval string

const (
	AccrualEndOfMonth AccrualInterval = "end_of_month"
)

// DisbursalPolicy governs whether a facility draws down in one shot or
// supports multiple disbursals against the same tracking account.
type DisbursalPolicy string

const (
	SingleDisbursal  DisbursalPolicy = "single_disbursal"
	MultiDisbursal   DisbursalPolicy = "multi_disbursal"
)

// Terms captures the economic parameters fixed at proposal time.
type Terms struct {
	AnnualRateBps         int64
	InitialCVL            float64
	MarginCallCVL         float64
	LiquidationCVL        float64
	AccrualInterval       AccrualInterval
	AccrualCycleInterval  int // number of AccrualInterval periods per cycle
	DisbursalPolicy       DisbursalPolicy
	DueDays               int
	OverdueDays           int
	DefaultedDays         int
}

// Event is the tagged union of everything that can happen to a
// CreditFacilityProposal / PendingCreditFacility / CreditFacility over its
// lifetime. Only one of the pointer fields is set per event, mirroring the
// Rust entity.rs enum this is grounded on (each event is a single-field
// variant of the aggregate's overall Event enum).
type Event struct {
	Type string `json:"type"`

	Initialized *InitializedPayload `json:"initialized,omitempty"`
	Approved    *ApprovedPayload    `json:"approved,omitempty"`
	Rejected    *RejectedPayload    `json:"rejected,omitempty"`

	CollateralizationChanged *CollateralizationChangedPayload `json:"collateralization_changed,omitempty"`
	PendingCompleted         *PendingCompletedPayload          `json:"pending_completed,omitempty"`
	Activated                *ActivatedPayload                 `json:"activated,omitempty"`

	AccrualCyclePosted *AccrualCyclePostedPayload `json:"accrual_cycle_posted,omitempty"`

	DisbursalInitiated *DisbursalInitiatedPayload `json:"disbursal_initiated,omitempty"`
	DisbursalSettled   *DisbursalSettledPayload   `json:"disbursal_settled,omitempty"`

	ObligationCreated *ObligationCreatedPayload `json:"obligation_created,omitempty"`
	ObligationDue     *ObligationStatusPayload  `json:"obligation_due,omitempty"`
	ObligationOverdue *ObligationStatusPayload  `json:"obligation_overdue,omitempty"`
	ObligationDefaulted *ObligationStatusPayload `json:"obligation_defaulted,omitempty"`
	ObligationCompleted *ObligationStatusPayload `json:"obligation_completed,omitempty"`

	PaymentAllocated *PaymentAllocatedPayload `json:"payment_allocated,omitempty"`

	Matured *MaturedPayload `json:"matured,omitempty"`
	Closed  *ClosedPayload  `json:"closed,omitempty"`

	RecordedBy eventsourcing.AuditInfo `json:"recorded_by"`
	RecordedAt time.Time               `json:"recorded_at"`
}

type InitializedPayload struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Terms      Terms     `json:"terms"`
	AmountUSD  int64      `json:"amount_usd_minor"`
}

type ApprovedPayload struct {
	FacilityAccountID    string `json:"facility_account_id"`
	CollateralAccountID  string `json:"collateral_account_id"`
	CustodyWalletRef     string `json:"custody_wallet_ref,omitempty"`
}

type RejectedPayload struct {
	Reason string `json:"reason"`
}

type CollateralizationChangedPayload struct {
	CollateralSats int64                   `json:"collateral_sats"`
	CVL            float64                 `json:"cvl"`
	State          CollateralizationState  `json:"state"`
}

type PendingCompletedPayload struct {
	FacilityID         uuid.UUID `json:"facility_id"`
	InitialDisbursalID *uuid.UUID `json:"initial_disbursal_id,omitempty"`
}

type ActivatedPayload struct {
	ActivationTxID string    `json:"activation_tx_id"`
	MaturityAt     time.Time `json:"maturity_at"`
}

type AccrualCyclePostedPayload struct {
	CycleIdx      int       `json:"cycle_idx"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	AmountMinor   int64     `json:"amount_minor"`
	TxID          string    `json:"tx_id"`
	ObligationID  uuid.UUID `json:"obligation_id"`
}

type DisbursalInitiatedPayload struct {
	DisbursalID uuid.UUID `json:"disbursal_id"`
	AmountMinor int64     `json:"amount_minor"`
}

type DisbursalSettledPayload struct {
	DisbursalID  uuid.UUID `json:"disbursal_id"`
	TxID         string    `json:"tx_id"`
	ObligationID uuid.UUID `json:"obligation_id"`
}

type ObligationKind string

const (
	ObligationDisbursal ObligationKind = "disbursal"
	ObligationInterest  ObligationKind = "interest"
)

type ObligationCreatedPayload struct {
	ObligationID uuid.UUID      `json:"obligation_id"`
	Kind         ObligationKind `json:"kind"`
	AmountMinor  int64          `json:"amount_minor"`
	DueAt        time.Time      `json:"due_at"`
	OverdueAt    time.Time      `json:"overdue_at"`
	DefaultedAt  time.Time      `json:"defaulted_at"`
}

type ObligationStatusPayload struct {
	ObligationID uuid.UUID `json:"obligation_id"`
	At           time.Time `json:"at"`
}

type PaymentAllocatedPayload struct {
	AllocationID  uuid.UUID `json:"allocation_id"`
	ObligationID  uuid.UUID `json:"obligation_id"`
	AmountMinor   int64     `json:"amount_minor"`
	TxID          string    `json:"tx_id"`
}

type MaturedPayload struct {
	At time.Time `json:"at"`
}

type ClosedPayload struct {
	At time.Time `json:"at"`
}
