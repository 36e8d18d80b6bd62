package creditfacility

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/creditcore/corebank/internal/eventsourcing"
)

// Obligation is a single amount owed against a facility, created either by
// a Disbursal settlement or an interest posting.
type Obligation struct {
	ID          uuid.UUID
	Kind        ObligationKind
	AmountMinor int64
	PaidMinor   int64
	DueAt       time.Time
	OverdueAt   time.Time
	DefaultedAt time.Time
	Status      string // not_yet_due | due | overdue | defaulted | completed
	CreatedAt   time.Time
}

// Remaining returns the unpaid portion of the obligation.
func (o Obligation) Remaining() int64 {
	r := o.AmountMinor - o.PaidMinor
	if r < 0 {
		return 0
	}
	return r
}

// Disbursal is a single draw-down against a facility's tracking account.
type Disbursal struct {
	ID           uuid.UUID
	AmountMinor  int64
	Status       string // new | settled
	ObligationID uuid.UUID
}

// AccrualCycle is the facility's view of one InterestAccrualCycle.
type AccrualCycle struct {
	Idx         int
	PeriodStart time.Time
	PeriodEnd   time.Time
	AccruedMinor int64
	Posted      bool
}

// Entity is the fully-folded rollup view of a credit facility aggregate at
// any stage of its lifecycle (proposal, pending, or active/matured/closed).
type Entity struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
	Terms      Terms
	AmountUSD  int64

	ProposalStatus ProposalStatus
	RejectReason   string

	FacilityAccountID   string
	CollateralAccountID string
	CustodyWalletRef    string

	CollateralSats int64
	CollateralizationState CollateralizationState
	LastCVL                float64

	Status     FacilityStatus
	ActivationTxID string
	ActivatedAt    time.Time
	MaturityAt     time.Time

	Disbursals  map[uuid.UUID]*Disbursal
	Obligations map[uuid.UUID]*Obligation
	Cycles      []AccrualCycle

	ClosedAt time.Time
}

// Fold rebuilds an Entity from an ordered event prefix, the pure transition
// function the eventsourcing.Repository drives.
func Fold(id uuid.UUID, events []Event) Entity {
	e := Entity{
		ID:          id,
		Disbursals:  make(map[uuid.UUID]*Disbursal),
		Obligations: make(map[uuid.UUID]*Obligation),
	}
	for _, ev := range events {
		applyEvent(&e, ev)
	}
	return e
}

func applyEvent(e *Entity, ev Event) {
	switch {
	case ev.Initialized != nil:
		e.CustomerID = ev.Initialized.CustomerID
		e.Terms = ev.Initialized.Terms
		e.AmountUSD = ev.Initialized.AmountUSD
		e.ProposalStatus = ProposalInitialized
		e.Status = FacilityPending
		e.CollateralizationState = NoCollateral
	case ev.Approved != nil:
		e.ProposalStatus = ProposalApproved
		e.FacilityAccountID = ev.Approved.FacilityAccountID
		e.CollateralAccountID = ev.Approved.CollateralAccountID
		e.CustodyWalletRef = ev.Approved.CustodyWalletRef
	case ev.Rejected != nil:
		e.ProposalStatus = ProposalRejected
		e.RejectReason = ev.Rejected.Reason
	case ev.CollateralizationChanged != nil:
		e.CollateralSats = ev.CollateralizationChanged.CollateralSats
		e.LastCVL = ev.CollateralizationChanged.CVL
		e.CollateralizationState = ev.CollateralizationChanged.State
	case ev.PendingCompleted != nil:
		e.Status = FacilityActive
	case ev.Activated != nil:
		e.ActivationTxID = ev.Activated.ActivationTxID
		e.ActivatedAt = ev.RecordedAt
		e.MaturityAt = ev.Activated.MaturityAt
	case ev.AccrualCyclePosted != nil:
		p := ev.AccrualCyclePosted
		found := false
		for i := range e.Cycles {
			if e.Cycles[i].Idx == p.CycleIdx {
				e.Cycles[i].AccruedMinor = p.AmountMinor
				e.Cycles[i].Posted = true
				found = true
			}
		}
		if !found {
			e.Cycles = append(e.Cycles, AccrualCycle{
				Idx: p.CycleIdx, PeriodStart: p.PeriodStart, PeriodEnd: p.PeriodEnd,
				AccruedMinor: p.AmountMinor, Posted: true,
			})
		}
	case ev.DisbursalInitiated != nil:
		p := ev.DisbursalInitiated
		e.Disbursals[p.DisbursalID] = &Disbursal{ID: p.DisbursalID, AmountMinor: p.AmountMinor, Status: "new"}
	case ev.DisbursalSettled != nil:
		p := ev.DisbursalSettled
		if d, ok := e.Disbursals[p.DisbursalID]; ok {
			d.Status = "settled"
			d.ObligationID = p.ObligationID
		}
	case ev.ObligationCreated != nil:
		p := ev.ObligationCreated
		e.Obligations[p.ObligationID] = &Obligation{
			ID: p.ObligationID, Kind: p.Kind, AmountMinor: p.AmountMinor,
			DueAt: p.DueAt, OverdueAt: p.OverdueAt, DefaultedAt: p.DefaultedAt,
			Status: "not_yet_due", CreatedAt: ev.RecordedAt,
		}
	case ev.ObligationDue != nil:
		if o, ok := e.Obligations[ev.ObligationDue.ObligationID]; ok {
			o.Status = "due"
		}
	case ev.ObligationOverdue != nil:
		if o, ok := e.Obligations[ev.ObligationOverdue.ObligationID]; ok {
			o.Status = "overdue"
		}
	case ev.ObligationDefaulted != nil:
		if o, ok := e.Obligations[ev.ObligationDefaulted.ObligationID]; ok {
			o.Status = "defaulted"
		}
	case ev.ObligationCompleted != nil:
		if o, ok := e.Obligations[ev.ObligationCompleted.ObligationID]; ok {
			o.Status = "completed"
		}
	case ev.PaymentAllocated != nil:
		p := ev.PaymentAllocated
		if o, ok := e.Obligations[p.ObligationID]; ok {
			o.PaidMinor += p.AmountMinor
		}
	case ev.Matured != nil:
		e.Status = FacilityMatured
	case ev.Closed != nil:
		e.Status = FacilityClosed
		e.ClosedAt = ev.Closed.At
	}
}

// RollupColumns projects the folded entity onto the facility rollup table.
func RollupColumns(e Entity) map[string]any {
	return map[string]any{
		"customer_id":              e.CustomerID.String(),
		"status":                   string(e.Status),
		"proposal_status":          string(e.ProposalStatus),
		"collateralization_state":  string(e.CollateralizationState),
		"collateral_sats":          e.CollateralSats,
		"last_cvl":                 e.LastCVL,
		"amount_usd_minor":         e.AmountUSD,
		"facility_account_id":      e.FacilityAccountID,
		"collateral_account_id":    e.CollateralAccountID,
	}
}

// EventType extracts the discriminator used for the events table's
// event_type column.
func EventType(ev Event) string { return ev.Type }

// NewID mints a fresh facility identity.
func NewID() uuid.UUID { return uuid.New() }

// Codec is the ready-to-use eventsourcing.Codec for this aggregate.
var Codec = eventsourcing.Codec[Event, Entity]{
	EventType:     EventType,
	NewID:         NewID,
	Fold:          Fold,
	RollupColumns: RollupColumns,
}

// ComputeCVL implements §4.F's collateral-value-loan ratio: collateral
// value over facility amount, both expressed in USD.
func ComputeCVL(collateralSats int64, priceUSDPerBTC float64, facilityAmountUSDMinor int64) float64 {
	if facilityAmountUSDMinor == 0 {
		return 0
	}
	const satsPerBTC = 100_000_000
	collateralUSD := (float64(collateralSats) / satsPerBTC) * priceUSDPerBTC
	facilityUSD := float64(facilityAmountUSDMinor) / 100.0
	return collateralUSD / facilityUSD
}

// OutstandingPrincipal sums the remaining balance of every Disbursal-kind
// obligation, the base interest accrues against each cycle.
func (e Entity) OutstandingPrincipal() int64 {
	var total int64
	for _, o := range e.Obligations {
		if o.Kind == ObligationDisbursal {
			total += o.Remaining()
		}
	}
	return total
}

// NextAccrualPeriod returns the next not-yet-posted accrual cycle's index
// and [start, end] boundary (end inclusive: the last nanosecond of the
// period's month; the next period starts one nanosecond later), stepping
// AccrualCycleInterval end-of-month
// boundaries forward from ActivatedAt per §4.F's "Interest accrual"
// schedule. ok is false if the facility has not been activated yet.
func (e Entity) NextAccrualPeriod() (idx int, periodStart, periodEnd time.Time, ok bool) {
	if e.ActivatedAt.IsZero() {
		return 0, time.Time{}, time.Time{}, false
	}
	interval := e.Terms.AccrualCycleInterval
	if interval <= 0 {
		interval = 1
	}
	idx = len(e.Cycles)
	if idx == 0 {
		periodStart = e.ActivatedAt
	} else {
		periodStart = e.Cycles[idx-1].PeriodEnd.Add(time.Nanosecond)
	}
	periodEnd = endOfMonth(e.ActivatedAt, (idx+1)*interval-1)
	return idx, periodStart, periodEnd, true
}

func endOfMonth(base time.Time, monthsAhead int) time.Time {
	firstOfTargetMonth := time.Date(base.Year(), base.Month(), 1, 0, 0, 0, 0, base.Location()).AddDate(0, monthsAhead, 0)
	firstOfNextMonth := firstOfTargetMonth.AddDate(0, 1, 0)
	return firstOfNextMonth.Add(-time.Nanosecond)
}

// ClassifyCollateralization applies the thresholds from Terms to a
// computed CVL, per §4.F's classification rule.
func ClassifyCollateralization(collateralSats int64, cvl float64, terms Terms) CollateralizationState {
	if collateralSats == 0 {
		return NoCollateral
	}
	switch {
	case cvl >= terms.InitialCVL:
		return FullyCollateralized
	case cvl >= terms.MarginCallCVL:
		return UnderMarginCallThreshold
	default:
		return UnderLiquidationThreshold
	}
}

// AccrualAmount computes straight-line day-count interest with banker's
// rounding to the nearest minor currency unit, per §4.F step 2.
func AccrualAmount(outstandingPrincipalMinor int64, annualRateBps int64, daysInTick int) int64 {
	if outstandingPrincipalMinor <= 0 || annualRateBps <= 0 || daysInTick <= 0 {
		return 0
	}
	rate := float64(annualRateBps) / 10_000.0
	raw := float64(outstandingPrincipalMinor) * rate * (float64(daysInTick) / 365.0)
	return bankersRound(raw)
}

// bankersRound rounds half to even, the standard "banker's rounding" rule.
func bankersRound(v float64) int64 {
	floor := math.Floor(v)
	diff := v - floor
	switch {
	case diff < 0.5:
		return int64(floor)
	case diff > 0.5:
		return int64(floor) + 1
	default:
		if int64(floor)%2 == 0 {
			return int64(floor)
		}
		return int64(floor) + 1
	}
}
