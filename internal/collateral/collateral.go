// Package collateral implements the Collateral and Liquidation
// sub-aggregates of spec §4.G: manual and custodian-synced balance
// updates, liquidation start on an explicit StartLiquidation call (a second
// start is rejected while one is active), and the liquidation lifecycle
// (sent-out / proceeds-received / completion). The package does not
// re-evaluate collateralization and never starts a liquidation by itself.
//
// Grounded in original_source/core/credit/src/collateral/entity.rs's
// CollateralEvent variants (Initialized, UpdatedViaManualInput,
// UpdatedViaCustodianSync, UpdatedViaLiquidation, ...), reimplemented as a
// Go event-sourced aggregate over internal/eventsourcing rather than the
// Rust entity-event-sourcing crate it was distilled from. Ledger postings
// reuse internal/ledger.Ledger.Post exactly as internal/creditfacility
// does, in the teacher's shared-primitive style.
package collateral

import (
	"context"
	"fmt"
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
	ObjectKind = "collateral"
	TemplateManualUpdate    = "collateral_manual_update"
	TemplateCustodianSync   = "collateral_custodian_sync"
	TemplateLiquidationSend = "collateral_liquidation_send"
	TemplateLiquidationProceeds = "collateral_liquidation_proceeds"

	ActionUpdateManual audit.Action = "update_manual"
)

// LiquidationStatus enumerates a Liquidation sub-aggregate's lifecycle.
type LiquidationStatus string

const (
	LiquidationActive    LiquidationStatus = "active"
	LiquidationCompleted LiquidationStatus = "completed"
)

// ProceedsAccountIDs is the quadruple allocated when a liquidation starts.
type ProceedsAccountIDs struct {
	OmnibusAccountID      string
	ProceedsAccountID     string
	InLiquidationAccountID string
	LiquidatedAccountID   string
}

// Liquidation is the in-memory view of one liquidation episode against a
// collateral aggregate.
type Liquidation struct {
	ID                         uuid.UUID
	InitiallyEstimatedSats     int64
	Accounts                   ProceedsAccountIDs
	SentTotalSats              int64
	ProceedsReceivedUSDMinor   int64
	Status                     LiquidationStatus
}

// Event is the tagged union for the collateral aggregate, mirroring
// entity.rs's CollateralEvent enum one variant at a time.
type Event struct {
	Type string `json:"type"`

	Initialized *CollateralInitializedPayload `json:"initialized,omitempty"`
	ManualUpdate *ManualUpdatePayload          `json:"manual_update,omitempty"`
	CustodianSync *CustodianSyncPayload        `json:"custodian_sync,omitempty"`

	LiquidationStarted *LiquidationStartedPayload `json:"liquidation_started,omitempty"`
	CollateralSentOut  *CollateralSentOutPayload  `json:"collateral_sent_out,omitempty"`
	ProceedsReceived   *ProceedsReceivedPayload   `json:"proceeds_received,omitempty"`
	LiquidationCompleted *LiquidationCompletedPayload `json:"liquidation_completed,omitempty"`

	RecordedBy eventsourcing.AuditInfo `json:"recorded_by"`
	RecordedAt time.Time               `json:"recorded_at"`
}

type CollateralInitializedPayload struct {
	FacilityID          uuid.UUID `json:"facility_id"`
	CollateralAccountID string    `json:"collateral_account_id"`
	CustodyWalletRef    string    `json:"custody_wallet_ref,omitempty"`
}

type ManualUpdatePayload struct {
	NewAmountSats int64 `json:"new_amount_sats"`
	DeltaSats     int64 `json:"delta_sats"`
	TxID          string `json:"tx_id"`
}

type CustodianSyncPayload struct {
	NewAmountSats int64  `json:"new_amount_sats"`
	DeltaSats     int64  `json:"delta_sats"`
	TxID          string `json:"tx_id"`
}

type LiquidationStartedPayload struct {
	LiquidationID          uuid.UUID          `json:"liquidation_id"`
	InitiallyEstimatedSats int64              `json:"initially_estimated_sats"`
	Accounts               ProceedsAccountIDs `json:"accounts"`
}

type CollateralSentOutPayload struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	Sats          int64     `json:"sats"`
	TxID          string    `json:"tx_id"`
}

type ProceedsReceivedPayload struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	AmountUSDMinor int64    `json:"amount_usd_minor"`
	TxID          string    `json:"tx_id"`
}

type LiquidationCompletedPayload struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	At            time.Time `json:"at"`
}

// Entity is the folded rollup view of a collateral aggregate.
type Entity struct {
	ID                  uuid.UUID
	FacilityID          uuid.UUID
	CollateralAccountID string
	CustodyWalletRef    string
	AmountSats          int64
	Liquidations        map[uuid.UUID]*Liquidation
}

// Fold rebuilds an Entity from its event prefix.
func Fold(id uuid.UUID, events []Event) Entity {
	e := Entity{ID: id, Liquidations: make(map[uuid.UUID]*Liquidation)}
	for _, ev := range events {
		applyEvent(&e, ev)
	}
	return e
}

func applyEvent(e *Entity, ev Event) {
	switch {
	case ev.Initialized != nil:
		e.FacilityID = ev.Initialized.FacilityID
		e.CollateralAccountID = ev.Initialized.CollateralAccountID
		e.CustodyWalletRef = ev.Initialized.CustodyWalletRef
	case ev.ManualUpdate != nil:
		e.AmountSats = ev.ManualUpdate.NewAmountSats
	case ev.CustodianSync != nil:
		e.AmountSats = ev.CustodianSync.NewAmountSats
	case ev.LiquidationStarted != nil:
		p := ev.LiquidationStarted
		e.Liquidations[p.LiquidationID] = &Liquidation{
			ID: p.LiquidationID, InitiallyEstimatedSats: p.InitiallyEstimatedSats,
			Accounts: p.Accounts, Status: LiquidationActive,
		}
	case ev.CollateralSentOut != nil:
		p := ev.CollateralSentOut
		if l, ok := e.Liquidations[p.LiquidationID]; ok {
			l.SentTotalSats += p.Sats
		}
		e.AmountSats -= p.Sats
	case ev.ProceedsReceived != nil:
		p := ev.ProceedsReceived
		if l, ok := e.Liquidations[p.LiquidationID]; ok {
			l.ProceedsReceivedUSDMinor += p.AmountUSDMinor
		}
	case ev.LiquidationCompleted != nil:
		if l, ok := e.Liquidations[ev.LiquidationCompleted.LiquidationID]; ok {
			l.Status = LiquidationCompleted
		}
	}
}

// HasActiveLiquidation reports whether any liquidation on this collateral
// aggregate is still Active, consulted by creditfacility.MaybeCompleteFacility.
func (e Entity) HasActiveLiquidation() bool {
	for _, l := range e.Liquidations {
		if l.Status == LiquidationActive {
			return true
		}
	}
	return false
}

func RollupColumns(e Entity) map[string]any {
	return map[string]any{
		"facility_id":           e.FacilityID.String(),
		"collateral_account_id": e.CollateralAccountID,
		"amount_sats":           e.AmountSats,
		"has_active_liquidation": e.HasActiveLiquidation(),
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

// Service implements the collateral/liquidation operations.
type Service struct {
	Repo     *eventsourcing.Repository[Event, Entity]
	Enforcer *audit.Enforcer
	Ledger   *ledger.Ledger
	Outbox   *outbox.Publisher
	Clock    *clock.Handle
}

// NewRepository wires the outbox publish hook for the collateral aggregate.
func NewRepository(db *gorm.DB, pub *outbox.Publisher) *eventsourcing.Repository[Event, Entity] {
	repo := &eventsourcing.Repository[Event, Entity]{
		DB: db, EventsTable: "collateral_events", RollupTable: "collateral_rollups", Codec: Codec,
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

// RecordManualUpdate sets a new absolute collateral amount and posts the
// delta on the collateral-omnibus pair. Rejected if the collateral is
// wallet-bound (custody_wallet_ref set): manual and custodian updates are
// mutually exclusive per §4.G.
func (s *Service) RecordManualUpdate(ctx context.Context, subject audit.Subject, collateralID uuid.UUID, newAmountSats int64, omnibusAccountID string) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, collateralID)
		if err != nil {
			return err
		}
		if current.CustodyWalletRef != "" {
			return corerr.New(corerr.KindInvariantViolated, "collateral.RecordManualUpdate",
				fmt.Errorf("collateral %s is custody-wallet-bound; manual updates are rejected", collateralID))
		}
		delta := newAmountSats - current.AmountSats
		auditID, err := s.Enforcer.Enforce(op, subject, audit.ByID(ObjectKind, collateralID.String()), ActionUpdateManual)
		if err != nil {
			return err
		}
		txID := fmt.Sprintf("collateral_manual:%s:%d", collateralID, newAmountSats)
		if delta != 0 {
			if err := s.Ledger.Post(ctx, TemplateManualUpdate, txID, map[string]any{
				"collateral_account_id": current.CollateralAccountID,
				"omnibus_account_id":    omnibusAccountID,
				"delta_sats":            delta,
			}, s.now()); err != nil {
				return err
			}
		}
		ev := Event{
			Type:         "UpdatedViaManualInput",
			ManualUpdate: &ManualUpdatePayload{NewAmountSats: newAmountSats, DeltaSats: delta, TxID: txID},
			RecordedBy:   eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt:   s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, collateralID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// RecordCustodianSync applies a BalanceChanged(new_amount) event consumed
// from the outbox by the custodian-wallet subscriber, per §4.G.
func (s *Service) RecordCustodianSync(ctx context.Context, subject audit.Subject, collateralID uuid.UUID, newAmountSats int64, omnibusAccountID string) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, collateralID)
		if err != nil {
			return err
		}
		delta := newAmountSats - current.AmountSats
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, collateralID.String()))
		if err != nil {
			return err
		}
		txID := fmt.Sprintf("collateral_sync:%s:%d", collateralID, newAmountSats)
		if delta != 0 {
			if err := s.Ledger.Post(ctx, TemplateCustodianSync, txID, map[string]any{
				"collateral_account_id": current.CollateralAccountID,
				"omnibus_account_id":    omnibusAccountID,
				"delta_sats":            delta,
			}, s.now()); err != nil {
				return err
			}
		}
		ev := Event{
			Type:          "UpdatedViaCustodianSync",
			CustodianSync: &CustodianSyncPayload{NewAmountSats: newAmountSats, DeltaSats: delta, TxID: txID},
			RecordedBy:    eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt:    s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, collateralID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// StartLiquidation opens a new Liquidation once UnderLiquidationThreshold
// is first entered, per §4.G. Guard: no liquidation may start while one is
// already Active for this collateral.
func (s *Service) StartLiquidation(ctx context.Context, subject audit.Subject, collateralID uuid.UUID, outstandingUSDMinor int64, priceUSDPerBTC float64, accounts ProceedsAccountIDs) (uuid.UUID, Entity, error) {
	var liquidationID uuid.UUID
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, collateralID)
		if err != nil {
			return err
		}
		if current.HasActiveLiquidation() {
			return corerr.New(corerr.KindInvariantViolated, "collateral.StartLiquidation",
				fmt.Errorf("collateral %s already has an active liquidation", collateralID))
		}
		if priceUSDPerBTC <= 0 {
			return corerr.New(corerr.KindInvariantViolated, "collateral.StartLiquidation", fmt.Errorf("non-positive price"))
		}
		const satsPerBTC = 100_000_000
		outstandingUSD := float64(outstandingUSDMinor) / 100.0
		estimatedBTC := outstandingUSD / priceUSDPerBTC
		estimatedSats := ceilSats(estimatedBTC * satsPerBTC)

		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, collateralID.String()))
		if err != nil {
			return err
		}
		liquidationID = uuid.New()
		ev := Event{
			Type: "LiquidationStarted",
			LiquidationStarted: &LiquidationStartedPayload{
				LiquidationID: liquidationID, InitiallyEstimatedSats: estimatedSats, Accounts: accounts,
			},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, collateralID, seq, []Event{ev})
		return err
	})
	return liquidationID, entity, err
}

func ceilSats(v float64) int64 {
	i := int64(v)
	if float64(i) < v {
		i++
	}
	return i
}

// RecordCollateralSentOut decrements collateral and moves sats into the
// in-liquidation account, accumulating sent_total. Zero-amount is an
// idempotent no-op; exceeding the initial estimate is rejected.
func (s *Service) RecordCollateralSentOut(ctx context.Context, subject audit.Subject, collateralID, liquidationID uuid.UUID, sats int64) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, collateralID)
		if err != nil {
			return err
		}
		if sats == 0 {
			entity = current
			return nil
		}
		l, ok := current.Liquidations[liquidationID]
		if !ok || l.Status != LiquidationActive {
			return corerr.New(corerr.KindInvariantViolated, "collateral.RecordCollateralSentOut",
				fmt.Errorf("liquidation %s is not active", liquidationID))
		}
		if l.SentTotalSats+sats > l.InitiallyEstimatedSats {
			return corerr.New(corerr.KindInvariantViolated, "collateral.RecordCollateralSentOut",
				fmt.Errorf("sent total would exceed initial estimate"))
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, collateralID.String()))
		if err != nil {
			return err
		}
		txID := fmt.Sprintf("liquidation_send:%s:%d", liquidationID, l.SentTotalSats+sats)
		if err := s.Ledger.Post(ctx, TemplateLiquidationSend, txID, map[string]any{
			"collateral_account_id":   current.CollateralAccountID,
			"in_liquidation_account_id": l.Accounts.InLiquidationAccountID,
			"sats": sats,
		}, s.now()); err != nil {
			return err
		}
		ev := Event{
			Type: "CollateralSentOut",
			CollateralSentOut: &CollateralSentOutPayload{LiquidationID: liquidationID, Sats: sats, TxID: txID},
			RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
			RecordedAt: s.now(),
		}
		entity, err = s.Repo.UpdateInOp(op, collateralID, seq, []Event{ev})
		return err
	})
	return entity, err
}

// RecordProceedsFromLiquidation credits proceeds and completes the
// liquidation. Proceeds cannot be received before any collateral has been
// sent out; completion requires sent_total > 0.
func (s *Service) RecordProceedsFromLiquidation(ctx context.Context, subject audit.Subject, collateralID, liquidationID uuid.UUID, amountUSDMinor int64) (Entity, error) {
	var entity Entity
	err := s.Repo.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		current, seq, err := s.Repo.FindByIDInOp(op, collateralID)
		if err != nil {
			return err
		}
		l, ok := current.Liquidations[liquidationID]
		if !ok || l.Status != LiquidationActive {
			return corerr.New(corerr.KindInvariantViolated, "collateral.RecordProceedsFromLiquidation",
				fmt.Errorf("liquidation %s is not active", liquidationID))
		}
		if l.SentTotalSats == 0 {
			return corerr.New(corerr.KindInvariantViolated, "collateral.RecordProceedsFromLiquidation",
				fmt.Errorf("proceeds cannot be received before collateral has been sent out"))
		}
		auditID, err := s.Enforcer.RecordSystemRead(op, subject, audit.ByID(ObjectKind, collateralID.String()))
		if err != nil {
			return err
		}
		txID := fmt.Sprintf("liquidation_proceeds:%s", liquidationID)
		if err := s.Ledger.Post(ctx, TemplateLiquidationProceeds, txID, map[string]any{
			"proceeds_account_id": l.Accounts.ProceedsAccountID,
			"omnibus_account_id":  l.Accounts.OmnibusAccountID,
			"amount_usd_minor":    amountUSDMinor,
		}, s.now()); err != nil {
			return err
		}
		events := []Event{
			{
				Type: "ProceedsReceivedFromLiquidation",
				ProceedsReceived: &ProceedsReceivedPayload{LiquidationID: liquidationID, AmountUSDMinor: amountUSDMinor, TxID: txID},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			},
			{
				Type: "LiquidationCompleted",
				LiquidationCompleted: &LiquidationCompletedPayload{LiquidationID: liquidationID, At: s.now()},
				RecordedBy: eventsourcing.AuditInfo{AuditEntryID: auditID, SubjectID: subject.ID},
				RecordedAt: s.now(),
			},
		}
		entity, err = s.Repo.UpdateInOp(op, collateralID, seq, events)
		return err
	})
	return entity, err
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}
