// Package eventsourcing implements the event-sourced entity runtime
// described in spec §4.A: each entity type is an append-only event log plus
// a derived rollup row, folded purely from any prefix of its events and
// persisted transactionally alongside its rollup projection.
//
// The shape is grounded in native/lending's engine/state split (a pure
// transition function driven by an injected state port) generalized from a
// single mutable account row to a full event log, and in
// services/escrow-gateway/storage.go's events/event_cursors tables
// generalized from one shared table to one table per aggregate type with a
// gorm-backed store instead of raw database/sql.
package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditcore/corebank/internal/corerr"
)

// AuditInfo is embedded in every persisted domain event, carrying the audit
// entry id of the permission decision that authorized the mutation (§4.C).
type AuditInfo struct {
	AuditEntryID int64  `json:"audit_entry_id"`
	SubjectID    string `json:"subject_id"`
}

// EventRow is the append-only row persisted for one event of one aggregate.
type EventRow struct {
	AggregateID uuid.UUID `gorm:"type:uuid;primaryKey;column:id"`
	Seq         int       `gorm:"primaryKey;column:seq"`
	EventType   string    `gorm:"column:event_type"`
	EventJSON   []byte    `gorm:"column:event_json"`
	RecordedAt  time.Time `gorm:"column:recorded_at"`
}

// Idempotent is the Executed(T) | AlreadyApplied sum type operations return
// per §4.A so callers can distinguish a real mutation from a detected no-op.
type Idempotent[T any] struct {
	executed bool
	value    T
}

// Executed wraps a value produced by a mutation that actually applied.
func Executed[T any](v T) Idempotent[T] { return Idempotent[T]{executed: true, value: v} }

// AlreadyApplied reports that the requested mutation was a no-op.
func AlreadyApplied[T any]() Idempotent[T] { return Idempotent[T]{} }

// IsExecuted reports whether the operation produced new state.
func (i Idempotent[T]) IsExecuted() bool { return i.executed }

// Value returns the produced value; valid only when IsExecuted is true.
func (i Idempotent[T]) Value() T { return i.value }

// Aggregate is embedded by every entity's in-memory representation. It
// tracks the last-persisted sequence (for optimistic concurrency) and the
// events staged since load, mirroring the "nested" arena style described in
// spec §9: children are staged on the parent and flushed together.
type Aggregate[EV any] struct {
	ID      uuid.UUID
	Seq     int
	pending []EV
}

// Stage appends an event to the in-memory pending list without persisting it.
func (a *Aggregate[EV]) Stage(ev EV) {
	a.pending = append(a.pending, ev)
}

// Pending returns the events staged since the last persist.
func (a *Aggregate[EV]) Pending() []EV {
	return a.pending
}

// ClearPending empties the staged-event list after a successful persist.
func (a *Aggregate[EV]) ClearPending() {
	a.pending = nil
}

// Codec marshals/unmarshals the tagged-union Event type to/from JSON, and
// reports the fold function used to rebuild an Entity from its event prefix.
type Codec[EV any, ENT any] struct {
	// EventType extracts the discriminator tag used for the event_type column.
	EventType func(EV) string
	// NewID mints a fresh aggregate identity for Create.
	NewID func() uuid.UUID
	// Fold rebuilds the entity from an ordered, complete event prefix.
	Fold func(id uuid.UUID, events []EV) ENT
	// RollupColumns projects the folded entity onto rollup table columns for
	// an upsert. Returned as a map so each aggregate can define its own
	// rollup schema without the runtime needing to know it.
	RollupColumns func(ENT) map[string]any
}

// PublishFunc is invoked with exactly the events just persisted in the same
// transaction, giving the outbox publisher (§4.B) a chance to enqueue
// entries before commit.
type PublishFunc[EV any] func(op *gorm.DB, aggregateID uuid.UUID, events []EV) error

// Repository implements the create/find/update contract of §4.A for one
// aggregate type. RollupTable must already exist with an `id` primary key
// column plus whatever columns RollupColumns projects.
type Repository[EV any, ENT any] struct {
	DB          *gorm.DB
	EventsTable string
	RollupTable string
	Codec       Codec[EV, ENT]
	Publish     PublishFunc[EV]
}

// CreateInOp appends the initial events for a brand new aggregate and
// upserts its rollup row, atomically within the caller-supplied transaction.
func (r *Repository[EV, ENT]) CreateInOp(op *gorm.DB, events []EV) (uuid.UUID, ENT, error) {
	var zero ENT
	if len(events) == 0 {
		return uuid.Nil, zero, corerr.New(corerr.KindInvariantViolated, "eventsourcing.CreateInOp",
			fmt.Errorf("at least one initial event is required"))
	}
	id := r.Codec.NewID()
	rows, err := r.encode(id, 1, events)
	if err != nil {
		return uuid.Nil, zero, err
	}
	if err := op.Table(r.EventsTable).Create(&rows).Error; err != nil {
		return uuid.Nil, zero, corerr.New(corerr.KindLedgerError, "eventsourcing.CreateInOp", err)
	}
	entity := r.Codec.Fold(id, events)
	if err := r.upsertRollup(op, id, entity); err != nil {
		return uuid.Nil, zero, err
	}
	if r.Publish != nil {
		if err := r.Publish(op, id, events); err != nil {
			return uuid.Nil, zero, err
		}
	}
	return id, entity, nil
}

// FindByIDInOp loads and folds the full event stream for id within op.
func (r *Repository[EV, ENT]) FindByIDInOp(op *gorm.DB, id uuid.UUID) (ENT, int, error) {
	var zero ENT
	var rows []EventRow
	if err := op.Table(r.EventsTable).Where("id = ?", id).Order("seq asc").Find(&rows).Error; err != nil {
		return zero, 0, corerr.New(corerr.KindLedgerError, "eventsourcing.FindByIDInOp", err)
	}
	if len(rows) == 0 {
		return zero, 0, corerr.NotFound("eventsourcing.FindByIDInOp", r.EventsTable, id.String())
	}
	events, err := r.decode(rows)
	if err != nil {
		return zero, 0, err
	}
	entity := r.Codec.Fold(id, events)
	return entity, rows[len(rows)-1].Seq, nil
}

// FindByID loads outside of any caller-managed transaction.
func (r *Repository[EV, ENT]) FindByID(ctx context.Context, id uuid.UUID) (ENT, int, error) {
	return r.FindByIDInOp(r.DB.WithContext(ctx), id)
}

// QueryIDs returns aggregate ids from the rollup table matching a SQL
// predicate, for batch job runners that enumerate aggregates by projected
// state (e.g. "status = 'active'") rather than by individual id.
func (r *Repository[EV, ENT]) QueryIDs(ctx context.Context, where string, args ...any) ([]uuid.UUID, error) {
	var raw []string
	if err := r.DB.WithContext(ctx).Table(r.RollupTable).Where(where, args...).Pluck("id", &raw).Error; err != nil {
		return nil, corerr.New(corerr.KindLedgerError, "eventsourcing.QueryIDs", err)
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, corerr.New(corerr.KindInvariantViolated, "eventsourcing.QueryIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpdateInOp appends newEvents (staged since load at expectedSeq) and
// refreshes the rollup row. It fails with ConcurrentModification if another
// writer has advanced the aggregate's sequence since the caller's load.
func (r *Repository[EV, ENT]) UpdateInOp(op *gorm.DB, id uuid.UUID, expectedSeq int, newEvents []EV) (ENT, error) {
	var zero ENT
	if len(newEvents) == 0 {
		// Nothing staged: treat as a no-op reload rather than an error so
		// idempotent command handlers can call UpdateInOp unconditionally.
		entity, _, err := r.FindByIDInOp(op, id)
		return entity, err
	}

	var currentMax int
	row := op.Table(r.EventsTable).Select("COALESCE(MAX(seq), 0)").Where("id = ?", id).Row()
	if err := row.Scan(&currentMax); err != nil {
		return zero, corerr.New(corerr.KindLedgerError, "eventsourcing.UpdateInOp", err)
	}
	if currentMax != expectedSeq {
		return zero, corerr.ConcurrentModification("eventsourcing.UpdateInOp", id.String(), expectedSeq, currentMax)
	}

	rows, err := r.encode(id, expectedSeq+1, newEvents)
	if err != nil {
		return zero, err
	}
	if err := op.Table(r.EventsTable).Create(&rows).Error; err != nil {
		return zero, corerr.New(corerr.KindLedgerError, "eventsourcing.UpdateInOp", err)
	}

	entity, _, err := r.FindByIDInOp(op, id)
	if err != nil {
		return zero, err
	}
	if err := r.upsertRollup(op, id, entity); err != nil {
		return zero, err
	}
	if r.Publish != nil {
		if err := r.Publish(op, id, newEvents); err != nil {
			return zero, err
		}
	}
	return entity, nil
}

func (r *Repository[EV, ENT]) encode(id uuid.UUID, startSeq int, events []EV) ([]EventRow, error) {
	rows := make([]EventRow, 0, len(events))
	now := time.Now().UTC()
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, corerr.New(corerr.KindInvariantViolated, "eventsourcing.encode", err)
		}
		rows = append(rows, EventRow{
			AggregateID: id,
			Seq:         startSeq + i,
			EventType:   r.Codec.EventType(ev),
			EventJSON:   payload,
			RecordedAt:  now,
		})
	}
	return rows, nil
}

func (r *Repository[EV, ENT]) decode(rows []EventRow) ([]EV, error) {
	events := make([]EV, 0, len(rows))
	for _, row := range rows {
		var ev EV
		if err := json.Unmarshal(row.EventJSON, &ev); err != nil {
			return nil, corerr.New(corerr.KindInvariantViolated, "eventsourcing.decode", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// upsertRollup writes the rollup row for id within the same transaction as
// the event append, using an ON CONFLICT upsert since every aggregate
// defines its own rollup column set via Codec.RollupColumns.
func (r *Repository[EV, ENT]) upsertRollup(op *gorm.DB, id uuid.UUID, entity ENT) error {
	cols := r.Codec.RollupColumns(entity)
	cols["id"] = id
	err := op.Table(r.RollupTable).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(cols).Error
	if err != nil {
		return corerr.New(corerr.KindLedgerError, "eventsourcing.upsertRollup", err)
	}
	return nil
}
