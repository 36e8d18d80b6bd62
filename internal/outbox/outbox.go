// Package outbox implements the durable, ordered, at-least-once event
// dispatch contract of spec §4.B: domain events are inserted into an
// outbox_events table in the same transaction as the aggregate write that
// produced them, and long-lived subscribers consume them in commit order by
// tracking a per-channel high-water sequence.
//
// The shape is grounded in services/escrow-gateway/storage.go's events and
// event_cursors tables (StoredEvent/InsertEvent/LastEventSequence/
// UpdateEventSequence), generalized from one shared sequence keyed by a
// single cursor name to a named channel with one cursor row per
// (job_type, subscriber) pair, and persisted through gorm instead of raw
// database/sql.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditcore/corebank/internal/corerr"
	"github.com/creditcore/corebank/observability"
)

// Event is one durable row in the outbox_events table.
type Event struct {
	Sequence  int64     `gorm:"primaryKey;autoIncrement;column:sequence"`
	EventType string    `gorm:"column:event_type"`
	Payload   []byte    `gorm:"column:payload"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Event) TableName() string { return "outbox_events" }

// Cursor tracks a subscriber's high-water mark: the sequence through which
// it has successfully handled every event.
type Cursor struct {
	JobType    string `gorm:"primaryKey;column:job_type"`
	Subscriber string `gorm:"primaryKey;column:subscriber"`
	Sequence   int64  `gorm:"column:sequence"`
}

func (Cursor) TableName() string { return "outbox_cursors" }

// Publisher appends events to the outbox within a caller-managed
// transaction. Non-critical publication failures are logged by the caller
// but must never fail the enclosing commit per §5's propagation policy;
// Publisher itself only reports the error and leaves that choice to callers.
type Publisher struct {
	DB *gorm.DB
}

// NewPublisher constructs a Publisher bound to db.
func NewPublisher(db *gorm.DB) *Publisher {
	return &Publisher{DB: db}
}

// PublishInOp serializes and appends events to the outbox inside op, the
// same transaction as the domain mutation that produced them.
func (p *Publisher) PublishInOp(op *gorm.DB, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return corerr.New(corerr.KindInvariantViolated, "outbox.PublishInOp", err)
	}
	row := Event{EventType: eventType, Payload: body, CreatedAt: time.Now().UTC()}
	if err := op.Create(&row).Error; err != nil {
		return corerr.New(corerr.KindLedgerError, "outbox.PublishInOp", err)
	}
	if p.DB != nil {
		p.DB.Exec("NOTIFY outbox_events")
	}
	return nil
}

// Handler processes one outbox event. Returning an error leaves the
// subscriber's cursor unchanged so the event is retried on the next poll.
type Handler func(ctx context.Context, ev Event) error

// Subscriber is a long-lived, idempotent consumer of one channel of the
// outbox, identified by (jobType, name) per §4.B.
type Subscriber struct {
	DB        *gorm.DB
	JobType   string
	Name      string
	Handle    Handler
	BatchSize int

	// limiter throttles delivery to downstream handlers that front a rate
	// sensitive integration (webhook relays, vendor APIs). Nil means
	// unthrottled, matching the prior behavior. Set via WithRateLimit,
	// generalizing services/lending/server/wire.go's requestLimiter from a
	// gRPC interceptor guarding inbound calls to an outbox consumer
	// throttling outbound delivery.
	limiter *rate.Limiter
}

// NewSubscriber constructs a Subscriber with a sane default batch size.
func NewSubscriber(db *gorm.DB, jobType, name string, handle Handler) *Subscriber {
	return &Subscriber{DB: db, JobType: jobType, Name: name, Handle: handle, BatchSize: 100}
}

// WithRateLimit caps delivery to at most perMinute events per minute,
// bursting up to perMinute. A non-positive perMinute leaves the subscriber
// unthrottled.
func (s *Subscriber) WithRateLimit(perMinute int) *Subscriber {
	if perMinute <= 0 {
		s.limiter = nil
		return s
	}
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return s
}

// Poll loads events after the subscriber's high-water mark, applies Handle
// to each in order, and advances the cursor after every successful
// delivery. It stops at the first failure so later events are retried only
// after the earlier one succeeds, preserving in-order delivery.
func (s *Subscriber) Poll(ctx context.Context) (delivered int, err error) {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	cursor, err := s.loadOrCreateCursor(ctx)
	if err != nil {
		return 0, err
	}

	var events []Event
	if err := s.DB.WithContext(ctx).
		Where("sequence > ?", cursor.Sequence).
		Order("sequence asc").
		Limit(batchSize).
		Find(&events).Error; err != nil {
		return 0, corerr.New(corerr.KindLedgerError, "outbox.Poll", err)
	}

	for _, ev := range events {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return delivered, corerr.New(corerr.KindTransportError, "outbox.Poll", err)
			}
		}
		if err := s.Handle(ctx, ev); err != nil {
			return delivered, err
		}
		if err := s.advanceCursor(ctx, ev.Sequence); err != nil {
			return delivered, err
		}
		observability.Events().RecordDelivery(ev.EventType, s.Name)
		delivered++
	}

	if latest, err := s.latestSequence(ctx); err == nil {
		observability.Events().RecordLag(s.Name, latest-cursor.Sequence-int64(delivered))
	}
	return delivered, nil
}

func (s *Subscriber) loadOrCreateCursor(ctx context.Context) (Cursor, error) {
	var cursor Cursor
	err := s.DB.WithContext(ctx).Where("job_type = ? AND subscriber = ?", s.JobType, s.Name).
		First(&cursor).Error
	if err == nil {
		return cursor, nil
	}
	cursor = Cursor{JobType: s.JobType, Subscriber: s.Name, Sequence: 0}
	if createErr := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cursor).Error; createErr != nil {
		return Cursor{}, corerr.New(corerr.KindLedgerError, "outbox.loadOrCreateCursor", createErr)
	}
	return cursor, nil
}

func (s *Subscriber) advanceCursor(ctx context.Context, sequence int64) error {
	err := s.DB.WithContext(ctx).Model(&Cursor{}).
		Where("job_type = ? AND subscriber = ?", s.JobType, s.Name).
		Update("sequence", sequence).Error
	if err != nil {
		return corerr.New(corerr.KindLedgerError, "outbox.advanceCursor", err)
	}
	return nil
}

func (s *Subscriber) latestSequence(ctx context.Context) (int64, error) {
	var latest int64
	row := s.DB.WithContext(ctx).Model(&Event{}).Select("COALESCE(MAX(sequence), 0)").Row()
	if err := row.Scan(&latest); err != nil {
		return 0, err
	}
	return latest, nil
}
