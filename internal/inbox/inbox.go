// Package inbox implements the idempotent inbound webhook processing
// contract of spec §4.B: the caller derives an idempotency key from the
// payload, persistence is keyed on that key with a unique constraint, and a
// duplicate delivery is a no-op that reports Complete without re-running the
// handler.
//
// Grounded in services/escrow-gateway/storage.go's idempotency_keys table
// (LookupIdempotency/SaveIdempotency), generalized from a per-API-key cache
// of HTTP responses to a general-purpose "has this key been processed"
// ledger keyed purely on the caller-supplied idempotency key, backed by
// gorm instead of raw database/sql.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/corerr"
)

// Entry is one row of the inbox table: a processed (or in-flight) delivery
// identified by idempotency key.
type Entry struct {
	IdempotencyKey string `gorm:"primaryKey;column:idempotency_key"`
	Source         string `gorm:"primaryKey;column:source"`
	PayloadHash    string `gorm:"column:payload_hash"`
	Payload        []byte `gorm:"column:payload"`
	ProcessedAt    time.Time `gorm:"column:processed_at"`
}

func (Entry) TableName() string { return "inbox_entries" }

// ErrPayloadMismatch is returned when an idempotency key is replayed with a
// different payload than the one originally recorded.
var ErrPayloadMismatch = errors.New("inbox: idempotency key reused with a different payload")

// Outcome reports whether HandleInOp actually ran the handler.
type Outcome int

const (
	// Complete means the delivery was a duplicate; the handler did not run.
	Complete Outcome = iota
	// Processed means this was the first delivery; the handler ran and its
	// derived domain events were committed alongside the inbox entry.
	Processed
)

// Handler performs the side-effecting work for a first-time delivery,
// deriving whatever domain events correspond to the inbound payload. It
// runs inside the same transaction as the inbox entry insert.
type Handler func(op *gorm.DB, payload []byte) error

// Processor dispatches inbound deliveries through the inbox pattern.
type Processor struct {
	DB     *gorm.DB
	Source string

	// limiter throttles Handle against bursty or misbehaving upstream
	// webhook senders. Nil means unthrottled. Set via WithRateLimit,
	// generalizing services/lending/server/wire.go's requestLimiter from a
	// gRPC server interceptor to an inbound-webhook processor.
	limiter *rate.Limiter
}

// NewProcessor constructs a Processor for one inbound source (e.g. "kyc_vendor").
func NewProcessor(db *gorm.DB, source string) *Processor {
	return &Processor{DB: db, Source: source}
}

// WithRateLimit caps Handle to at most perMinute deliveries per minute,
// bursting up to perMinute. A non-positive perMinute leaves the processor
// unthrottled.
func (p *Processor) WithRateLimit(perMinute int) *Processor {
	if perMinute <= 0 {
		p.limiter = nil
		return p
	}
	p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return p
}

// HandleInOp processes payload under idempotencyKey within op. If the key
// was already recorded for this source, it verifies the payload matches and
// returns Complete without invoking handle. Otherwise it runs handle and
// persists the inbox entry atomically with whatever handle does.
func (p *Processor) HandleInOp(op *gorm.DB, idempotencyKey string, payload []byte, handle Handler) (Outcome, error) {
	hash := hashPayload(payload)

	var existing Entry
	err := op.Where("idempotency_key = ? AND source = ?", idempotencyKey, p.Source).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.PayloadHash != hash {
			return Complete, corerr.New(corerr.KindInvariantViolated, "inbox.HandleInOp", ErrPayloadMismatch)
		}
		return Complete, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to first-time processing
	default:
		return Complete, corerr.New(corerr.KindLedgerError, "inbox.HandleInOp", err)
	}

	if err := handle(op, payload); err != nil {
		return Complete, err
	}

	entry := Entry{
		IdempotencyKey: idempotencyKey,
		Source:         p.Source,
		PayloadHash:    hash,
		Payload:        payload,
		ProcessedAt:    time.Now().UTC(),
	}
	if err := op.Create(&entry).Error; err != nil {
		return Complete, corerr.New(corerr.KindLedgerError, "inbox.HandleInOp", err)
	}
	return Processed, nil
}

// Handle runs HandleInOp in its own transaction against the Processor's DB.
func (p *Processor) Handle(ctx context.Context, idempotencyKey string, payload []byte, handle Handler) (Outcome, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Complete, corerr.New(corerr.KindTransportError, "inbox.Handle", err)
		}
	}
	var outcome Outcome
	err := p.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		var err error
		outcome, err = p.HandleInOp(op, idempotencyKey, payload, handle)
		return err
	})
	return outcome, err
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DeriveKey builds an idempotency key from a structured payload when the
// source does not supply one of its own, hashing its canonical JSON form.
func DeriveKey(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", corerr.New(corerr.KindInvariantViolated, "inbox.DeriveKey", err)
	}
	return hashPayload(body), nil
}
