// Package timeevents implements the daily-closing broadcaster of spec
// §4.I: a single long-lived task that publishes an ephemeral DailyClosing
// event at a configured (closing_time, timezone), retrying on failure per
// the spec's 30s/60s backoff rules.
//
// Grounded in services/payoutd/processor.go's injected clock
// (WithClock option) and the confirmation-polling loop style (a ticking
// goroutine with a wait interval), adapted from polling a transfer's
// on-chain confirmation to computing and sleeping until the next local
// closing instant.
package timeevents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/clock"
	"github.com/creditcore/corebank/internal/outbox"
)

const outboxEventType = "DailyClosing"

// DailyClosingPayload is the ephemeral event body published at closing time.
type DailyClosingPayload struct {
	Date string `json:"date"` // local-timezone date, YYYY-MM-DD
}

// Broadcaster owns the single daily-closing task.
type Broadcaster struct {
	DB          *gorm.DB
	Publisher   *outbox.Publisher
	ClosingTime string // "HH:MM", local to Location
	Location    *time.Location
	Clock       *clock.Handle
}

// NewBroadcaster constructs a Broadcaster from the configured closing time
// and IANA timezone name.
func NewBroadcaster(db *gorm.DB, pub *outbox.Publisher, closingTime, timezone string) (*Broadcaster, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("timeevents: invalid timezone %q: %w", timezone, err)
	}
	return &Broadcaster{DB: db, Publisher: pub, ClosingTime: closingTime, Location: loc}, nil
}

// nextClosing computes the next closing moment strictly after now: today's
// configured time in Location if that instant is still in the future,
// else tomorrow's.
func (b *Broadcaster) nextClosing(now time.Time) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(b.ClosingTime, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("timeevents: invalid closing time %q: %w", b.ClosingTime, err)
	}
	localNow := now.In(b.Location)
	candidate := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), hour, minute, 0, 0, b.Location)
	if !candidate.After(localNow) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// Run drives the broadcaster until ctx is cancelled: it sleeps until the
// next closing instant, publishes DailyClosing, then computes the
// following instant. Publish failures retry after 30s; clock/parse errors
// (which should never recur once this process's config is valid) wait 60s.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		next, err := b.nextClosing(b.now())
		if err != nil {
			slog.Error("timeevents: failed to compute next closing", "error", err)
			if !sleepOrDone(ctx, 60*time.Second) {
				return
			}
			continue
		}

		if !sleepUntil(ctx, b.now(), next) {
			return
		}

		if err := b.publish(ctx, next); err != nil {
			slog.Error("timeevents: failed to publish daily closing", "error", err)
			if !sleepOrDone(ctx, 30*time.Second) {
				return
			}
			continue
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, closingInstant time.Time) error {
	payload := DailyClosingPayload{Date: closingInstant.In(b.Location).Format("2006-01-02")}
	return b.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		return b.Publisher.PublishInOp(op, outboxEventType, payload)
	})
}

func (b *Broadcaster) now() time.Time {
	if b.Clock != nil {
		return b.Clock.Now()
	}
	return time.Now().UTC()
}

func sleepUntil(ctx context.Context, now, target time.Time) bool {
	d := target.Sub(now)
	if d < 0 {
		d = 0
	}
	return sleepOrDone(ctx, d)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
