// Package jobs implements the persistent job scheduler of spec §4.H: a
// job_executions table carrying (state, attempt_index, reschedule_after),
// driven by a poller that claims pending rows under FOR UPDATE, a
// keep-alive sweep that reclaims crashed owners, a LISTEN/NOTIFY-woken
// listener, and a runner pool that dispatches claimed rows to registered
// job-type handlers.
//
// Grounded in services/payoutd/processor.go's functional-options
// constructor, otel tracer, and mutex-guarded in-memory bookkeeping
// (Processor.processed), adapted from a single payout-intent processor to
// a general claim/run/reschedule loop over a database-backed queue instead
// of an in-memory map.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/creditcore/corebank/internal/corerr"
	"github.com/creditcore/corebank/observability"
)

// State is a job_executions row's lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
)

// Execution is one row of the job_executions table.
type Execution struct {
	ID              string    `gorm:"primaryKey;column:id"`
	JobType         string    `gorm:"column:job_type"`
	UniqueKey       string    `gorm:"column:unique_key"` // optional, enforces per-job-type uniqueness
	Payload         []byte    `gorm:"column:payload"`
	State           State     `gorm:"column:state"`
	AttemptIndex    int       `gorm:"column:attempt_index"`
	RescheduleAfter time.Time `gorm:"column:reschedule_after"`
	OwnerID         string    `gorm:"column:owner_id"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (Execution) TableName() string { return "job_executions" }

// CompletionKind is the tagged variant of what a Runner decides after
// handling a claimed execution.
type CompletionKind string

const (
	Complete        CompletionKind = "complete"
	RescheduleNow   CompletionKind = "reschedule_now"
	RescheduleIn    CompletionKind = "reschedule_in"
	RescheduleAt    CompletionKind = "reschedule_at"
)

// Completion is the result a Runner returns for a claimed execution.
type Completion struct {
	Kind  CompletionKind
	After time.Duration // used by RescheduleIn
	At    time.Time     // used by RescheduleAt
}

// CompleteJob signals the execution is done; its row is deleted.
func CompleteJob() Completion { return Completion{Kind: Complete} }

// RescheduleJobNow reschedules the job to be claimed again immediately.
func RescheduleJobNow() Completion { return Completion{Kind: RescheduleNow} }

// RescheduleJobIn reschedules the job after d.
func RescheduleJobIn(d time.Duration) Completion { return Completion{Kind: RescheduleIn, After: d} }

// RescheduleJobAt reschedules the job at t.
func RescheduleJobAt(t time.Time) Completion { return Completion{Kind: RescheduleAt, At: t} }

// RetryPolicy governs how a Runner error is handled.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultBackoff doubles from 1s, capped at 5 minutes.
func DefaultBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 5*time.Minute || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Runner executes one job_type's work for a claimed execution.
type Runner func(ctx context.Context, exec Execution) (Completion, error)

// jobType bundles a Runner with its retry policy.
type jobType struct {
	runner Runner
	retry  RetryPolicy
}

// SchedulerOption customizes a Scheduler instance.
type SchedulerOption func(*Scheduler)

// WithMinConcurrency sets the poller's low-water mark.
func WithMinConcurrency(n int) SchedulerOption { return func(s *Scheduler) { s.minConcurrency = n } }

// WithMaxConcurrency sets the poller's claim ceiling.
func WithMaxConcurrency(n int) SchedulerOption { return func(s *Scheduler) { s.maxConcurrency = n } }

// WithPollInterval sets the poller's wake cadence absent a NOTIFY.
func WithPollInterval(d time.Duration) SchedulerOption { return func(s *Scheduler) { s.pollInterval = d } }

// WithKeepAliveInterval sets the keep-alive sweep cadence.
func WithKeepAliveInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.keepAliveInterval = d }
}

// WithOwnerID overrides the generated owner id (useful in tests).
func WithOwnerID(id string) SchedulerOption { return func(s *Scheduler) { s.ownerID = id } }

// Scheduler implements §4.H's keep-alive/poller/listener/runner pool.
type Scheduler struct {
	DB *gorm.DB

	ownerID           string
	minConcurrency    int
	maxConcurrency    int
	pollInterval      time.Duration
	keepAliveInterval time.Duration
	tracer            trace.Tracer

	mu        sync.Mutex
	jobTypes  map[string]jobType
	running   int
}

// NewScheduler constructs a Scheduler bound to db with sane defaults,
// mirroring payoutd.NewProcessor's option-application pattern.
func NewScheduler(db *gorm.DB, ownerID string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		DB:                db,
		ownerID:           ownerID,
		minConcurrency:    1,
		maxConcurrency:    8,
		pollInterval:      2 * time.Second,
		keepAliveInterval: 10 * time.Second,
		tracer:            otel.Tracer("jobs/scheduler"),
		jobTypes:          make(map[string]jobType),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a Runner and retry policy to a job type name.
func (s *Scheduler) Register(name string, runner Runner, retry RetryPolicy) {
	if retry.Backoff == nil {
		retry.Backoff = DefaultBackoff
	}
	s.jobTypes[name] = jobType{runner: runner, retry: retry}
}

// Enqueue inserts a new pending execution, optionally within op (so callers
// can enqueue atomically alongside the domain write that triggered it).
// uniqueKey, if non-empty, is enforced unique per job_type by the schema
// (a partial unique index on (job_type, unique_key) that cmd/creditcored's
// bootstrapSchema creates); Enqueue itself does
// not serialize jobs of the same type beyond that constraint, per §4.H's
// "Ordering" rule.
func (s *Scheduler) Enqueue(op *gorm.DB, id, jobTypeName, uniqueKey string, payload []byte, runAt time.Time) error {
	if op == nil {
		op = s.DB
	}
	exec := Execution{
		ID: id, JobType: jobTypeName, UniqueKey: uniqueKey, Payload: payload,
		State: StatePending, AttemptIndex: 0, RescheduleAfter: runAt, CreatedAt: time.Now().UTC(),
	}
	if err := op.Create(&exec).Error; err != nil {
		return corerr.New(corerr.KindJobExecutionError, "jobs.Enqueue", err)
	}
	return nil
}

// RunKeepAlive extends reschedule_after for this owner's running jobs by
// 4*keepAliveInterval, then reclaims rows owned by anyone whose
// reschedule_after has fallen below now+2*keepAliveInterval back to
// pending with attempt_index incremented (owner crash detection).
func (s *Scheduler) RunKeepAlive(ctx context.Context) error {
	now := time.Now().UTC()
	extension := 4 * s.keepAliveInterval
	if err := s.DB.WithContext(ctx).Model(&Execution{}).
		Where("state = ? AND owner_id = ?", StateRunning, s.ownerID).
		Update("reschedule_after", now.Add(extension)).Error; err != nil {
		return corerr.New(corerr.KindJobExecutionError, "jobs.RunKeepAlive", err)
	}

	reclaimThreshold := now.Add(2 * s.keepAliveInterval)
	result := s.DB.WithContext(ctx).Model(&Execution{}).
		Where("state = ? AND reschedule_after < ?", StateRunning, reclaimThreshold).
		Updates(map[string]any{
			"state":            StatePending,
			"attempt_index":    gorm.Expr("attempt_index + 1"),
			"reschedule_after": now,
			"owner_id":         "",
		})
	if result.Error != nil {
		return corerr.New(corerr.KindJobExecutionError, "jobs.RunKeepAlive", result.Error)
	}
	if result.RowsAffected > 0 {
		observability.Jobs().RecordReclaim()
	}
	return nil
}

// Poll claims up to maxConcurrency-running pending, due rows for this
// owner and dispatches each to its job type's Runner.
func (s *Scheduler) Poll(ctx context.Context) (claimed int, err error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running > s.minConcurrency {
		return 0, nil
	}
	capacity := s.maxConcurrency - running
	if capacity <= 0 {
		return 0, nil
	}

	var execs []Execution
	err = s.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		now := time.Now().UTC()
		if err := op.Clauses(lockingClause()).Where("state = ? AND reschedule_after < ?", StatePending, now).
			Order("reschedule_after asc").
			Limit(capacity).
			Find(&execs).Error; err != nil {
			return err
		}
		if len(execs) == 0 {
			return nil
		}
		ids := make([]string, 0, len(execs))
		for _, e := range execs {
			ids = append(ids, e.ID)
		}
		return op.Model(&Execution{}).Where("id IN ?", ids).
			Updates(map[string]any{"state": StateRunning, "owner_id": s.ownerID}).Error
	})
	if err != nil {
		return 0, corerr.New(corerr.KindJobExecutionError, "jobs.Poll", err)
	}

	s.mu.Lock()
	s.running += len(execs)
	s.mu.Unlock()
	observability.Jobs().SetRunning(s.running)

	for _, exec := range execs {
		observability.Jobs().RecordClaim(exec.JobType)
		go s.run(ctx, exec)
	}
	return len(execs), nil
}

func (s *Scheduler) run(ctx context.Context, exec Execution) {
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		observability.Jobs().SetRunning(s.running)
	}()

	ctx, span := s.tracer.Start(ctx, "jobs.run")
	span.SetAttributes(attribute.String("job_type", exec.JobType), attribute.String("job_id", exec.ID))
	defer span.End()

	jt, ok := s.jobTypes[exec.JobType]
	if !ok {
		span.SetStatus(codes.Error, "unknown job type")
		slog.Error("jobs: unknown job type", "job_type", exec.JobType, "job_id", exec.ID)
		return
	}

	completion, err := jt.runner(ctx, exec)
	if err != nil {
		span.RecordError(err)
		s.handleRunnerError(ctx, exec, jt, err)
		return
	}
	if applyErr := s.applyCompletion(ctx, exec, completion); applyErr != nil {
		span.RecordError(applyErr)
		slog.Error("jobs: failed to apply completion", "job_id", exec.ID, "error", applyErr)
	}
}

func (s *Scheduler) handleRunnerError(ctx context.Context, exec Execution, jt jobType, runErr error) {
	nextAttempt := exec.AttemptIndex + 1
	if jt.retry.MaxAttempts > 0 && nextAttempt >= jt.retry.MaxAttempts {
		if err := s.delete(ctx, exec.ID); err != nil {
			slog.Error("jobs: failed to delete exhausted job", "job_id", exec.ID, "error", err)
		}
		observability.Jobs().RecordCompletion(exec.JobType, "exhausted")
		return
	}
	backoff := jt.retry.Backoff(nextAttempt)
	err := s.DB.WithContext(ctx).Model(&Execution{}).Where("id = ?", exec.ID).
		Updates(map[string]any{
			"state":            StatePending,
			"attempt_index":    nextAttempt,
			"reschedule_after": time.Now().UTC().Add(backoff),
			"owner_id":         "",
		}).Error
	if err != nil {
		slog.Error("jobs: failed to reschedule after error", "job_id", exec.ID, "error", err)
		return
	}
	observability.Jobs().RecordReschedule(exec.JobType)
	slog.Warn("jobs: runner error, rescheduled", "job_id", exec.ID, "job_type", exec.JobType, "attempt", nextAttempt, "error", runErr)
}

func (s *Scheduler) applyCompletion(ctx context.Context, exec Execution, completion Completion) error {
	switch completion.Kind {
	case Complete:
		observability.Jobs().RecordCompletion(exec.JobType, "complete")
		return s.delete(ctx, exec.ID)
	case RescheduleNow:
		return s.reschedule(ctx, exec.ID, time.Now().UTC())
	case RescheduleIn:
		return s.reschedule(ctx, exec.ID, time.Now().UTC().Add(completion.After))
	case RescheduleAt:
		return s.reschedule(ctx, exec.ID, completion.At)
	default:
		return fmt.Errorf("jobs: unknown completion kind %q", completion.Kind)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, id string, at time.Time) error {
	err := s.DB.WithContext(ctx).Model(&Execution{}).Where("id = ?", id).
		Updates(map[string]any{"state": StatePending, "attempt_index": 1, "reschedule_after": at, "owner_id": ""}).Error
	if err != nil {
		return corerr.New(corerr.KindJobExecutionError, "jobs.reschedule", err)
	}
	return nil
}

func (s *Scheduler) delete(ctx context.Context, id string) error {
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Delete(&Execution{}).Error; err != nil {
		return corerr.New(corerr.KindJobExecutionError, "jobs.delete", err)
	}
	return nil
}

// Run drives the poller and keep-alive sweep on their own tickers until ctx
// is cancelled, waking early whenever notify fires (fed by a Listener).
func (s *Scheduler) Run(ctx context.Context, notify <-chan struct{}) {
	pollTicker := time.NewTicker(s.pollInterval)
	keepAliveTicker := time.NewTicker(s.keepAliveInterval)
	defer pollTicker.Stop()
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if _, err := s.Poll(ctx); err != nil {
				slog.Error("jobs: poll failed", "error", err)
			}
		case <-keepAliveTicker.C:
			if err := s.RunKeepAlive(ctx); err != nil {
				slog.Error("jobs: keep-alive failed", "error", err)
			}
		case <-notify:
			if _, err := s.Poll(ctx); err != nil {
				slog.Error("jobs: poll failed", "error", err)
			}
		}
	}
}

// lockingClause returns the FOR UPDATE clause used to serialize claims
// across processes contending for the same pending rows.
func lockingClause() clause.Expression {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}
