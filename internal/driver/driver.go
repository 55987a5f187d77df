package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/syncq/internal/conflict"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/model"
)

// Queue is the part of the engine a driver uses. Outcomes are reported
// against the claim token ProcessNext hands out, so a driver whose lease ran
// out cannot overwrite or release a newer claim.
type Queue interface {
	RetryFailedOperations(ctx context.Context) (int, error)
	ProcessNext(ctx context.Context) (*model.SyncOperation, error)
	Settle(ctx context.Context, token string, s engine.Settlement) error
	Release(token string) bool
	ClearCompleted(ctx context.Context) (int, error)
	Flush(ctx context.Context) error
}

// Outcome labels what happened to one claimed operation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAccepted  Outcome = "accepted_server"
	OutcomeResolved  Outcome = "resolved"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDeferred  Outcome = "deferred"

	// OutcomeSuperseded means the claim ended before the outcome was
	// recorded, usually because its lease expired; the outcome was dropped.
	OutcomeSuperseded Outcome = "superseded"
)

// Observer is told about every outcome. metrics.Collector implements it.
type Observer interface {
	RecordOutcome(outcome string, dataType model.DataType)
	RecordDrain(d time.Duration, err error)
}

// Report summarizes one drain.
type Report struct {
	Requeued      int           `json:"requeued"`
	Claimed       int           `json:"claimed"`
	Completed     int           `json:"completed"`
	Accepted      int           `json:"accepted_server"`
	Resolved      int           `json:"resolved"`
	Conflicts     int           `json:"conflicts"`
	Failed        int           `json:"failed"`
	Rejected      int           `json:"rejected"`
	Deferred      int           `json:"deferred"`
	Superseded    int           `json:"superseded"`
	Cleared       int           `json:"cleared"`
	PersistErrors int           `json:"persist_errors"`
	Duration      time.Duration `json:"duration"`
}

func (r *Report) count(o Outcome) {
	switch o {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeAccepted:
		r.Accepted++
	case OutcomeResolved:
		r.Resolved++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRejected:
		r.Rejected++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeSuperseded:
		r.Superseded++
	}
}

// Driver drains a Queue through a Mutator.
type Driver struct {
	queue          Queue
	mutator        Mutator
	classifier     *conflict.Classifier
	logger         *slog.Logger
	observer       Observer
	clearCompleted bool
	maxBatch       int

	running atomic.Bool

	mu sync.Mutex
	// resolvedBy remembers operations requeued with a resolved payload in
	// this process, so the replay is forced and a repeat conflict is final.
	resolvedBy map[string]conflict.Strategy
}

// Option configures a Driver.
type Option func(*Driver)

// WithClassifier sets the conflict classifier. Defaults to DefaultPolicy.
func WithClassifier(c *conflict.Classifier) Option {
	return func(d *Driver) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// WithClearCompleted removes completed operations at the end of each drain.
func WithClearCompleted(on bool) Option {
	return func(d *Driver) { d.clearCompleted = on }
}

// WithMaxBatch caps the operations claimed per drain. Zero means no cap.
func WithMaxBatch(n int) Option {
	return func(d *Driver) { d.maxBatch = n }
}

// New creates a Driver.
func New(q Queue, m Mutator, opts ...Option) *Driver {
	d := &Driver{
		queue:      q,
		mutator:    m,
		classifier: conflict.NewClassifier(conflict.DefaultPolicy()),
		logger:     slog.Default(),
		resolvedBy: make(map[string]conflict.Strategy),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drain requeues retryable failures and replays pending operations until
// the queue is empty, the backend becomes unavailable, or ctx is done.
//
// Persistence errors from the engine are counted but do not stop the
// drain; a final Flush is attempted when any occurred.
func (d *Driver) Drain(ctx context.Context) (report Report, err error) {
	if !d.running.CompareAndSwap(false, true) {
		return Report{}, ErrBusy
	}
	defer d.running.Store(false)

	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		if d.observer != nil {
			d.observer.RecordDrain(report.Duration, err)
		}
	}()

	requeued, err := d.queue.RetryFailedOperations(ctx)
	if err = d.absorb(&report, err); err != nil {
		return report, err
	}
	report.Requeued = requeued

	for d.maxBatch <= 0 || report.Claimed < d.maxBatch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		op, err := d.queue.ProcessNext(ctx)
		if err = d.absorb(&report, err); err != nil {
			return report, err
		}
		if op == nil {
			break
		}
		report.Claimed++

		outcome := d.process(ctx, *op, &report)
		report.count(outcome)
		if d.observer != nil {
			d.observer.RecordOutcome(string(outcome), op.DataType)
		}
		if outcome == OutcomeDeferred {
			break
		}
	}

	if d.clearCompleted {
		cleared, err := d.queue.ClearCompleted(ctx)
		if err = d.absorb(&report, err); err != nil {
			return report, err
		}
		report.Cleared = cleared
	}

	if report.PersistErrors > 0 {
		if err := d.queue.Flush(ctx); err != nil {
			d.logger.Error("queue still not persisted after drain", "error", err)
			return report, err
		}
	}

	d.logger.Info("drain finished",
		"claimed", report.Claimed,
		"completed", report.Completed,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"deferred", report.Deferred,
	)
	return report, nil
}

// absorb counts persistence errors and passes every other error through.
func (d *Driver) absorb(r *Report, err error) error {
	if err == nil {
		return nil
	}
	if engine.IsPersistError(err) {
		r.PersistErrors++
		return nil
	}
	return err
}

// process replays one claimed operation and records the outcome.
func (d *Driver) process(ctx context.Context, op model.SyncOperation, r *Report) Outcome {
	defer d.queue.Release(op.ClaimToken)

	d.mu.Lock()
	strategy, forced := d.resolvedBy[op.ID]
	d.mu.Unlock()

	err := d.mutator.Apply(ctx, Request{Operation: op, Force: forced, Strategy: strategy})

	var ce *ConflictError
	var outcome Outcome
	var settlement engine.Settlement
	var resolvedWith conflict.Strategy
	switch {
	case err == nil:
		outcome = OutcomeCompleted
		settlement = engine.Settlement{Status: model.StatusCompleted}
	case errors.As(err, &ce):
		outcome, settlement, resolvedWith = d.resolve(op, ce.Server, forced)
	case errors.Is(err, ErrUnavailable), ctx.Err() != nil:
		outcome = OutcomeDeferred
		settlement = engine.Settlement{Status: model.StatusPending}
	case errors.Is(err, ErrPermanent):
		outcome = OutcomeRejected
		settlement = engine.Settlement{Exhausted: true, Error: err.Error()}
	default:
		outcome = OutcomeFailed
		settlement = engine.Settlement{Status: model.StatusFailed, Error: err.Error()}
	}

	settleErr := d.queue.Settle(ctx, op.ClaimToken, settlement)
	switch {
	case settleErr == nil:
	case engine.IsPersistError(settleErr):
		r.PersistErrors++
	case engine.IsStaleClaim(settleErr):
		d.logger.Warn("claim ended before its outcome was recorded", "id", op.ID, "outcome", outcome)
		outcome = OutcomeSuperseded
	default:
		d.logger.Error("failed to record outcome", "id", op.ID, "outcome", outcome, "error", settleErr)
		if outcome == OutcomeResolved {
			outcome = OutcomeFailed
		}
	}

	d.mu.Lock()
	switch outcome {
	case OutcomeResolved:
		d.resolvedBy[op.ID] = resolvedWith
	case OutcomeSuperseded:
	default:
		delete(d.resolvedBy, op.ID)
	}
	d.mu.Unlock()

	level := slog.LevelDebug
	if outcome != OutcomeCompleted {
		level = slog.LevelInfo
	}
	d.logger.Log(ctx, level, "operation replayed",
		"id", op.ID,
		"data_type", op.DataType,
		"operation", op.Operation,
		"outcome", outcome,
		"error", err,
	)
	return outcome
}

// resolve classifies a conflict. It returns the outcome, the settlement that
// records it, and the strategy behind a resolved payload.
func (d *Driver) resolve(op model.SyncOperation, server json.RawMessage, forced bool) (Outcome, engine.Settlement, conflict.Strategy) {
	parked := func(reason string) (Outcome, engine.Settlement, conflict.Strategy) {
		return OutcomeConflict, engine.Settlement{
			Status:   model.StatusConflict,
			Error:    reason,
			Conflict: &model.ConflictData{Local: op.Data, Server: server},
		}, ""
	}

	if forced {
		return parked("conflict persisted after automatic resolution")
	}

	res, err := d.classifier.Classify(op.DataType, op.Data, server)
	if err != nil {
		return parked(err.Error())
	}

	switch res.Outcome {
	case conflict.OutcomeIdentical, conflict.OutcomeAcceptServer:
		return OutcomeAccepted, engine.Settlement{Status: model.StatusCompleted}, ""
	case conflict.OutcomeResolved:
		return OutcomeResolved, engine.Settlement{Resolved: res.Value}, res.Strategy
	default:
		return parked(res.Reason)
	}
}
