package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/model"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/testutil"
)

// Harness executes one scenario against its own engine.
type Harness struct {
	engine *engine.Engine
	clock  *testutil.ManualClock
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh in-memory store, sequential ids and a manual clock.
// Step expectation failures and assertion failures are reported in the
// result; the returned error is reserved for scenarios that cannot run at
// all (bad payloads, store failures).
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with engine logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	defer kv.Close()

	clock := testutil.NewManualClock()
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
		engine.WithNow(clock.Now),
	}
	if scenario.MaxRetries > 0 {
		opts = append(opts, engine.WithDefaultMaxRetries(scenario.MaxRetries))
	}
	if scenario.LeaseTTL != "" {
		ttl, err := time.ParseDuration(scenario.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("lease_ttl: %w", err)
		}
		opts = append(opts, engine.WithLeaseTTL(ttl))
	}

	eng := engine.New(kv, opts...)
	if err := eng.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	h := &Harness{engine: eng, clock: clock, logger: logger}
	result := NewResult()

	for i, step := range scenario.Steps {
		event, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
		event.Step = i + 1
		event.Queue = statesOf(eng.AllOperations())
		result.Trace = append(result.Trace, event)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, event) {
				result.AddError(msg)
			}
		}
	}

	result.Final = eng.AllOperations()
	for _, msg := range EvaluateAssertions(eng, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step. Queue errors with a code become part of the event;
// anything else aborts the run.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	event := TraceEvent{Action: step.Action, ID: step.ID}
	var err error

	switch step.Action {
	case ActionEnqueue:
		var id string
		id, err = h.enqueue(ctx, step)
		event.ID = id

	case ActionProcessNext:
		var op *model.SyncOperation
		op, err = h.engine.ProcessNext(ctx)
		if op == nil {
			event.Result = "empty"
		} else {
			event.ID = op.ID
			event.Result = "claimed"
		}

	case ActionComplete:
		h.engine.MarkProcessingComplete()

	case ActionUpdate:
		var conflict *model.ConflictData
		if step.Conflict != nil {
			conflict, err = conflictOf(step.Conflict)
			if err != nil {
				return event, err
			}
		}
		status, _ := model.ParseStatus(step.Status)
		err = h.engine.UpdateOperationStatus(ctx, step.ID, status, step.Error, conflict)

	case ActionRetry:
		var n int
		n, err = h.engine.RetryFailedOperations(ctx)
		event.Result = fmt.Sprintf("requeued:%d", n)

	case ActionClearCompleted:
		var n int
		n, err = h.engine.ClearCompleted(ctx)
		event.Result = fmt.Sprintf("removed:%d", n)

	case ActionRemove:
		err = h.engine.RemoveOperation(ctx, step.ID)

	case ActionReset:
		err = h.engine.ResetOperation(ctx, step.ID)

	case ActionAdvance:
		d, perr := time.ParseDuration(step.Duration)
		if perr != nil {
			return event, perr
		}
		h.clock.Advance(d)
		event.Result = "+" + d.String()

	default:
		return event, fmt.Errorf("unknown action %q", step.Action)
	}

	if err != nil {
		var qe *engine.QueueError
		if !errors.As(err, &qe) {
			return event, err
		}
		event.Error = string(qe.Code)
		h.logger.Debug("step returned queue error", "action", step.Action, "code", qe.Code)
	}
	return event, nil
}

func (h *Harness) enqueue(ctx context.Context, step Step) (string, error) {
	data, err := json.Marshal(step.Data)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	var opts []engine.EnqueueOption
	if step.Priority != "" {
		p, err := model.ParsePriority(step.Priority)
		if err != nil {
			return "", err
		}
		opts = append(opts, engine.WithPriority(p))
	}
	if step.MaxRetries != nil {
		opts = append(opts, engine.WithMaxRetries(*step.MaxRetries))
	}
	return h.engine.Enqueue(ctx,
		model.DataType(step.DataType),
		model.OperationKind(step.Operation),
		step.Table,
		data,
		opts...,
	)
}

func conflictOf(in *ConflictInput) (*model.ConflictData, error) {
	local, err := json.Marshal(in.Local)
	if err != nil {
		return nil, fmt.Errorf("encode conflict.local: %w", err)
	}
	server, err := json.Marshal(in.Server)
	if err != nil {
		return nil, fmt.Errorf("encode conflict.server: %w", err)
	}
	return &model.ConflictData{Local: local, Server: server}, nil
}

func checkExpect(index int, want *StepExpect, got TraceEvent) []string {
	var errs []string
	if want.ID != "" && want.ID != got.ID {
		errs = append(errs, fmt.Sprintf("steps[%d] (%s): expected id %q, got %q", index, got.Action, want.ID, got.ID))
	}
	if want.Result != "" && want.Result != got.Result {
		errs = append(errs, fmt.Sprintf("steps[%d] (%s): expected result %q, got %q", index, got.Action, want.Result, got.Result))
	}
	if want.Error != got.Error {
		errs = append(errs, fmt.Sprintf("steps[%d] (%s): expected error %q, got %q", index, got.Action, want.Error, got.Error))
	}
	return errs
}
