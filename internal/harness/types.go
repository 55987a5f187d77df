package harness

import "github.com/roach88/syncq/internal/model"

// OperationState is the part of an operation recorded in traces. Timestamps
// are left out so traces are stable across runs.
type OperationState struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

func stateOf(op model.SyncOperation) OperationState {
	return OperationState{
		ID:         op.ID,
		Status:     string(op.Status),
		Priority:   int(op.Priority),
		RetryCount: op.RetryCount,
		Error:      op.Error,
	}
}

func statesOf(ops []model.SyncOperation) []OperationState {
	out := make([]OperationState, len(ops))
	for i, op := range ops {
		out[i] = stateOf(op)
	}
	return out
}

// TraceEvent records one executed step and the queue it left behind.
type TraceEvent struct {
	Step   int              `json:"step"`
	Action string           `json:"action"`
	ID     string           `json:"id,omitempty"`
	Result string           `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Queue  []OperationState `json:"queue"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the queue after the last step, in processing order.
	Final []model.SyncOperation `json:"final"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
