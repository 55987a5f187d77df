package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/syncq/internal/model"
)

// QueueView is the read surface assertions need.
type QueueView interface {
	Get(id string) (model.SyncOperation, bool)
	QueueCount() int
	AllOperations() []model.SyncOperation
	PendingOperations() []model.SyncOperation
}

// AssertionError describes a failed assertion with the queue it saw.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Queue    []model.SyncOperation
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nQueue:\n")
	for i, op := range e.Queue {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, op.String())
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(q QueueView, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(q, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(q QueueView, a Assertion) error {
	switch a.Type {
	case AssertStatus:
		return assertStatus(q, a)
	case AssertQueueCount:
		if got := q.QueueCount(); got != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d unsynced operations", *a.Count),
				Actual:   fmt.Sprintf("%d", got),
				Queue:    q.AllOperations(),
			}
		}
	case AssertTotal:
		all := q.AllOperations()
		if len(all) != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d operations", *a.Count),
				Actual:   fmt.Sprintf("%d", len(all)),
				Queue:    all,
			}
		}
	case AssertPendingOrder:
		pending := q.PendingOperations()
		ids := make([]string, len(pending))
		for i, op := range pending {
			ids[i] = op.ID
		}
		if !slices.Equal(ids, a.IDs) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%v", a.IDs),
				Actual:   fmt.Sprintf("%v", ids),
				Queue:    q.AllOperations(),
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertStatus(q QueueView, a Assertion) error {
	op, ok := q.Get(a.ID)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s in status %s", a.ID, a.Status),
			Actual:   "not in queue",
			Queue:    q.AllOperations(),
		}
	}
	if string(op.Status) != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s in status %s", a.ID, a.Status),
			Actual:   string(op.Status),
			Queue:    q.AllOperations(),
		}
	}
	if a.RetryCount != nil && op.RetryCount != *a.RetryCount {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s with retry count %d", a.ID, *a.RetryCount),
			Actual:   fmt.Sprintf("%d", op.RetryCount),
			Queue:    q.AllOperations(),
		}
	}
	return nil
}
