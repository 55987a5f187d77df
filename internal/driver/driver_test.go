package driver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/conflict"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/model"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(store.NewMemoryStore(),
		engine.WithLogger(quietLogger()),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
	)
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func enqueue(t *testing.T, q *engine.Engine, dt model.DataType, p model.SyncPriority, data string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), dt, model.OperationUpdate, string(dt)+"s", json.RawMessage(data), engine.WithPriority(p))
	require.NoError(t, err)
	return id
}

// scriptedMutator returns queued results per operation id and records calls.
type scriptedMutator struct {
	mu      sync.Mutex
	results map[string][]error
	calls   []Request
}

func newScriptedMutator() *scriptedMutator {
	return &scriptedMutator{results: make(map[string][]error)}
}

func (m *scriptedMutator) on(id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = append(m.results[id], errs...)
}

func (m *scriptedMutator) Apply(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	queue := m.results[req.Operation.ID]
	if len(queue) == 0 {
		return nil
	}
	m.results[req.Operation.ID] = queue[1:]
	return queue[0]
}

func (m *scriptedMutator) callIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Operation.ID
	}
	return out
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	drains   int
}

func (o *outcomeRecorder) RecordOutcome(outcome string, _ model.DataType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeRecorder) RecordDrain(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drains++
}

func get(t *testing.T, q *engine.Engine, id string) model.SyncOperation {
	t.Helper()
	op, ok := q.Get(id)
	require.True(t, ok)
	return op
}

func TestDrain_CompletesInPriorityOrder(t *testing.T) {
	q := newQueue(t)
	low := enqueue(t, q, model.DataTypeEvent, model.PriorityLow, `{"id":"e1"}`)
	crit := enqueue(t, q, model.DataTypeCheckIn, model.PriorityCritical, `{"id":"c1"}`)
	mid := enqueue(t, q, model.DataTypeProfile, model.PriorityMedium, `{"id":"p1"}`)

	m := newScriptedMutator()
	obs := &outcomeRecorder{}
	d := New(q, m, WithLogger(quietLogger()), WithObserver(obs))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{crit, mid, low}, m.callIDs())
	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, 3, report.Completed)
	assert.Len(t, q.OperationsByStatus(model.StatusCompleted), 3)
	assert.False(t, q.Processing())
	assert.Equal(t, []string{"completed", "completed", "completed"}, obs.outcomes)
	assert.Equal(t, 1, obs.drains)
}

func TestDrain_TransientFailureRetriedNextDrain(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	m := newScriptedMutator()
	m.on(id, errors.New("connection reset"))
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	op := get(t, q, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, "connection reset", op.Error)

	report, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, model.StatusCompleted, get(t, q, id).Status)
}

func TestDrain_RetryCeilingStopsReplays(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	m := newScriptedMutator()
	for i := 0; i < 5; i++ {
		m.on(id, errors.New("503"))
	}
	d := New(q, m, WithLogger(quietLogger()))

	for i := 0; i < 5; i++ {
		_, err := d.Drain(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, m.callIDs(), model.DefaultMaxRetries)
	op := get(t, q, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.DefaultMaxRetries, op.RetryCount)
}

func TestDrain_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	m := newScriptedMutator()
	m.on(id, Permanent(errors.New("422 invalid payload")))
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	op := get(t, q, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, op.MaxRetries, op.RetryCount)

	report, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued)
	assert.Len(t, m.callIDs(), 1)
}

func TestDrain_UnavailableDefersWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	a := enqueue(t, q, model.DataTypeEvent, model.PriorityHigh, `{"id":"e1"}`)
	b := enqueue(t, q, model.DataTypeEvent, model.PriorityLow, `{"id":"e2"}`)

	m := newScriptedMutator()
	m.on(a, ErrUnavailable)
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, []string{a}, m.callIDs(), "the drain stops at the first deferral")

	op := get(t, q, a)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, model.StatusPending, get(t, q, b).Status)
}

func TestDrain_ConflictServerWins(t *testing.T) {
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1","title":"Mine"}`)

	m := newScriptedMutator()
	m.on(id, &ConflictError{Server: json.RawMessage(`{"id":"e1","title":"Theirs"}`)})
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, model.StatusCompleted, get(t, q, id).Status)
}

func TestDrain_ConflictMergeReplaysForced(t *testing.T) {
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeCheckIn, model.PriorityMedium, `{"id":"c1","checked_in":true}`)

	m := newScriptedMutator()
	m.on(id, &ConflictError{Server: json.RawMessage(`{"id":"c1","checked_in":false,"badge":"B-7"}`)})
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, m.calls, 2)
	assert.False(t, m.calls[0].Force)
	assert.True(t, m.calls[1].Force)
	assert.Equal(t, conflict.Merge, m.calls[1].Strategy)
	assert.Equal(t, `{"badge":"B-7","checked_in":true,"id":"c1"}`, string(m.calls[1].Operation.Data))

	op := get(t, q, id)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, 0, op.RetryCount)
}

func TestDrain_RepeatConflictAfterResolutionIsParked(t *testing.T) {
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeProfile, model.PriorityMedium, `{"id":"u1","bio":"new"}`)

	server := json.RawMessage(`{"id":"u1","bio":"old"}`)
	m := newScriptedMutator()
	m.on(id, &ConflictError{Server: server}, &ConflictError{Server: server})
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Conflicts)

	op := get(t, q, id)
	assert.Equal(t, model.StatusConflict, op.Status)
	require.NotNil(t, op.ConflictData)
	assert.JSONEq(t, string(server), string(op.ConflictData.Server))
}

func TestDrain_ManualConflictParked(t *testing.T) {
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeCertificate, model.PriorityMedium, `{"id":"cert-1","grade":"A"}`)

	m := newScriptedMutator()
	m.on(id, &ConflictError{Server: json.RawMessage(`{"id":"cert-1","grade":"B"}`)})
	d := New(q, m, WithLogger(quietLogger()))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	op := get(t, q, id)
	assert.Equal(t, model.StatusConflict, op.Status)
	assert.Equal(t, "manual resolution required", op.Error)
	assert.JSONEq(t, `{"id":"cert-1","grade":"A"}`, string(op.ConflictData.Local))
	assert.Equal(t, 0, q.QueueCount(), "conflicts are not counted as unsynced")
}

func TestDrain_CustomClassifier(t *testing.T) {
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeCertificate, model.PriorityMedium, `{"id":"cert-1","grade":"A"}`)

	m := newScriptedMutator()
	m.on(id, &ConflictError{Server: json.RawMessage(`{"id":"cert-1","grade":"B"}`)})
	classifier := conflict.NewClassifier(conflict.Policy{Default: conflict.ServerWins})
	d := New(q, m, WithLogger(quietLogger()), WithClassifier(classifier))

	_, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, get(t, q, id).Status)
}

func TestDrain_ClearCompleted(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)
	failing := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e2"}`)

	m := newScriptedMutator()
	m.on(failing, errors.New("timeout"))
	d := New(q, m, WithLogger(quietLogger()), WithClearCompleted(true))

	report, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleared)
	all := q.AllOperations()
	require.Len(t, all, 1)
	assert.Equal(t, failing, all[0].ID)
}

func TestDrain_MaxBatch(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 4; i++ {
		enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e"}`)
	}

	d := New(q, newScriptedMutator(), WithLogger(quietLogger()), WithMaxBatch(3))
	report, err := d.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, 1, q.QueueCount())
}

func TestDrain_CanceledContext(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newScriptedMutator()
	_, err := New(q, m, WithLogger(quietLogger())).Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.callIDs())
	assert.Equal(t, 1, q.QueueCount())
}

func TestDrain_Busy(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	d := New(q, MutatorFunc(func(context.Context, Request) error {
		close(entered)
		<-release
		return nil
	}), WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() {
		_, err := d.Drain(context.Background())
		done <- err
	}()
	<-entered

	_, err := d.Drain(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

// failingKV accepts reads and fails every write.
type failingKV struct {
	*store.MemoryStore
	fail bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestDrain_PersistErrorsCountedAndFlushed(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{MemoryStore: store.NewMemoryStore()}
	q := engine.New(kv, engine.WithLogger(quietLogger()))
	require.NoError(t, q.Initialize(ctx))
	_, err := q.Enqueue(ctx, model.DataTypeEvent, model.OperationCreate, "events", json.RawMessage(`{}`))
	require.NoError(t, err)

	kv.fail = true
	d := New(q, MutatorFunc(func(context.Context, Request) error {
		kv.fail = false
		return nil
	}), WithLogger(quietLogger()))

	report, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Greater(t, report.PersistErrors, 0)

	raw, ok, err := kv.MemoryStore.Get(ctx, engine.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"status":"completed"`)
}

func TestDrain_OutcomeForEndedClaimIsDropped(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	id := enqueue(t, q, model.DataTypeEvent, model.PriorityMedium, `{"id":"e1"}`)

	obs := &outcomeRecorder{}
	d := New(q, MutatorFunc(func(ctx context.Context, req Request) error {
		// An operator fails the operation while the request is in flight.
		require.NoError(t, q.UpdateOperationStatus(ctx, req.Operation.ID, model.StatusFailed, "cancelled by operator", nil))
		return nil
	}), WithLogger(quietLogger()), WithObserver(obs))

	report, err := d.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Superseded)
	assert.Zero(t, report.Completed)
	assert.Equal(t, []string{"superseded"}, obs.outcomes)

	op := get(t, q, id)
	assert.Equal(t, model.StatusFailed, op.Status, "the late success does not overwrite the operator")
	assert.Equal(t, "cancelled by operator", op.Error)
	assert.False(t, q.Processing())
}
