package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/model"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/testutil"
)

var errStoreDown = errors.New("store down")

// faultyKV wraps a MemoryStore, counts writes and can be told to fail.
type faultyKV struct {
	*store.MemoryStore

	mu      sync.Mutex
	sets    int
	failSet bool
	getErr  error
}

func newFaultyKV() *faultyKV {
	return &faultyKV{MemoryStore: store.NewMemoryStore()}
}

func (f *faultyKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.sets++
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *faultyKV) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = fail
}

func (f *faultyKV) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

// stored decodes the snapshot currently held by the store.
func (f *faultyKV) stored(t *testing.T) []model.SyncOperation {
	t.Helper()
	raw, ok, err := f.MemoryStore.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	require.True(t, ok, "snapshot should have been written")
	var ops []model.SyncOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &ops))
	return ops
}

type testEngine struct {
	*Engine
	kv   *faultyKV
	wall *testutil.ManualClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an initialized engine over a fresh in-memory store
// with deterministic ids and time.
func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	kv := newFaultyKV()
	return newTestEngineOn(t, kv, opts...)
}

func newTestEngineOn(t *testing.T, kv *faultyKV, opts ...Option) *testEngine {
	t.Helper()
	clock := testutil.NewManualClock()
	base := []Option{
		WithLogger(quietLogger()),
		WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
		WithNow(clock.Now),
	}
	e := New(kv, append(base, opts...)...)
	require.NoError(t, e.Initialize(context.Background()))
	return &testEngine{Engine: e, kv: kv, wall: clock}
}

func (te *testEngine) enqueue(t *testing.T, p model.SyncPriority) string {
	t.Helper()
	id, err := te.Enqueue(context.Background(),
		model.DataTypeCheckIn,
		model.OperationCreate,
		"check_ins",
		json.RawMessage(`{"attendee_id":"a-1"}`),
		WithPriority(p),
	)
	require.NoError(t, err)
	return id
}

func (te *testEngine) status(t *testing.T, id string) model.SyncOperation {
	t.Helper()
	op, ok := te.Get(id)
	require.True(t, ok, "operation %s should exist", id)
	return op
}

func ids(ops []model.SyncOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}
