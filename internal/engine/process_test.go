package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/model"
)

func TestProcessNext_Empty(t *testing.T) {
	e := newTestEngine(t)

	op, err := e.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, op)
	assert.False(t, e.Processing())
}

func TestProcessNext_ClaimsHighestPriority(t *testing.T) {
	e := newTestEngine(t)
	e.enqueue(t, model.PriorityLow)
	high := e.enqueue(t, model.PriorityHigh)

	op, err := e.ProcessNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, op)

	assert.Equal(t, high, op.ID)
	assert.Equal(t, model.StatusInProgress, op.Status)
	assert.True(t, e.Processing())
	assert.Equal(t, model.StatusInProgress, e.kv.stored(t)[0].Status)
}

func TestProcessNext_SingleFlight(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.enqueue(t, model.PriorityMedium)
	e.enqueue(t, model.PriorityMedium)

	first, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	before := e.AllOperations()
	writes := e.kv.setCount()

	second, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, before, e.AllOperations(), "a rejected claim must not touch the queue")
	assert.Equal(t, writes, e.kv.setCount())

	e.MarkProcessingComplete()
	third, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestProcessNext_ConcurrentClaimsAreExclusive(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 5; i++ {
		e.enqueue(t, model.PriorityMedium)
	}

	const goroutines = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			op, err := e.ProcessNext(context.Background())
			assert.NoError(t, err)
			if op != nil {
				mu.Lock()
				claimed = append(claimed, op.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 1, "exactly one caller wins the claim")
	assert.Len(t, e.OperationsByStatus(model.StatusInProgress), 1)
}

func TestProcessNext_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithLeaseTTL(time.Minute))
	id := e.enqueue(t, model.PriorityMedium)

	first, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	e.wall.Advance(30 * time.Second)
	op, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, op, "lease still held")

	e.wall.Advance(31 * time.Second)
	op, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, op, "expired lease is reclaimed")
	assert.Equal(t, id, op.ID)
	assert.Equal(t, 0, op.RetryCount, "expiry does not consume a retry")
	assert.Equal(t, model.StatusInProgress, op.Status)
}

func TestProcessNext_LeaseExpiryWithNothingLeft(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithLeaseTTL(time.Minute))
	id := e.enqueue(t, model.PriorityMedium)

	_, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	// The driver reported an outcome but never released the slot.
	require.NoError(t, e.UpdateOperationStatus(ctx, id, model.StatusCompleted, "", nil))

	e.wall.Advance(2 * time.Minute)
	op, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, op)
	assert.False(t, e.Processing())
	assert.Equal(t, model.StatusCompleted, e.status(t, id).Status, "finished operations are not reopened")
}

func TestProcessNext_LeaseDisabled(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithLeaseTTL(0))
	e.enqueue(t, model.PriorityMedium)
	e.enqueue(t, model.PriorityMedium)

	_, err := e.ProcessNext(ctx)
	require.NoError(t, err)

	e.wall.Advance(24 * time.Hour)
	op, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestProcessNext_ClaimSurvivesPersistFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	id := e.enqueue(t, model.PriorityMedium)
	e.kv.setFailing(true)

	op, err := e.ProcessNext(ctx)
	assert.True(t, IsPersistError(err))
	require.NotNil(t, op)
	assert.Equal(t, id, op.ID)
	assert.True(t, e.Processing())
}

func TestMarkProcessingComplete_Idempotent(t *testing.T) {
	e := newTestEngine(t)

	e.MarkProcessingComplete()
	e.MarkProcessingComplete()
	assert.False(t, e.Processing())
}

func TestSettle_ExpiredClaimCannotTouchItsReplacement(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithLeaseTTL(time.Minute))
	a := e.enqueue(t, model.PriorityHigh)
	b := e.enqueue(t, model.PriorityLow)

	first, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, a, first.ID)

	e.wall.Advance(2 * time.Minute)
	second, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, a, second.ID)
	require.NotEqual(t, first.ClaimToken, second.ClaimToken)

	// The first driver finally reports back.
	err = e.Settle(ctx, first.ClaimToken, Settlement{Status: model.StatusFailed, Error: "timeout"})
	assert.True(t, IsStaleClaim(err), "got %v", err)
	assert.False(t, e.Release(first.ClaimToken))

	op, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, op, "the second claim still holds the slot")

	held := e.status(t, a)
	assert.Equal(t, model.StatusInProgress, held.Status)
	assert.Equal(t, 0, held.RetryCount)
	assert.Empty(t, held.Error)

	require.NoError(t, e.Settle(ctx, second.ClaimToken, Settlement{Status: model.StatusCompleted}))
	assert.True(t, e.Release(second.ClaimToken))

	next, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b, next.ID)
}

func TestSettle_ManualStatusChangeEndsClaim(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	id := e.enqueue(t, model.PriorityMedium)

	claimed, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NoError(t, e.UpdateOperationStatus(ctx, id, model.StatusCompleted, "", nil))

	err = e.Settle(ctx, claimed.ClaimToken, Settlement{Status: model.StatusFailed, Error: "late"})
	assert.True(t, IsStaleClaim(err))
	assert.Equal(t, model.StatusCompleted, e.status(t, id).Status)
	assert.Equal(t, 0, e.status(t, id).RetryCount)
}

func TestSettle_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		e := newTestEngine(t)
		id := e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)

		require.NoError(t, e.Settle(ctx, claimed.ClaimToken, Settlement{Status: model.StatusFailed, Error: "502"}))
		op := e.status(t, id)
		assert.Equal(t, model.StatusFailed, op.Status)
		assert.Equal(t, 1, op.RetryCount)
		assert.Equal(t, "502", op.Error)
		assert.Empty(t, op.ClaimToken)
	})

	t.Run("conflict", func(t *testing.T) {
		e := newTestEngine(t)
		id := e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)

		pair := &model.ConflictData{Local: json.RawMessage(`{"v":1}`), Server: json.RawMessage(`{"v":2}`)}
		require.NoError(t, e.Settle(ctx, claimed.ClaimToken, Settlement{Status: model.StatusCompleted, Conflict: pair}))
		assert.Equal(t, model.StatusConflict, e.status(t, id).Status)
	})

	t.Run("exhausted", func(t *testing.T) {
		e := newTestEngine(t)
		id := e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)

		require.NoError(t, e.Settle(ctx, claimed.ClaimToken, Settlement{Exhausted: true, Error: "422"}))
		op := e.status(t, id)
		assert.Equal(t, model.StatusFailed, op.Status)
		assert.False(t, op.CanRetry())
	})

	t.Run("resolved", func(t *testing.T) {
		e := newTestEngine(t)
		id := e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)

		require.NoError(t, e.Settle(ctx, claimed.ClaimToken, Settlement{Resolved: json.RawMessage(`{"merged":true}`)}))
		op := e.status(t, id)
		assert.Equal(t, model.StatusPending, op.Status)
		assert.JSONEq(t, `{"merged":true}`, string(op.Data))
	})

	t.Run("invalid", func(t *testing.T) {
		e := newTestEngine(t)
		e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)

		assert.True(t, IsInvalidArgument(e.Settle(ctx, "", Settlement{Status: model.StatusCompleted})))
		assert.True(t, IsInvalidArgument(e.Settle(ctx, claimed.ClaimToken, Settlement{Status: "done"})))
		assert.True(t, IsInvalidArgument(e.Settle(ctx, claimed.ClaimToken, Settlement{Resolved: json.RawMessage(`nope`)})))
		assert.Equal(t, model.StatusInProgress, e.status(t, claimed.ID).Status)
	})
}

func TestProcessNext_UnclaimedInProgressIsLeased(t *testing.T) {
	ctx := context.Background()

	t.Run("set by hand", func(t *testing.T) {
		e := newTestEngine(t, WithLeaseTTL(time.Minute))
		id := e.enqueue(t, model.PriorityMedium)
		require.NoError(t, e.UpdateOperationStatus(ctx, id, model.StatusInProgress, "", nil))

		op, err := e.ProcessNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, op)

		e.wall.Advance(time.Minute)
		op, err = e.ProcessNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, op)
		assert.Equal(t, id, op.ID)
	})

	t.Run("slot released without an outcome", func(t *testing.T) {
		e := newTestEngine(t, WithLeaseTTL(time.Minute))
		id := e.enqueue(t, model.PriorityMedium)
		claimed, err := e.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, e.Release(claimed.ClaimToken))

		op, err := e.ProcessNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, op)

		e.wall.Advance(90 * time.Second)
		op, err = e.ProcessNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, op)
		assert.Equal(t, id, op.ID)
		assert.Equal(t, 0, op.RetryCount)
		assert.NotEqual(t, claimed.ClaimToken, op.ClaimToken)
	})
}
