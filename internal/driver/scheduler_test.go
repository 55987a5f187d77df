package driver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDrainer struct {
	n atomic.Int32
}

func (c *countingDrainer) Drain(context.Context) (Report, error) {
	c.n.Add(1)
	return Report{Claimed: 1}, nil
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(&countingDrainer{}, "every now and then", quietLogger())
	assert.Error(t, err)
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	s, err := NewScheduler(&countingDrainer{}, "", quietLogger())
	require.NoError(t, err)

	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger(), "a pending trigger absorbs the next one")
}

func TestScheduler_RunDrainsOnTrigger(t *testing.T) {
	d := &countingDrainer{}
	s, err := NewScheduler(d, "", quietLogger())
	require.NoError(t, err)

	_, ok := s.Last()
	assert.False(t, ok, "nothing has drained yet")

	reports := make(chan Report, 1)
	s.OnDrain(func(r Report, err error) {
		assert.NoError(t, err)
		reports <- r
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Trigger()
	select {
	case r := <-reports:
		assert.Equal(t, 1, r.Claimed)
		last, ok := s.Last()
		require.True(t, ok)
		assert.Equal(t, 1, last.Report.Claimed)
		assert.Empty(t, last.Error)
		assert.False(t, last.FinishedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("drain was not triggered")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), d.n.Load())
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	d := &countingDrainer{}
	s, err := NewScheduler(d, "@every 1s", quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return d.n.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
