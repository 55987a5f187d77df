package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/syncq/internal/model"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock()

	got := clock.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, clock.Now())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock()
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), clock.Now())
}

func TestSequentialIDGenerator(t *testing.T) {
	gen := NewSequentialIDGenerator("")
	assert.Equal(t, "op-1", gen.Generate())
	assert.Equal(t, "op-2", gen.Generate())

	named := NewSequentialIDGenerator("chk")
	assert.Equal(t, "chk-1", named.Generate())
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	assert.Nil(t, rec.Last())

	rec.Listen([]model.SyncOperation{{ID: "a"}})
	rec.Listen([]model.SyncOperation{{ID: "a"}, {ID: "b"}})

	assert.Equal(t, 2, rec.Count())
	assert.Len(t, rec.Last(), 2)
	assert.Len(t, rec.Snapshots()[0], 1)
}
