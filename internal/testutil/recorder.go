package testutil

import (
	"sync"

	"github.com/roach88/syncq/internal/model"
)

// Recorder collects every snapshot a queue listener receives.
type Recorder struct {
	mu        sync.Mutex
	snapshots [][]model.SyncOperation
}

// Listen is the listener function to pass to engine.Subscribe.
func (r *Recorder) Listen(ops []model.SyncOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, ops)
}

// Count returns how many snapshots were received.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// Last returns the most recent snapshot, or nil if none arrived.
func (r *Recorder) Last() []model.SyncOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

// Snapshots returns all received snapshots in delivery order.
func (r *Recorder) Snapshots() [][]model.SyncOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]model.SyncOperation, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}
