package engine

import (
	"slices"
	"sync"

	"github.com/roach88/syncq/internal/model"
)

type listenerEntry struct {
	id int
	fn Listener
}

// delivery is a snapshot captured under the lock and handed to listeners
// after it is released.
type delivery struct {
	ops       []model.SyncOperation
	listeners []listenerEntry
}

// Subscribe registers fn and immediately calls it with the current queue.
// The returned function unregisters fn; calling it more than once is safe.
//
// Snapshots reach every listener in commit order, one at a time. When
// several goroutines mutate the queue concurrently, whichever goroutine is
// already delivering also delivers the snapshots queued behind it, so a
// mutation may return before its listeners have run. A panicking listener
// is logged and skipped; the others still receive the update.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	entry := listenerEntry{id: id, fn: fn}
	e.listeners = append(e.listeners, entry)
	e.queueDeliveryLocked(delivery{ops: model.CloneAll(e.ops), listeners: []listenerEntry{entry}})
	e.mu.Unlock()

	e.deliver()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// publishLocked queues the current queue for every listener. Queuing under
// e.mu fixes the delivery order to the commit order.
func (e *Engine) publishLocked() {
	if len(e.listeners) == 0 {
		return
	}
	e.queueDeliveryLocked(delivery{
		ops:       model.CloneAll(e.ops),
		listeners: slices.Clone(e.listeners),
	})
}

func (e *Engine) queueDeliveryLocked(d delivery) {
	e.outboxMu.Lock()
	e.outbox = append(e.outbox, d)
	e.outboxMu.Unlock()
}

// deliver drains the outbox unless another goroutine is already draining
// it. Must be called without holding e.mu; listeners may call back into
// the engine, and anything they publish is delivered after the current
// snapshot.
func (e *Engine) deliver() {
	e.outboxMu.Lock()
	if e.delivering {
		e.outboxMu.Unlock()
		return
	}
	e.delivering = true
	for len(e.outbox) > 0 {
		d := e.outbox[0]
		e.outbox[0] = delivery{}
		e.outbox = e.outbox[1:]
		e.outboxMu.Unlock()

		for i, l := range d.listeners {
			ops := d.ops
			if i < len(d.listeners)-1 {
				ops = model.CloneAll(d.ops)
			}
			e.invoke(l, ops)
		}

		e.outboxMu.Lock()
	}
	e.outbox = nil
	e.delivering = false
	e.outboxMu.Unlock()
}

func (e *Engine) invoke(l listenerEntry, ops []model.SyncOperation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("sync queue listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(ops)
}
