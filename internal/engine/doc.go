// Package engine implements the offline mutation sync queue.
//
// The engine buffers create/update/delete operations recorded while the
// client is offline and hands them, one at a time, to a sync driver that
// replays them against the backend.
//
// ARCHITECTURE:
//
// Single Owner:
// One Engine owns one ordered slice of operations. Every read returns
// copies; every write goes through an Engine method. Multiple engines can
// run side by side in one process as long as each has its own store key.
//
// Snapshot Persistence:
// After every mutation the whole slice is serialized to JSON and written
// under a single key of the injected store.KV. A failed write is logged and
// returned as a PERSIST_FAILED error, but the in-memory mutation stands; the
// next successful write (or Flush) brings storage back in line.
//
// Ordering:
// The slice is kept sorted by (priority, seq). Seq comes from a monotonic
// insertion Clock and is persisted, so equal-priority operations keep their
// enqueue order across restarts.
//
// Claiming:
// ProcessNext is single-flight. Check-and-set of the processing flag happens
// under the engine mutex, so two concurrent callers can never claim the same
// operation. A claim carries a lease; once it expires the next ProcessNext
// returns the stuck operation to PENDING and proceeds. Delivery to the driver
// is therefore at-least-once.
//
// Notification:
// Subscribers receive a full snapshot after every mutation, outside the
// engine lock. A panicking subscriber is recovered and logged; the others
// still receive the update.
package engine
