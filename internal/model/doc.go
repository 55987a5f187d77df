// Package model defines the value types buffered by the offline sync queue.
//
// A SyncOperation describes one create, update or delete mutation recorded
// while the client was disconnected. Operations are owned by the engine
// package; everything handed out of the engine is a copy produced by Clone.
//
// # Wire Values
//
// The enumerations in this package are stored inside the persisted snapshot
// and must stay stable:
//
//   - SyncPriority: 1 (critical), 2 (high), 3 (medium), 4 (low)
//   - SyncStatus: "pending", "in_progress", "completed", "failed", "conflict"
//   - OperationKind: "create", "update", "delete"
//
// # Canonical Payloads
//
// Payloads are opaque to the queue. The conflict classifier compares local
// and server payloads through MarshalCanonical and PayloadHash, which sort
// object keys by UTF-16 code units and NFC-normalize strings so that two
// semantically equal documents hash identically.
package model
