// Package store provides the durable key/value adapters behind the sync queue.
//
// The queue engine persists its whole operation list as one JSON string under
// a single key, so every backend only needs Get and Set:
//
//   - SQLiteStore: default, single file, WAL mode (sqlite://path or *.db)
//   - PostgresStore: one row per key in syncq_kv (postgres://...)
//   - RedisStore: plain string keys (redis://...)
//   - FileStore: one JSON file per key, written via rename (file://dir)
//   - MemoryStore: process local, for tests and dry runs (memory://)
//
// Open selects a backend from a DSN.
//
// # Durability
//
// Backends are crash-durable but not transactional across keys. A Set either
// replaces the whole value or fails; readers never observe a partial write.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
