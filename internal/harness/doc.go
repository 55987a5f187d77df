// Package harness replays queue scenarios against an isolated engine.
//
// A scenario is a YAML list of queue calls followed by assertions on the
// final queue:
//
//	name: retry_ceiling
//	description: "A failing operation stops retrying at its ceiling"
//	max_retries: 2
//	steps:
//	  - action: enqueue
//	    data_type: check_in
//	    operation: create
//	    table: check_ins
//	    data: { attendee_id: "a-1" }
//	    priority: critical
//	  - action: process_next
//	    expect: { id: op-1 }
//	  - action: update
//	    id: op-1
//	    status: failed
//	    error: "network error"
//	  - action: complete
//	  - action: retry
//	    expect: { result: "requeued:1" }
//	assertions:
//	  - type: status
//	    id: op-1
//	    status: pending
//	    retry_count: 1
//	  - type: queue_count
//	    count: 1
//
// # Actions
//
//   - enqueue: adds an operation (data_type, operation, table, data, priority, max_retries)
//   - process_next: claims the next pending operation
//   - complete: releases the processing slot (MarkProcessingComplete)
//   - update: sets id to status, with optional error and conflict
//   - retry: requeues failed operations below their ceiling
//   - clear_completed: drops completed operations
//   - remove: deletes id
//   - reset: manually requeues a failed or conflicted id
//   - advance: moves the wall clock forward by duration
//
// # Determinism
//
// Every run uses a fresh in-memory store, operation ids "op-1", "op-2", ...
// and a manual wall clock starting at testutil.Epoch. Traces carry no
// timestamps, so they compare byte for byte against golden files under
// testdata/golden.
package harness
