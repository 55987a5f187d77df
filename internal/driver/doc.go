// Package driver replays queued operations against the backend.
//
// A Driver drains an engine: it requeues retryable failures, then claims
// operations one at a time, hands each to a Mutator and reports the outcome
// back to the engine. Divergence reported by the backend goes through the
// conflict classifier.
//
// The Scheduler runs drains on a cron schedule and on demand (for example
// when connectivity returns). All drains run on the scheduler goroutine, so
// at most one is in flight.
package driver
