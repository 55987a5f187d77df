// Package conflict decides what happens when the backend reports that a
// replayed mutation diverged from the server's current state.
//
// A Policy maps each model.DataType to a Strategy. The Classifier applies
// the strategy to a (local, server) pair and returns a Resolution:
//
//	identical      both sides already agree, nothing to send
//	accept_server  keep the server value, drop the local mutation
//	resolved       replay Value in place of the local payload
//	conflict       no automatic answer; park the operation for a human
//
// Policies load from YAML or CUE files. The CUE form is checked against a
// closed schema before decoding, so typos in strategy names fail at load time.
package conflict
