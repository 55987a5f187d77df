package engine

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"

	"github.com/roach88/syncq/internal/model"
)

// ProcessNext claims the highest-priority pending operation and marks it
// in progress.
//
// At most one claim is outstanding at a time: while a claim is held,
// ProcessNext returns nil without touching the queue. A claim older than the
// lease TTL is considered abandoned; its operation goes back to pending
// (without a retry bump) and the slot is reused. In-progress operations that
// no claim holds, such as ones set by hand, are returned to pending once they
// have not changed for a lease TTL.
//
// The returned copy carries the claim's ClaimToken. Drivers report the
// outcome with Settle and free the slot with Release; callers that own the
// queue outright may use UpdateOperationStatus and MarkProcessingComplete.
// Returns nil when nothing is pending.
func (e *Engine) ProcessNext(ctx context.Context) (*model.SyncOperation, error) {
	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	now := e.now()
	changed := false
	if e.claim != nil {
		if e.leaseTTL <= 0 || now.Before(e.claim.deadline) {
			e.mu.Unlock()
			return nil, nil
		}
		if i := e.claimIndexLocked(e.claim.token); i >= 0 {
			e.ops[i].Status = model.StatusPending
			e.ops[i].ClaimToken = ""
			e.ops[i].UpdatedAt = now
			changed = true
		}
		e.logger.Warn("claim lease expired, operation returned to pending",
			"id", e.claim.id,
			"lease_ttl", e.leaseTTL,
		)
		e.claim = nil
	}
	if e.leaseTTL > 0 {
		for i := range e.ops {
			op := &e.ops[i]
			if op.Status != model.StatusInProgress || now.Before(op.UpdatedAt.Add(e.leaseTTL)) {
				continue
			}
			e.logger.Warn("unclaimed in-progress operation returned to pending", "id", op.ID)
			op.Status = model.StatusPending
			op.ClaimToken = ""
			op.UpdatedAt = now
			changed = true
		}
	}

	i := slices.IndexFunc(e.ops, func(op model.SyncOperation) bool {
		return op.Status == model.StatusPending
	})
	if i < 0 {
		if !changed {
			e.mu.Unlock()
			return nil, nil
		}
		err := e.commitLocked(ctx)
		e.mu.Unlock()
		e.deliver()
		return nil, err
	}

	e.claimSeq++
	token := "claim-" + strconv.FormatInt(e.claimSeq, 10)
	op := &e.ops[i]
	op.Status = model.StatusInProgress
	op.ClaimToken = token
	op.UpdatedAt = now
	e.claim = &claim{id: op.ID, token: token, deadline: now.Add(e.leaseTTL)}
	claimed := op.Clone()

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()

	e.logger.Debug("operation claimed", "id", claimed.ID, "claim", token, "priority", claimed.Priority.String())
	return &claimed, err
}

// MarkProcessingComplete releases the processing slot, whoever holds it.
// Drivers must call it (or Release) after handling every operation returned
// by ProcessNext, whatever the outcome.
func (e *Engine) MarkProcessingComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claim = nil
}

// Release frees the processing slot only if token still holds it, and
// reports whether it did. A claim that outlived its lease therefore cannot
// free the slot of the claim that replaced it.
func (e *Engine) Release(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claim == nil || e.claim.token != token {
		return false
	}
	e.claim = nil
	return true
}

// Processing reports whether a claim is outstanding.
func (e *Engine) Processing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claim != nil
}

// Settlement is the outcome a driver reports for the operation it claimed.
type Settlement struct {
	// Status, Error and Conflict are applied as UpdateOperationStatus does.
	Status   model.SyncStatus
	Error    string
	Conflict *model.ConflictData

	// Resolved replaces the payload and requeues the operation, as
	// ResolveConflict does. Status is ignored.
	Resolved json.RawMessage

	// Exhausted fails the operation with no retries left, as
	// FailPermanently does. Status is ignored.
	Exhausted bool
}

// Settle applies s to the operation claimed under token.
//
// If the claim has ended since ProcessNext returned it (the lease expired,
// the status was changed by hand, the operation was removed) nothing
// changes and STALE_CLAIM is returned.
func (e *Engine) Settle(ctx context.Context, token string, s Settlement) error {
	if token == "" {
		return newInvalidArgument("claim token is required")
	}
	var payload json.RawMessage
	switch {
	case s.Resolved != nil:
		var err error
		if payload, err = normalizePayload(s.Resolved); err != nil {
			return err
		}
	case !s.Exhausted && !s.Status.Valid():
		return newInvalidArgument("unknown status %q", s.Status)
	}

	e.mu.Lock()
	if err := e.writableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	i := e.claimIndexLocked(token)
	if i < 0 {
		e.mu.Unlock()
		e.logger.Warn("outcome for superseded claim dropped", "claim", token)
		return &QueueError{Code: ErrCodeStaleClaim, Message: "claim " + token + " no longer holds an operation"}
	}

	switch {
	case payload != nil:
		e.requeueLocked(i, payload)
	case s.Exhausted:
		e.exhaustLocked(i, s.Error)
	default:
		e.setStatusLocked(i, s.Status, s.Error, s.Conflict)
	}

	err := e.commitLocked(ctx)
	e.mu.Unlock()
	e.deliver()
	return err
}

// claimIndexLocked finds the in-progress operation held by token.
func (e *Engine) claimIndexLocked(token string) int {
	if token == "" {
		return -1
	}
	return slices.IndexFunc(e.ops, func(op model.SyncOperation) bool {
		return op.ClaimToken == token && op.Status == model.StatusInProgress
	})
}
