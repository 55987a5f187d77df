package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/syncq/internal/conflict"
	"github.com/roach88/syncq/internal/model"
)

var (
	// ErrPermanent marks failures that no retry can fix, such as a payload
	// the backend rejects as invalid.
	ErrPermanent = errors.New("permanent failure")

	// ErrUnavailable marks failures where the backend was not attempted,
	// such as an open circuit breaker. The operation goes back to pending
	// without using a retry.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrBusy is returned by Drain while another drain is running.
	ErrBusy = errors.New("drain already running")
)

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// ConflictError reports that the backend's current state diverged from the
// mutation. Server holds the backend's value.
type ConflictError struct {
	Server json.RawMessage
}

func (e *ConflictError) Error() string {
	return "conflict with server state"
}

// Request is one replay of a queued operation.
type Request struct {
	Operation model.SyncOperation

	// Force is set when replaying a payload produced by conflict
	// resolution. The backend should apply it over its current state.
	Force bool

	// Strategy names the resolution that produced a forced payload.
	Strategy conflict.Strategy
}

// Mutator performs the network mutation for a request.
//
// Implementations return nil on success, *ConflictError on divergence, an
// error wrapping ErrPermanent for rejected payloads, an error wrapping
// ErrUnavailable when nothing was sent, and any other error for transient
// failures.
type Mutator interface {
	Apply(ctx context.Context, req Request) error
}

// MutatorFunc adapts a function to Mutator.
type MutatorFunc func(ctx context.Context, req Request) error

func (f MutatorFunc) Apply(ctx context.Context, req Request) error {
	return f(ctx, req)
}
