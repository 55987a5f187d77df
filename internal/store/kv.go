package store

import (
	"context"
	"errors"
)

// ErrInvalidDSN is returned by Open for DSNs no backend recognizes.
var ErrInvalidDSN = errors.New("store: invalid dsn")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// KV is the persistence contract the queue engine relies on.
//
// Get returns ok=false with a nil error when the key has never been written.
// Set replaces the whole value.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
