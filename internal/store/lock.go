package store

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by Lock when another holder owns the key.
var ErrLocked = errors.New("store: key is locked by another owner")

// Locker is implemented by stores that can grant exclusive ownership of a
// key. The queue engine takes the lock for its key on Initialize and gives
// it back on Close, so two engines never write whole snapshots over each
// other.
//
// Lock does not wait: it fails with ErrLocked when the key is held. release
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func() error, err error)
}

// keyLocks is an in-process lock table, used by stores whose data does not
// outlive the process.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *keyLocks) acquire(key string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.held[key] = true

	var once sync.Once
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
		return nil
	}, nil
}
