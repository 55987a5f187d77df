package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// createTestStore opens a fresh SQLite store in a temp directory.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// kvContract exercises the behavior every backend must share.
func kvContract(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "syncq:missing")
	if err != nil {
		t.Fatalf("Get(missing) error: %v", err)
	}
	if ok {
		t.Fatal("Get(missing) reported ok")
	}

	if err := kv.Set(ctx, "syncq:queue", `[{"id":"a"}]`); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, ok, err := kv.Get(ctx, "syncq:queue")
	if err != nil || !ok {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
	if got != `[{"id":"a"}]` {
		t.Fatalf("Get() = %q", got)
	}

	if err := kv.Set(ctx, "syncq:queue", `[]`); err != nil {
		t.Fatalf("Set(overwrite) error: %v", err)
	}
	got, _, _ = kv.Get(ctx, "syncq:queue")
	if got != `[]` {
		t.Fatalf("Get() after overwrite = %q", got)
	}
}

// lockContract checks that a and b, two handles on the same data, exclude
// each other per key.
func lockContract(t *testing.T, a, b Locker) {
	t.Helper()
	ctx := context.Background()

	release, err := a.Lock(ctx, "syncq:queue")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if _, err := b.Lock(ctx, "syncq:queue"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock() error = %v, want ErrLocked", err)
	}

	other, err := b.Lock(ctx, "syncq:other")
	if err != nil {
		t.Fatalf("Lock(other key) error: %v", err)
	}
	if err := other(); err != nil {
		t.Fatalf("release(other key) error: %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release() error: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release() error: %v", err)
	}
	again, err := b.Lock(ctx, "syncq:queue")
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	if err := again(); err != nil {
		t.Fatalf("release() error: %v", err)
	}
}
