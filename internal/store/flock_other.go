//go:build !unix

package store

var fileLocks keyLocks

// lockFile falls back to a process-wide table where flock is unavailable.
func lockFile(path string) (func() error, error) {
	return fileLocks.acquire(path)
}
