package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker defines the interface for distributed concurrency control.
// Arbitration is in-process, so two arbiters serving the same channels would each
// elect a winner; the server takes a lease through this port before serving.
type DistributedLocker interface {
	// Lock attempts to acquire a distributed lock for the given key (e.g., namespace).
	// It blocks until the lock is acquired, the context is canceled, or the TTL expires (implementation specific).
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
