// Package coordination abstracts the external key-value store used for
// leased locks (the scheduler's claim protocol) and counters (the rate
// limiter's daily quotas).
package coordination

import (
	"context"
	"time"
)

// Store is the minimal primitive set the core depends on: atomic
// SET-if-not-exists with expiry, atomic increment, expiry refresh, read,
// and delete.
type Store interface {
	// SetNX atomically sets key to value with the given ttl only if key
	// does not already exist. Returns true if the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments key (creating it at 0 first if absent)
	// and returns the new value. It does not set a TTL; callers that need
	// expiry call Expire separately (typically only when the returned
	// value is 1, to avoid resetting an existing window).
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets key's TTL. A no-op if key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Get returns key's value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes key. A no-op if key does not exist.
	Del(ctx context.Context, key string) error
}

// DefaultLockTTL is the default lease duration for scheduler locks, per
// the claim protocol: crashed holders cannot stall the fleet longer than
// this bound.
const DefaultLockTTL = 30 * time.Second

// AcquireLock attempts to take the named lock with the given ttl. It
// returns true if the lock was acquired.
func AcquireLock(ctx context.Context, store Store, key string, ttl time.Duration) (bool, error) {
	return store.SetNX(ctx, key, "1", ttl)
}

// ReleaseLock releases the named lock.
func ReleaseLock(ctx context.Context, store Store, key string) error {
	return store.Del(ctx, key)
}
