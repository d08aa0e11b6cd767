// Package lease defines TTL-bounded ownership of runs.
//
// A lease grants a single node exclusive ownership of a run until it expires
// or is released. The registry is the only synchronizer for run ownership:
// the scheduler acquires through it, outcome handlers release through it, and
// expiry makes a run schedulable again without any explicit cleanup.
//
// The package also defines an owner-scoped distributed Lock used by
// control-plane instances to coordinate singleton background work such as the
// dispatch loop.
//
// Implementations:
//
//   - redisstore: Redis-backed, multi-instance safe (SET NX PX plus Lua
//     compare-and-set for extend/release)
//   - memory: mutex-guarded map for tests and single-node development
package lease

import (
	"context"
	"time"
)

type (
	// Lease is the ownership token for a run. At most one active
	// (non-expired) lease exists per run ID.
	Lease struct {
		// LeaseID is an opaque identifier stable per issuance. A
		// reacquired lease for the same run gets a fresh LeaseID.
		LeaseID string `json:"leaseId"`
		// RunID is the owned run.
		RunID string `json:"runId"`
		// NodeID is the holder.
		NodeID string `json:"nodeId"`
		// AcquiredAt is the issuance timestamp (UTC).
		AcquiredAt time.Time `json:"acquiredAt"`
		// ExpiresAt is the authoritative expiry (UTC). Implementations
		// never return a lease whose expiry has passed.
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// Registry provides atomic acquire/release/extend of run leases.
	// Implementations must be safe for concurrent use and must guarantee
	// that Acquire is linearizable with respect to other Acquire/Release
	// calls on the same run ID.
	Registry interface {
		// Acquire grants a lease on runID to nodeID for ttl. Returns
		// the granted lease and true, or false if an active lease
		// already exists.
		Acquire(ctx context.Context, runID, nodeID string, ttl time.Duration) (Lease, bool, error)

		// Release unconditionally removes any active lease for runID.
		// Returns true if a lease was removed.
		Release(ctx context.Context, runID string) (bool, error)

		// Get returns the active lease for runID, or nil if none exists
		// or the lease has expired.
		Get(ctx context.Context, runID string) (*Lease, error)

		// Extend pushes the expiry of an active lease further out by
		// additional. Returns false without error if no active lease
		// exists.
		Extend(ctx context.Context, runID string, additional time.Duration) (bool, error)
	}

	// Lock is an owner-scoped TTL lock. Only the recorded owner may
	// release or extend. Used for cross-instance coordination of periodic
	// work (dispatch, reaping).
	Lock interface {
		// TryAcquire takes the named lock for owner with the given TTL.
		// Returns false if another owner holds it.
		TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

		// Release frees the lock if owner holds it.
		Release(ctx context.Context, name, owner string) (bool, error)

		// Extend refreshes the TTL if owner holds the lock.
		Extend(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	}
)

// Expired reports whether the lease expiry has passed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DefaultTTL is the default lease duration granted by the scheduler.
const DefaultTTL = 5 * time.Minute
