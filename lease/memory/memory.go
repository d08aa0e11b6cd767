// Package memory provides in-memory implementations of the lease registry
// and distributed lock.
//
// Suitable for tests and single-node development where cross-process
// coordination is not required. Expired entries are dropped lazily on read
// and on conflicting writes, so TTL semantics match the Redis implementation
// without a background sweeper.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyhook-ai/skyhook/lease"
)

// Registry is an in-memory implementation of lease.Registry.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	leases map[string]lease.Lease

	// now is overridable for expiry tests.
	now func() time.Time
}

// Compile-time check that Registry implements lease.Registry.
var _ lease.Registry = (*Registry)(nil)

// NewRegistry creates an empty in-memory lease registry.
func NewRegistry() *Registry {
	return &Registry{
		leases: make(map[string]lease.Lease),
		now:    time.Now,
	}
}

// SetClock replaces the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Acquire grants a lease on runID if no active lease exists.
func (r *Registry) Acquire(ctx context.Context, runID, nodeID string, ttl time.Duration) (lease.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return lease.Lease{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if existing, ok := r.leases[runID]; ok && !existing.Expired(now) {
		return lease.Lease{}, false, nil
	}
	l := lease.Lease{
		LeaseID:    uuid.New().String(),
		RunID:      runID,
		NodeID:     nodeID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	r.leases[runID] = l
	return l, true, nil
}

// Release removes any lease for runID, expired or not.
func (r *Registry) Release(ctx context.Context, runID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[runID]
	if !ok {
		return false, nil
	}
	delete(r.leases, runID)
	// An expired entry that was never swept does not count as a release.
	return !l.Expired(r.now().UTC()), nil
}

// Get returns the active lease for runID, or nil.
func (r *Registry) Get(ctx context.Context, runID string) (*lease.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[runID]
	if !ok {
		return nil, nil
	}
	if l.Expired(r.now().UTC()) {
		delete(r.leases, runID)
		return nil, nil
	}
	cp := l
	return &cp, nil
}

// Extend pushes out the expiry of an active lease.
func (r *Registry) Extend(ctx context.Context, runID string, additional time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[runID]
	if !ok || l.Expired(r.now().UTC()) {
		return false, nil
	}
	l.ExpiresAt = l.ExpiresAt.Add(additional)
	r.leases[runID] = l
	return true, nil
}

// Lock is an in-memory implementation of lease.Lock.
type Lock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// Compile-time check that Lock implements lease.Lock.
var _ lease.Lock = (*Lock)(nil)

// NewLock creates an empty in-memory lock table.
func NewLock() *Lock {
	return &Lock{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// TryAcquire takes the named lock unless another owner holds it unexpired.
func (l *Lock) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if e, ok := l.locks[name]; ok && now.Before(e.expiresAt) && e.owner != owner {
		return false, nil
	}
	l.locks[name] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lock if owner holds it.
func (l *Lock) Release(ctx context.Context, name, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[name]
	if !ok || e.owner != owner || !l.now().UTC().Before(e.expiresAt) {
		return false, nil
	}
	delete(l.locks, name)
	return true, nil
}

// Extend refreshes the TTL if owner holds the lock.
func (l *Lock) Extend(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	e, ok := l.locks[name]
	if !ok || e.owner != owner || !now.Before(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	l.locks[name] = e
	return true, nil
}
