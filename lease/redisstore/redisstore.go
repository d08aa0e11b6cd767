// Package redisstore provides Redis-backed implementations of the lease
// registry and distributed lock.
//
// Leases are plain keys written with SET NX PX so acquisition is atomic and
// expiry is enforced by Redis itself. Release is an unconditional DEL; the
// owner-scoped lock uses small Lua scripts for compare-and-delete and
// compare-and-expire so only the recorded owner can release or extend.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skyhook-ai/skyhook/lease"
)

const (
	leaseKeyPrefix = "skyhook:lease:"
	lockKeyPrefix  = "skyhook:lock:"
)

// extendScript atomically extends the TTL of an existing key by ARGV[1]
// milliseconds. Returns 0 when the key is missing or has no TTL.
var extendScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
	return 0
end
redis.call("PEXPIRE", KEYS[1], ttl + tonumber(ARGV[1]))
return 1
`)

// releaseOwnedScript deletes the key only when its value matches ARGV[1].
var releaseOwnedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendOwnedScript resets the TTL to ARGV[2] milliseconds only when the
// key's value matches ARGV[1].
var extendOwnedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

type (
	// Registry is a Redis-backed lease.Registry. Safe for concurrent use
	// across processes; Redis key expiry is the authoritative TTL.
	Registry struct {
		rdb *redis.Client
	}

	// leaseDoc is the JSON value stored under the lease key. Expiry lives
	// in the Redis TTL, not the document.
	leaseDoc struct {
		LeaseID    string    `json:"leaseId"`
		RunID      string    `json:"runId"`
		NodeID     string    `json:"nodeId"`
		AcquiredAt time.Time `json:"acquiredAt"`
	}
)

// Compile-time check that Registry implements lease.Registry.
var _ lease.Registry = (*Registry)(nil)

// NewRegistry creates a Redis-backed lease registry.
func NewRegistry(rdb *redis.Client) (*Registry, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Registry{rdb: rdb}, nil
}

func leaseKey(runID string) string {
	return leaseKeyPrefix + runID
}

// Acquire grants a lease via SET NX PX. The write and the TTL are a single
// atomic operation, so at most one concurrent acquire succeeds.
func (r *Registry) Acquire(ctx context.Context, runID, nodeID string, ttl time.Duration) (lease.Lease, bool, error) {
	now := time.Now().UTC()
	doc := leaseDoc{
		LeaseID:    uuid.New().String(),
		RunID:      runID,
		NodeID:     nodeID,
		AcquiredAt: now,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return lease.Lease{}, false, fmt.Errorf("marshal lease: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, leaseKey(runID), payload, ttl).Result()
	if err != nil {
		return lease.Lease{}, false, fmt.Errorf("acquire lease for run %q: %w", runID, err)
	}
	if !ok {
		return lease.Lease{}, false, nil
	}
	return lease.Lease{
		LeaseID:    doc.LeaseID,
		RunID:      runID,
		NodeID:     nodeID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, true, nil
}

// Release unconditionally deletes the lease key.
func (r *Registry) Release(ctx context.Context, runID string) (bool, error) {
	n, err := r.rdb.Del(ctx, leaseKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("release lease for run %q: %w", runID, err)
	}
	return n > 0, nil
}

// Get returns the active lease. A missing or expired key reads as nil; the
// remaining Redis TTL reconstructs the expiry.
func (r *Registry) Get(ctx context.Context, runID string) (*lease.Lease, error) {
	key := leaseKey(runID)
	pipe := r.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lease for run %q: %w", runID, err)
	}
	raw, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lease for run %q: %w", runID, err)
	}
	var doc leaseDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode lease for run %q: %w", runID, err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// Key observed between expiry and physical removal.
		return nil, nil
	}
	return &lease.Lease{
		LeaseID:    doc.LeaseID,
		RunID:      doc.RunID,
		NodeID:     doc.NodeID,
		AcquiredAt: doc.AcquiredAt,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}, nil
}

// Extend adds additional time to the remaining TTL. No-op on missing keys.
func (r *Registry) Extend(ctx context.Context, runID string, additional time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.rdb, []string{leaseKey(runID)}, additional.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lease for run %q: %w", runID, err)
	}
	return res == 1, nil
}

// Lock is a Redis-backed lease.Lock. The lock value records the owner so
// release and extend are owner-scoped.
type Lock struct {
	rdb *redis.Client
}

// Compile-time check that Lock implements lease.Lock.
var _ lease.Lock = (*Lock)(nil)

// NewLock creates a Redis-backed distributed lock.
func NewLock(rdb *redis.Client) (*Lock, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Lock{rdb: rdb}, nil
}

func lockKey(name string) string {
	return lockKeyPrefix + name
}

// TryAcquire takes the named lock for owner via SET NX PX. Re-entrant for
// the current owner: holding the lock and acquiring again refreshes the TTL.
func (l *Lock) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if ok {
		return true, nil
	}
	// The current owner may refresh instead of failing.
	res, err := extendOwnedScript.Run(ctx, l.rdb, []string{lockKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock %q: %w", name, err)
	}
	return res == 1, nil
}

// Release frees the lock only when owner holds it.
func (l *Lock) Release(ctx context.Context, name, owner string) (bool, error) {
	res, err := releaseOwnedScript.Run(ctx, l.rdb, []string{lockKey(name)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", name, err)
	}
	return res == 1, nil
}

// Extend refreshes the TTL only when owner holds the lock.
func (l *Lock) Extend(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res, err := extendOwnedScript.Run(ctx, l.rdb, []string{lockKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock %q: %w", name, err)
	}
	return res == 1, nil
}
