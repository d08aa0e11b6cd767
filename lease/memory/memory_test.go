package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	l1, ok, err := reg.Acquire(ctx, "r1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "n1", l1.NodeID)
	require.NotEmpty(t, l1.LeaseID)

	_, ok, err = reg.Acquire(ctx, "r1", "n2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// A different run is unaffected.
	_, ok, err = reg.Acquire(ctx, "r2", "n2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	first, ok, err := reg.Acquire(ctx, "r1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := reg.Release(ctx, "r1")
	require.NoError(t, err)
	require.True(t, released)

	second, ok, err := reg.Acquire(ctx, "r1", "n2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.LeaseID, second.LeaseID, "each issuance gets a fresh lease id")
}

func TestExpiryIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	now := time.Now()
	reg.SetClock(func() time.Time { return now })

	_, ok, err := reg.Acquire(ctx, "r1", "n1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	l, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, l)

	// Advance past expiry: the lease must be observably gone even though
	// no physical removal happened.
	now = now.Add(3 * time.Second)
	l, err = reg.Get(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, l)

	// And the run is schedulable again, possibly on another node.
	_, ok, err = reg.Acquire(ctx, "r1", "n2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	now := time.Now()
	reg.SetClock(func() time.Time { return now })

	_, ok, err := reg.Acquire(ctx, "r1", "n1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := reg.Extend(ctx, "r1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, extended)

	// Past the original TTL but inside the extension.
	now = now.Add(5 * time.Second)
	l, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, l)

	// Extending a missing lease is a no-op.
	extended, err = reg.Extend(ctx, "unknown", time.Second)
	require.NoError(t, err)
	require.False(t, extended)
}

// TestSingleActiveLeaseProperty verifies that for any interleaving of
// concurrent acquire attempts from distinct nodes, exactly one wins.
func TestSingleActiveLeaseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one concurrent acquire succeeds", prop.ForAll(
		func(contenders int) bool {
			ctx := context.Background()
			reg := NewRegistry()

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					_, ok, err := reg.Acquire(ctx, "race", nodeName(n), time.Minute)
					if err != nil {
						return
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			return wins == 1
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}

func nodeName(n int) string {
	return "node-" + string(rune('a'+n))
}

func TestLockOwnerScoped(t *testing.T) {
	ctx := context.Background()
	lock := NewLock()

	ok, err := lock.TryAcquire(ctx, "dispatch", "cp-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Another owner cannot take or release it.
	ok, err = lock.TryAcquire(ctx, "dispatch", "cp-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = lock.Release(ctx, "dispatch", "cp-2")
	require.NoError(t, err)
	require.False(t, ok)

	// The owner can extend and release.
	ok, err = lock.Extend(ctx, "dispatch", "cp-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lock.Release(ctx, "dispatch", "cp-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Freed lock is up for grabs.
	ok, err = lock.TryAcquire(ctx, "dispatch", "cp-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
