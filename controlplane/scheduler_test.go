package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	leasememory "github.com/skyhook-ai/skyhook/lease/memory"
	"github.com/skyhook-ai/skyhook/controlplane/store"
	storememory "github.com/skyhook-ai/skyhook/controlplane/store/memory"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

type schedulerFixture struct {
	runs   *storememory.RunStore
	nodes  *storememory.NodeStore
	leases *leasememory.Registry
	sched  *Scheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		runs:   storememory.NewRunStore(),
		nodes:  storememory.NewNodeStore(),
		leases: leasememory.NewRegistry(),
	}
	f.sched = NewScheduler(SchedulerOptions{
		Runs:   f.runs,
		Nodes:  f.nodes,
		Leases: f.leases,
	})
	return f
}

func (f *schedulerFixture) addNode(t *testing.T, id string, slots, active int, metadata map[string]string) {
	t.Helper()
	require.NoError(t, f.nodes.Upsert(context.Background(), &node.Node{
		ID:       id,
		Metadata: metadata,
		Capacity: node.Capacity{Slots: slots},
		Status: node.Status{
			State:          node.StateActive,
			ActiveRuns:     active,
			AvailableSlots: slots - active,
		},
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}))
}

func (f *schedulerFixture) addRun(t *testing.T, id string, constraints *run.Constraints) *run.Run {
	t.Helper()
	now := time.Now().UTC()
	r := &run.Run{
		ID:          id,
		AgentID:     "a1",
		Version:     "v1",
		Constraints: constraints,
		Status:      run.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.runs.Insert(context.Background(), r))
	return r
}

func TestSchedulePrefersLeastLoadedNode(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.addNode(t, "busy", 4, 3, nil)  // load 0.75
	f.addNode(t, "quiet", 4, 1, nil) // load 0.25

	r := f.addRun(t, "r1", nil)
	a, err := f.sched.Schedule(ctx, r)
	require.NoError(t, err)
	require.Equal(t, "quiet", a.Node.ID)
	require.Equal(t, run.StatusAssigned, a.Run.Status)
	require.Equal(t, "quiet", a.Run.NodeID)
	require.Equal(t, "quiet", a.Lease.NodeID)

	// Assignment consumed a slot.
	n, err := f.nodes.Get(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, 2, n.Status.ActiveRuns)
	require.Equal(t, 2, n.Status.AvailableSlots)
}

func TestScheduleTieBreaks(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	// Same load; "big" has more available slots.
	f.addNode(t, "small", 2, 1, nil)
	f.addNode(t, "big", 8, 4, nil)
	a, err := f.sched.Schedule(ctx, f.addRun(t, "r1", nil))
	require.NoError(t, err)
	require.Equal(t, "big", a.Node.ID)

	// Fully identical nodes: lowest ID wins.
	f2 := newSchedulerFixture(t)
	f2.addNode(t, "nb", 4, 0, nil)
	f2.addNode(t, "na", 4, 0, nil)
	r := f2.addRun(t, "r2", nil)
	a, err = f2.sched.Schedule(ctx, r)
	require.NoError(t, err)
	require.Equal(t, "na", a.Node.ID)
}

func TestScheduleConstraints(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.addNode(t, "eu", 4, 0, map[string]string{
		node.MetadataRegion:      "eu-west",
		node.MetadataEnvironment: "prod",
		"gpu":                    "a100",
	})
	f.addNode(t, "us", 4, 0, map[string]string{
		node.MetadataRegion:      "us-east",
		node.MetadataEnvironment: "prod",
	})

	a, err := f.sched.Schedule(ctx, f.addRun(t, "r1", &run.Constraints{Regions: []string{"eu-west"}}))
	require.NoError(t, err)
	require.Equal(t, "eu", a.Node.ID)

	a, err = f.sched.Schedule(ctx, f.addRun(t, "r2", &run.Constraints{Labels: map[string]string{"gpu": "a100"}}))
	require.NoError(t, err)
	require.Equal(t, "eu", a.Node.ID)

	_, err = f.sched.Schedule(ctx, f.addRun(t, "r3", &run.Constraints{Environment: "staging"}))
	require.ErrorIs(t, err, ErrNoPlacement)
}

func TestScheduleSkipsStaleAndDrainingNodes(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.addNode(t, "stale", 4, 0, nil)
	_, err := f.nodes.UpdateStatus(ctx, "stale",
		node.Status{State: node.StateActive, AvailableSlots: 4},
		time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)

	f.addNode(t, "draining", 4, 0, nil)
	_, err = f.nodes.SetState(ctx, "draining", node.StateDraining)
	require.NoError(t, err)

	_, err = f.sched.Schedule(ctx, f.addRun(t, "r1", nil))
	require.ErrorIs(t, err, ErrNoPlacement)
}

func TestScheduleRespectsCapacity(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1", 2, 0, nil)

	for i, id := range []string{"r1", "r2"} {
		a, err := f.sched.Schedule(ctx, f.addRun(t, id, nil))
		require.NoError(t, err)
		require.Equal(t, i+1, a.Node.Status.ActiveRuns)
	}

	// Capacity exhausted: third run stays pending.
	_, err := f.sched.Schedule(ctx, f.addRun(t, "r3", nil))
	require.ErrorIs(t, err, ErrNoPlacement)

	got, err := f.runs.Get(ctx, "r3")
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)
}

func TestScheduleLosesLeaseRace(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1", 4, 0, nil)
	r := f.addRun(t, "r1", nil)

	_, ok, err := f.leases.Acquire(ctx, r.ID, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.sched.Schedule(ctx, r)
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestScheduleCancelledRunGetsNoLease(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1", 4, 0, nil)
	r := f.addRun(t, "r1", nil)

	// Cancel between the store read and the scheduling pass.
	_, err := f.runs.Transition(ctx, r.ID, []run.Status{run.StatusPending}, run.StatusCancelled, store.RunPatch{})
	require.NoError(t, err)

	_, err = f.sched.Schedule(ctx, r)
	require.ErrorIs(t, err, ErrNotPending)

	// The lease must not linger on a cancelled run.
	l, err := f.leases.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Nil(t, l)
}

func TestMatchesConstraintsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genRegion := gen.OneConstOf("eu-west", "us-east", "ap-south")
	genEnv := gen.OneConstOf("prod", "staging", "")

	properties.Property("node matching every requirement is eligible", prop.ForAll(
		func(region string, env string) bool {
			n := &node.Node{ID: "n", Metadata: map[string]string{}}
			if region != "" {
				n.Metadata[node.MetadataRegion] = region
			}
			if env != "" {
				n.Metadata[node.MetadataEnvironment] = env
			}
			c := &run.Constraints{Environment: env}
			if region != "" {
				c.Regions = []string{region}
			}
			return MatchesConstraints(c, n)
		},
		genRegion,
		genEnv,
	))

	properties.Property("missing required metadata makes the node ineligible", prop.ForAll(
		func(region string) bool {
			bare := &node.Node{ID: "n"}
			c := &run.Constraints{Regions: []string{region}}
			return !MatchesConstraints(c, bare)
		},
		genRegion,
	))

	properties.Property("nil constraints match any node", prop.ForAll(
		func(region string) bool {
			n := &node.Node{ID: "n", Metadata: map[string]string{node.MetadataRegion: region}}
			return MatchesConstraints(nil, n)
		},
		genRegion,
	))

	properties.TestingRun(t)
}
