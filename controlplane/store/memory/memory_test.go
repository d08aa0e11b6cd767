package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

func newRun(id string, status run.Status) *run.Run {
	now := time.Now().UTC()
	return &run.Run{
		ID:        id,
		AgentID:   "a1",
		Version:   "v1",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()
	require.NoError(t, s.Insert(ctx, newRun("r1", run.StatusPending)))

	nodeID := "n1"
	updated, err := s.Transition(ctx, "r1", []run.Status{run.StatusPending}, run.StatusAssigned, store.RunPatch{NodeID: &nodeID})
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, updated.Status)
	require.Equal(t, "n1", updated.NodeID)

	// Wrong from-state is rejected and leaves the record unchanged.
	_, err = s.Transition(ctx, "r1", []run.Status{run.StatusPending}, run.StatusCancelled, store.RunPatch{})
	require.ErrorIs(t, err, store.ErrPrecondition)
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)

	// Illegal edge is rejected even when from matches the current state.
	_, err = s.Transition(ctx, "r1", []run.Status{run.StatusAssigned}, run.StatusAssigned, store.RunPatch{})
	require.ErrorIs(t, err, store.ErrPrecondition)

	// Unknown run.
	_, err = s.Transition(ctx, "nope", []run.Status{run.StatusPending}, run.StatusAssigned, store.RunPatch{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionToTerminalRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()
	r := newRun("r1", run.StatusRunning)
	r.NodeID = "n1"
	require.NoError(t, s.Insert(ctx, r))

	updated, err := s.Transition(ctx, "r1",
		[]run.Status{run.StatusAssigned, run.StatusRunning},
		run.StatusCompleted,
		store.RunPatch{
			Timings: map[string]int64{run.TimingDuration: 1500},
			Costs:   &run.Costs{TokensIn: 100, TokensOut: 50, USD: 0.002},
		})
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, updated.Status)
	require.EqualValues(t, 1500, updated.Timings[run.TimingDuration])
	require.Equal(t, 100, updated.Costs.TokensIn)
	// Terminal runs retain their node assignment for audit.
	require.Equal(t, "n1", updated.NodeID)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore()
	for _, r := range []*run.Run{
		newRun("r1", run.StatusPending),
		newRun("r2", run.StatusPending),
		newRun("r3", run.StatusCompleted),
	} {
		require.NoError(t, s.Insert(ctx, r))
	}
	n := "n9"
	_, err := s.Transition(ctx, "r2", []run.Status{run.StatusPending}, run.StatusAssigned, store.RunPatch{NodeID: &n})
	require.NoError(t, err)

	pending, err := s.List(ctx, store.RunFilter{Statuses: []run.Status{run.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "r1", pending[0].ID)

	byNode, err := s.List(ctx, store.RunFilter{NodeID: "n9"})
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	require.Equal(t, "r2", byNode[0].ID)

	byAgent, err := s.List(ctx, store.RunFilter{AgentID: "a1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, byAgent, 2)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[run.StatusPending])
	require.Equal(t, 1, counts[run.StatusAssigned])
	require.Equal(t, 1, counts[run.StatusCompleted])
}

func TestNodeRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewNodeStore()

	n := &node.Node{
		ID:       "n1",
		Metadata: map[string]string{node.MetadataRegion: "r1"},
		Capacity: node.Capacity{Slots: 4},
		Status:   node.Status{State: node.StateActive, AvailableSlots: 4},
	}
	require.NoError(t, s.Upsert(ctx, n))

	// Re-register with new metadata replaces the record.
	n2 := &node.Node{
		ID:       "n1",
		Metadata: map[string]string{node.MetadataRegion: "r2"},
		Capacity: node.Capacity{Slots: 8},
		Status:   node.Status{State: node.StateActive, AvailableSlots: 8},
	}
	require.NoError(t, s.Upsert(ctx, n2))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "r2", got.Metadata[node.MetadataRegion])
	require.Equal(t, 8, got.Capacity.Slots)
	require.Equal(t, node.StateActive, got.Status.State)
	require.Zero(t, got.Status.ActiveRuns)
}

func TestRecordAssignmentRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewNodeStore()
	require.NoError(t, s.Upsert(ctx, &node.Node{
		ID:       "n1",
		Capacity: node.Capacity{Slots: 2},
		Status:   node.Status{State: node.StateActive, AvailableSlots: 2},
	}))

	for i := 0; i < 2; i++ {
		_, err := s.RecordAssignment(ctx, "n1")
		require.NoError(t, err)
	}
	_, err := s.RecordAssignment(ctx, "n1")
	require.ErrorIs(t, err, store.ErrPrecondition)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Status.ActiveRuns)
	require.Zero(t, got.Status.AvailableSlots)
	require.LessOrEqual(t, got.Status.ActiveRuns, got.Capacity.Slots)
}

func TestHeartbeatUpdatesStatusAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewNodeStore()
	require.NoError(t, s.Upsert(ctx, &node.Node{
		ID:       "n1",
		Capacity: node.Capacity{Slots: 4},
		Status:   node.Status{State: node.StateActive, AvailableSlots: 4},
	}))

	at := time.Now().UTC()
	status := node.Status{State: node.StateActive, ActiveRuns: 1, AvailableSlots: 3}

	got, err := s.UpdateStatus(ctx, "n1", status, at)
	require.NoError(t, err)
	require.Equal(t, status, got.Status)
	require.Equal(t, at, got.LastHeartbeat)

	// Idempotent on status; only the timestamp moves.
	at2 := at.Add(10 * time.Second)
	got2, err := s.UpdateStatus(ctx, "n1", status, at2)
	require.NoError(t, err)
	require.Equal(t, got.Status, got2.Status)
	require.Equal(t, at2, got2.LastHeartbeat)
}

func TestAgentStore(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore()

	require.NoError(t, s.Upsert(ctx, &store.Agent{ID: "a1", Version: "v1"}))
	require.NoError(t, s.Upsert(ctx, &store.Agent{ID: "a1", Version: "v2"}))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Version)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
