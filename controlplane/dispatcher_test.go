package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/skyhook-ai/skyhook/api"
	storememory "github.com/skyhook-ai/skyhook/controlplane/store/memory"
	"github.com/skyhook-ai/skyhook/events"
	leasememory "github.com/skyhook-ai/skyhook/lease/memory"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/streams"
)

type fakeEntry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu      sync.Mutex
	entries []fakeEntry
	failAdd bool
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd {
		return "", errors.New("stream unavailable")
	}
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return fmt.Sprintf("%d-0", len(s.entries)), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (streams.Sink, error) {
	return nil, errors.New("not supported")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) leases(t *testing.T) []api.LeaseMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []api.LeaseMessage
	for _, e := range s.entries {
		require.Equal(t, streams.LeaseEventName, e.event)
		var msg api.LeaseMessage
		require.NoError(t, json.Unmarshal(e.payload, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

type fakeStreams struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{streams: make(map[string]*fakeStream)}
}

func (c *fakeStreams) Stream(name string, _ ...streamopts.Stream) (streams.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	s := &fakeStream{}
	c.streams[name] = s
	return s, nil
}

func (c *fakeStreams) Close(context.Context) error { return nil }

func (c *fakeStreams) nodeStream(nodeID string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streams.LeaseStreamName(nodeID)]
}

type dispatcherFixture struct {
	runs      *storememory.RunStore
	nodes     *storememory.NodeStore
	leases    *leasememory.Registry
	streams   *fakeStreams
	metrics   *recordingMetrics
	publisher *capturingPublisher
	disp      *Dispatcher
}

func newDispatcherFixture(t *testing.T, leaseTTL time.Duration) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		runs:      storememory.NewRunStore(),
		nodes:     storememory.NewNodeStore(),
		leases:    leasememory.NewRegistry(),
		streams:   newFakeStreams(),
		metrics:   newRecordingMetrics(),
		publisher: &capturingPublisher{},
	}
	sched := NewScheduler(SchedulerOptions{
		Runs:     f.runs,
		Nodes:    f.nodes,
		Leases:   f.leases,
		LeaseTTL: leaseTTL,
		Metrics:  f.metrics,
	})
	f.disp = NewDispatcher(DispatcherOptions{
		Runs:      f.runs,
		Nodes:     f.nodes,
		Leases:    f.leases,
		Scheduler: sched,
		Lock:      leasememory.NewLock(),
		Streams:   f.streams,
		Publisher: f.publisher,
		Metrics:   f.metrics,
	})
	return f
}

func (f *dispatcherFixture) addNode(t *testing.T, id string, slots int) {
	t.Helper()
	require.NoError(t, f.nodes.Upsert(context.Background(), &node.Node{
		ID:       id,
		Capacity: node.Capacity{Slots: slots},
		Status: node.Status{
			State:          node.StateActive,
			AvailableSlots: slots,
		},
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}))
}

func (f *dispatcherFixture) addPendingRun(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.runs.Insert(context.Background(), &run.Run{
		ID:        id,
		AgentID:   "a1",
		Version:   "v1",
		Status:    run.StatusPending,
		TraceID:   "trace-" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestTickDispatchesPendingRun(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 4)
	f.addPendingRun(t, "r1")

	f.disp.Tick(ctx)

	got, err := f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)
	require.Equal(t, "N1", got.NodeID)

	msgs := f.streams.nodeStream("N1").leases(t)
	require.Len(t, msgs, 1)
	require.Equal(t, "r1", msgs[0].RunID)
	require.Equal(t, "a1", msgs[0].Spec.AgentID)
	require.Equal(t, "trace-r1", msgs[0].TraceID)
	require.NotEmpty(t, msgs[0].LeaseID)
	require.Greater(t, msgs[0].DeadlineUnixMs, time.Now().UnixMilli())

	require.EqualValues(t, 1, f.metrics.counterTotal("leases_emitted_total"))
}

func TestTickDispatchesOldestFirst(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 1)

	now := time.Now().UTC()
	for i, id := range []string{"old", "new"} {
		require.NoError(t, f.runs.Insert(ctx, &run.Run{
			ID:        id,
			AgentID:   "a1",
			Version:   "v1",
			Status:    run.StatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		}))
	}

	f.disp.Tick(ctx)

	got, err := f.runs.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)
	got, err = f.runs.Get(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)
}

func TestNodeCapacityBoundsOutstandingLeases(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 2)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		f.addPendingRun(t, id)
	}

	f.disp.Tick(ctx)

	// Two slots, two leases; the rest stay pending.
	msgs := f.streams.nodeStream("N1").leases(t)
	require.Len(t, msgs, 2)

	counts, err := f.runs.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[run.StatusAssigned])
	require.Equal(t, 2, counts[run.StatusPending])

	n, err := f.nodes.Get(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, 2, n.Status.ActiveRuns)
	require.Zero(t, n.Status.AvailableSlots)
}

func TestExpiredLeaseRequeue(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 4)
	f.addPendingRun(t, "r1")

	base := time.Now().UTC()
	f.leases.SetClock(func() time.Time { return base })
	f.disp.Tick(ctx)

	got, err := f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)

	// The node goes silent and the lease TTL elapses. The next tick
	// requeues the run and immediately reassigns it with a fresh lease.
	f.leases.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	f.disp.Tick(ctx)

	got, err = f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)
	// Lease expiry is not a failure; attempts stay put.
	require.Zero(t, got.Attempts)
	require.EqualValues(t, 1, f.metrics.counterTotal("leases_expired_total"))

	msgs := f.streams.nodeStream("N1").leases(t)
	require.Len(t, msgs, 2)
	require.NotEqual(t, msgs[0].LeaseID, msgs[1].LeaseID)
}

func TestReapStaleNodes(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 4)

	// Push the heartbeat beyond the timeout.
	_, err := f.nodes.UpdateStatus(ctx, "N1",
		node.Status{State: node.StateActive, AvailableSlots: 4},
		time.Now().UTC().Add(-2*node.DefaultHeartbeatTimeout))
	require.NoError(t, err)

	f.disp.Tick(ctx)

	n, err := f.nodes.Get(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, node.StateOffline, n.Status.State)
	require.Contains(t, f.publisher.kinds(), events.KindNodeDisconnected)

	// Offline nodes are not reaped twice.
	before := len(f.publisher.kinds())
	f.disp.Tick(ctx)
	require.Len(t, f.publisher.kinds(), before)
}

func TestFailedLeasePublishLeavesRunRecoverable(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 4)
	f.addPendingRun(t, "r1")

	// Break the node's stream before dispatch.
	s, err := f.streams.Stream(streams.LeaseStreamName("N1"))
	require.NoError(t, err)
	s.(*fakeStream).failAdd = true

	base := time.Now().UTC()
	f.leases.SetClock(func() time.Time { return base })
	f.disp.Tick(ctx)

	// Assignment held even though the worker never heard about it.
	got, err := f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)
	require.Zero(t, f.metrics.counterTotal("leases_emitted_total"))

	// Expiry recovers the run and the repaired stream delivers it.
	s.(*fakeStream).failAdd = false
	f.leases.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	f.disp.Tick(ctx)
	f.disp.Tick(ctx)

	got, err = f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusAssigned, got.Status)
	require.Len(t, f.streams.nodeStream("N1").leases(t), 1)
}

func TestDispatchRunWithConstraintsStaysPending(t *testing.T) {
	f := newDispatcherFixture(t, time.Minute)
	ctx := context.Background()
	f.addNode(t, "N1", 4)

	now := time.Now().UTC()
	require.NoError(t, f.runs.Insert(ctx, &run.Run{
		ID:          "r1",
		AgentID:     "a1",
		Version:     "v1",
		Constraints: &run.Constraints{Regions: []string{"r3"}},
		Status:      run.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	f.disp.Tick(ctx)

	got, err := f.runs.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)
	require.EqualValues(t, 1, f.metrics.counterTotal("scheduling_failures_total"))
}
