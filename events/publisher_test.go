package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/streams"
)

type fakeStream struct {
	mu     sync.Mutex
	added  []addedEvent
	addErr error
}

type addedEvent struct {
	name    string
	payload []byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, addedEvent{name: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (streams.Sink, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	stream    *fakeStream
	streamErr error
}

func (f *fakeClient) Stream(string, ...streamopts.Stream) (streams.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func TestPublishWritesEnvelope(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{}
	pub, err := NewStreamPublisher(PublisherOptions{Client: &fakeClient{stream: fs}})
	require.NoError(t, err)
	require.NoError(t, pub.Initialize(ctx))

	ev := New(KindRunStateChanged, RunStateChanged{
		RunID:   "r1",
		AgentID: "a1",
		From:    run.StatusPending,
		To:      run.StatusAssigned,
		NodeID:  "n1",
	})
	pub.Publish(ctx, ev)

	require.Len(t, fs.added, 1)
	require.Equal(t, string(KindRunStateChanged), fs.added[0].name)

	var got Event
	require.NoError(t, json.Unmarshal(fs.added[0].payload, &got))
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, KindRunStateChanged, got.Kind)

	var payload RunStateChanged
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	require.Equal(t, "r1", payload.RunID)
	require.Equal(t, run.StatusAssigned, payload.To)
}

func TestPublishFailureDoesNotPropagate(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStream{addErr: errors.New("redis down")}
	pub, err := NewStreamPublisher(PublisherOptions{Client: &fakeClient{stream: fs}})
	require.NoError(t, err)
	require.NoError(t, pub.Initialize(ctx))

	// Must not panic or return; failure is swallowed by contract.
	pub.Publish(ctx, New(KindNodeRegistered, NodeLifecycle{NodeID: "n1", State: "active"}))
	require.Empty(t, fs.added)
}

func TestPublishBeforeInitializeIsSilent(t *testing.T) {
	pub, err := NewStreamPublisher(PublisherOptions{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)
	pub.Publish(context.Background(), New(KindAgentDeployed, AgentDeployed{AgentID: "a1", Version: "v1"}))
}

func TestEventIDsAreUnique(t *testing.T) {
	a := New(KindNodeHeartbeat, NodeLifecycle{NodeID: "n1"})
	b := New(KindNodeHeartbeat, NodeLifecycle{NodeID: "n1"})
	require.NotEqual(t, a.ID, b.ID)
}
