// Package streams wraps goa.design/pulse streaming behind a small interface.
//
// Two kinds of streams flow through Redis: per-node lease streams carrying
// work assignments from the control plane to workers, and the single durable
// event stream carrying state-change events to external consumers. Callers
// build a Redis client, pass it to New, and receive a typed handle exposing
// only the operations the platform needs.
package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the streams client.
	Options struct {
		// Redis backs all Pulse streams. Required.
		Redis *redis.Client
		// MaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		MaxLen int
		// OperationTimeout bounds individual Add operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes stream access. Implementations wrap
	// goa.design/pulse streaming.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The caller owns the Redis
		// connection.
		Close(ctx context.Context) error
	}

	// Stream publishes payloads and creates sinks (consumer groups).
	Stream interface {
		// Add publishes a payload under the given event name and
		// returns the Redis-assigned event ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a stream.
	Sink interface {
		// Subscribe returns a channel emitting events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(ctx context.Context, ev *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(ctx context.Context)
	}
)

// LeaseStreamName returns the name of the per-node lease stream.
func LeaseStreamName(nodeID string) string {
	return fmt.Sprintf("node:%s:leases", nodeID)
}

// EventStreamName is the name of the durable state-change event stream.
const EventStreamName = "events"

// LeaseEventName is the event name under which lease messages are published
// on per-node streams.
const LeaseEventName = "lease"

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a streams client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.MaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named stream, creating it if needed.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns the Redis connection.
func (c *client) Close(context.Context) error {
	return nil
}

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// Add publishes a payload with an optional operation timeout.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("stream add: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// Destroy deletes the stream and all its messages.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows *streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Ack(ctx context.Context, ev *streaming.Event) error {
	return s.Sink.Ack(ctx, ev)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
