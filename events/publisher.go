package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skyhook-ai/skyhook/streams"
	"github.com/skyhook-ai/skyhook/telemetry"
)

type (
	// Publisher writes events to the durable event stream.
	Publisher interface {
		// Initialize ensures the event stream exists. Idempotent;
		// failures are reported but callers may continue without a
		// working publisher.
		Initialize(ctx context.Context) error
		// Publish writes one event, best-effort. Failures are logged
		// and counted, never returned, so state transitions are never
		// blocked by the event bus.
		Publish(ctx context.Context, ev Event)
	}

	// StreamPublisher publishes to a Pulse stream over Redis.
	StreamPublisher struct {
		client  streams.Client
		stream  streams.Stream
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// PublisherOptions configures a StreamPublisher.
	PublisherOptions struct {
		// Client is the streams client. Required.
		Client streams.Client
		// Logger receives publish failures. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts publishes and failures. Defaults to noop.
		Metrics telemetry.Metrics
	}
)

// Compile-time check that StreamPublisher implements Publisher.
var _ Publisher = (*StreamPublisher)(nil)

// NewStreamPublisher creates a publisher over the durable event stream.
// Call Initialize before the first Publish.
func NewStreamPublisher(opts PublisherOptions) (*StreamPublisher, error) {
	if opts.Client == nil {
		return nil, errors.New("streams client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &StreamPublisher{
		client:  opts.Client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Initialize opens (or creates) the event stream. Safe to call repeatedly.
func (p *StreamPublisher) Initialize(ctx context.Context) error {
	stream, err := p.client.Stream(streams.EventStreamName)
	if err != nil {
		return fmt.Errorf("initialize event stream: %w", err)
	}
	p.stream = stream
	return nil
}

// Publish writes one event. At-least-once: the stream may retain duplicates
// across retries, consumers dedupe by event ID.
func (p *StreamPublisher) Publish(ctx context.Context, ev Event) {
	if p.stream == nil {
		// Initialize failed or was skipped; stay silent but counted.
		p.metrics.IncCounter(telemetry.MetricEventsPublishFailure, 1, "reason", "uninitialized")
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error(ctx, "marshal event", "event_id", ev.ID, "kind", string(ev.Kind), "err", err.Error())
		p.metrics.IncCounter(telemetry.MetricEventsPublishFailure, 1, "reason", "marshal")
		return
	}
	if _, err := p.stream.Add(ctx, string(ev.Kind), payload); err != nil {
		p.logger.Error(ctx, "publish event", "event_id", ev.ID, "kind", string(ev.Kind), "err", err.Error())
		p.metrics.IncCounter(telemetry.MetricEventsPublishFailure, 1, "reason", "add")
		return
	}
	p.metrics.IncCounter(telemetry.MetricEventsPublished, 1, "kind", string(ev.Kind))
}

// NoopPublisher drops all events. Used when the event bus is not configured.
type NoopPublisher struct{}

// Initialize is a no-op.
func (NoopPublisher) Initialize(context.Context) error { return nil }

// Publish drops the event.
func (NoopPublisher) Publish(context.Context, Event) {}
