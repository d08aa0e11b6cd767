// Package worker runs the node side of the platform: it registers with the
// control plane, heartbeats its live capacity, consumes lease messages from
// its per-node stream, and executes runs through a pluggable Executor.
//
// Delivery is at-least-once. The worker acknowledges stream entries as soon
// as a slot is reserved; if it crashes mid-execution the lease expires
// server-side and the run is requeued, so no entry needs redelivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/pulse/streaming"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/streams"
	"github.com/skyhook-ai/skyhook/telemetry"
)

const (
	// DefaultHeartbeatInterval is how often the worker reports status.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultMaxConcurrentLeases bounds concurrent executions.
	DefaultMaxConcurrentLeases = 4
	// ConsumerGroup is the sink name on the per-node lease stream.
	ConsumerGroup = "worker"

	maxReconnectDelay = 60 * time.Second
	reconnectJitter   = 2 * time.Second
)

type (
	// Options configures a Worker.
	Options struct {
		// ID identifies this node. Required.
		ID string
		// ControlPlane is the control plane API client. Required.
		ControlPlane ControlPlane
		// Streams provides the lease stream. Required.
		Streams streams.Client
		// Executor runs assigned work. Required.
		Executor Executor
		// Metadata carries region, environment, and labels reported at
		// registration.
		Metadata map[string]string
		// Capacity is the declared run capacity. Zero slots default to
		// MaxConcurrentLeases.
		Capacity node.Capacity
		// MaxConcurrentLeases bounds concurrent executions. Defaults to
		// 4.
		MaxConcurrentLeases int
		// HeartbeatInterval defaults to 15s.
		HeartbeatInterval time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Worker is the node-side lease loop.
	Worker struct {
		id                string
		cp                ControlPlane
		streams           streams.Client
		executor          Executor
		metadata          map[string]string
		capacity          node.Capacity
		maxConcurrent     int
		heartbeatInterval time.Duration
		logger            telemetry.Logger
		metrics           telemetry.Metrics
		tracer            telemetry.Tracer

		sem      chan struct{}
		inFlight atomic.Int64
		execs    sync.WaitGroup

		// Test hooks.
		now    func() time.Time
		jitter func() time.Duration
	}
)

// New validates options and builds a Worker.
func New(opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("worker ID is required")
	}
	if opts.ControlPlane == nil {
		return nil, errors.New("control plane client is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("streams client is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	maxConcurrent := opts.MaxConcurrentLeases
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentLeases
	}
	capacity := opts.Capacity
	if capacity.Slots <= 0 {
		capacity.Slots = maxConcurrent
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Worker{
		id:                opts.ID,
		cp:                opts.ControlPlane,
		streams:           opts.Streams,
		executor:          opts.Executor,
		metadata:          opts.Metadata,
		capacity:          capacity,
		maxConcurrent:     maxConcurrent,
		heartbeatInterval: interval,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		sem:               make(chan struct{}, maxConcurrent),
		now:               time.Now,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(reconnectJitter)))
		},
	}, nil
}

// Run registers the node and consumes leases until the context is
// cancelled. On shutdown in-flight executions observe cancellation; their
// leases expire server-side and the runs are requeued. Run returns nil on
// clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.cp.RegisterNode(ctx, &api.RegisterNodeRequest{
		ID:       w.id,
		Metadata: w.metadata,
		Capacity: w.capacity,
	}); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	w.logger.Info(ctx, "node registered", "node", w.id, "slots", w.capacity.Slots)

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.heartbeats(ctx)
	}()

	attempt := 0
	for ctx.Err() == nil {
		err := w.receive(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			break
		}
		delay := w.reconnectDelay(attempt)
		attempt++
		w.logger.Warn(ctx, "lease stream disconnected, reconnecting",
			"node", w.id, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	bg.Wait()
	w.execs.Wait()
	w.deregister(ctx)
	return nil
}

// receive runs one subscribe session: open the node's lease stream, join
// the consumer group, and dispatch events until the stream breaks or the
// context ends. onSubscribe fires once the sink is live so the caller can
// reset its backoff.
func (w *Worker) receive(ctx context.Context, onSubscribe func()) error {
	stream, err := w.streams.Stream(streams.LeaseStreamName(w.id))
	if err != nil {
		return fmt.Errorf("open lease stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, ConsumerGroup)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	defer sink.Close(context.WithoutCancel(ctx))
	onSubscribe()

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("lease stream closed")
			}
			var msg api.LeaseMessage
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				w.logger.Error(ctx, "dropping malformed lease event",
					"event", ev.ID, "err", err)
				w.ackEvent(ctx, sink, ev)
				continue
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			w.ackEvent(ctx, sink, ev)
			w.execs.Add(1)
			go w.execute(ctx, msg)
		}
	}
}

// execute runs a single lease through the executor and reports the outcome.
func (w *Worker) execute(ctx context.Context, msg api.LeaseMessage) {
	defer w.execs.Done()
	defer func() { <-w.sem }()
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	// Best-effort start notification; the control plane moves the run to
	// running on receipt. Execution proceeds regardless.
	go func() {
		if _, err := w.cp.AckLease(ctx, msg.LeaseID, &api.AckRequest{
			RunID:       msg.RunID,
			NodeID:      w.id,
			TimestampMs: w.now().UnixMilli(),
		}); err != nil {
			w.logger.Warn(ctx, "lease ack failed", "run", msg.RunID, "err", err)
		}
	}()

	deadline := time.UnixMilli(msg.DeadlineUnixMs)
	if s := msg.Spec.Budgets.MaxDurationSeconds; s > 0 {
		if budget := w.now().Add(time.Duration(s) * time.Second); budget.Before(deadline) {
			deadline = budget
		}
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	execCtx, span := w.tracer.Start(execCtx, "worker.execute")
	defer span.End()

	started := w.now()
	res, err := w.executor.Execute(execCtx, msg.Spec)
	timings := map[string]int64{"execution_ms": w.now().Sub(started).Milliseconds()}

	if err != nil {
		span.RecordError(err)
		retryable := Classify(err)
		w.logger.Warn(ctx, "run failed", "run", msg.RunID, "retryable", retryable, "err", err)
		resp, rerr := w.cp.FailLease(ctx, msg.LeaseID, &api.FailRequest{
			RunID:        msg.RunID,
			NodeID:       w.id,
			ErrorMessage: err.Error(),
			Retryable:    retryable,
			Timings:      timings,
		})
		w.checkReport(ctx, msg.RunID, "fail", resp, rerr)
		return
	}

	req := &api.CompleteRequest{
		RunID:   msg.RunID,
		NodeID:  w.id,
		Timings: timings,
	}
	if res != nil {
		req.Result = res.Output
		req.Costs = res.Costs
	}
	resp, rerr := w.cp.CompleteLease(ctx, msg.LeaseID, req)
	w.checkReport(ctx, msg.RunID, "complete", resp, rerr)
}

// checkReport logs report failures. An unreported outcome is recovered by
// lease expiry on the control plane.
func (w *Worker) checkReport(ctx context.Context, runID, op string, resp *api.LeaseCallbackResponse, err error) {
	switch {
	case err != nil:
		w.logger.Error(ctx, "lease report failed", "run", runID, "op", op, "err", err)
	case !resp.Success:
		w.logger.Warn(ctx, "lease report rejected", "run", runID, "op", op, "reason", resp.Message)
	}
}

// heartbeats reports {state, activeRuns, availableSlots} on the configured
// interval until the context ends.
func (w *Worker) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := int(w.inFlight.Load())
			available := w.maxConcurrent - active
			if available < 0 {
				available = 0
			}
			if _, err := w.cp.Heartbeat(ctx, w.id, &api.HeartbeatRequest{
				State:          node.StateActive,
				ActiveRuns:     active,
				AvailableSlots: available,
			}); err != nil {
				w.logger.Warn(ctx, "heartbeat failed", "node", w.id, "err", err)
			}
		}
	}
}

// reconnectDelay computes the backoff before the next subscribe attempt:
// min(2^attempt seconds, 60s) plus up to 2s of jitter.
func (w *Worker) reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay + w.jitter()
}

// deregister tells the control plane the node is gone. Best effort; a
// missed deregistration is reaped by the heartbeat timeout.
func (w *Worker) deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.cp.DeregisterNode(ctx, w.id); err != nil {
		w.logger.Warn(ctx, "deregister failed", "node", w.id, "err", err)
		return
	}
	w.logger.Info(ctx, "node deregistered", "node", w.id)
}

func (w *Worker) ackEvent(ctx context.Context, sink streams.Sink, ev *streaming.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		w.logger.Warn(ctx, "event ack failed", "event", ev.ID, "err", err)
	}
}
