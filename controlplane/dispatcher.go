package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/events"
	"github.com/skyhook-ai/skyhook/lease"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/streams"
	"github.com/skyhook-ai/skyhook/telemetry"
)

// DefaultPollInterval is the dispatch loop cadence.
const DefaultPollInterval = 2 * time.Second

// dispatchLockName names the distributed lock that makes the dispatch loop a
// cluster singleton.
const dispatchLockName = "dispatch"

// Dispatcher is the control plane's background loop. Each tick, under a
// distributed lock so only one instance dispatches at a time, it requeues
// runs whose leases expired, reaps silent nodes, schedules pending runs, and
// publishes lease messages to the assigned nodes' streams.
type Dispatcher struct {
	runs      store.RunStore
	nodes     store.NodeStore
	leases    lease.Registry
	scheduler *Scheduler
	lock      lease.Lock
	streams   streams.Client
	publisher events.Publisher

	pollInterval     time.Duration
	heartbeatTimeout time.Duration
	limiter          *rate.Limiter
	owner            string

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	now func() time.Time

	mu      sync.Mutex
	handles map[string]streams.Stream
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Runs      store.RunStore
	Nodes     store.NodeStore
	Leases    lease.Registry
	Scheduler *Scheduler
	// Lock coordinates dispatch across control plane instances. Required.
	Lock lease.Lock
	// Streams carries lease messages to nodes. Required.
	Streams   streams.Client
	Publisher events.Publisher
	// PollInterval is the loop cadence. Defaults to 2s.
	PollInterval time.Duration
	// HeartbeatTimeout bounds node silence before reaping. Defaults to 60s.
	HeartbeatTimeout time.Duration
	// DispatchRate caps lease emissions per second. Zero means unlimited.
	DispatchRate float64
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
	Tracer       telemetry.Tracer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		runs:             opts.Runs,
		nodes:            opts.Nodes,
		leases:           opts.Leases,
		scheduler:        opts.Scheduler,
		lock:             opts.Lock,
		streams:          opts.Streams,
		publisher:        opts.Publisher,
		pollInterval:     opts.PollInterval,
		heartbeatTimeout: opts.HeartbeatTimeout,
		owner:            uuid.New().String(),
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		now:              func() time.Time { return time.Now().UTC() },
		handles:          make(map[string]streams.Stream),
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.heartbeatTimeout <= 0 {
		d.heartbeatTimeout = node.DefaultHeartbeatTimeout
	}
	if opts.DispatchRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.DispatchRate), 1)
	}
	if d.publisher == nil {
		d.publisher = events.NoopPublisher{}
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.metrics == nil {
		d.metrics = telemetry.NewNoopMetrics()
	}
	if d.tracer == nil {
		d.tracer = telemetry.NewNoopTracer()
	}
	return d
}

// Run executes the dispatch loop until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.releaseLock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			held, err := d.lock.TryAcquire(ctx, dispatchLockName, d.owner, d.lockTTL())
			if err != nil {
				d.logger.Warn(ctx, "dispatch lock acquisition failed", "err", err)
				continue
			}
			if !held {
				continue
			}
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass: expired-lease requeue, stale-node reaping,
// pending-run scheduling, and gauge refresh. Exported so tests can drive the
// loop deterministically.
func (d *Dispatcher) Tick(ctx context.Context) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	d.requeueExpired(ctx)
	d.reapStaleNodes(ctx)
	d.dispatchPending(ctx)
	d.updateGauges(ctx)
}

// requeueExpired returns assigned or running runs whose leases expired to
// pending. Attempt counters stay untouched; expiry is not a failure of the
// run.
func (d *Dispatcher) requeueExpired(ctx context.Context) {
	held, err := d.runs.List(ctx, store.RunFilter{
		Statuses: []run.Status{run.StatusAssigned, run.StatusRunning},
	})
	if err != nil {
		d.logger.Error(ctx, "list held runs", "err", err)
		return
	}
	for _, r := range held {
		l, err := d.leases.Get(ctx, r.ID)
		if err != nil {
			d.logger.Error(ctx, "lease lookup", "run_id", r.ID, "err", err)
			continue
		}
		if l != nil {
			continue
		}
		unassigned := ""
		updated, err := d.runs.Transition(ctx, r.ID,
			[]run.Status{r.Status}, run.StatusPending,
			store.RunPatch{NodeID: &unassigned})
		if err != nil {
			// The run completed or was cancelled since listing. Fine.
			if !errors.Is(err, store.ErrPrecondition) && !errors.Is(err, store.ErrNotFound) {
				d.logger.Error(ctx, "requeue expired run", "run_id", r.ID, "err", err)
			}
			continue
		}
		d.metrics.IncCounter(telemetry.MetricLeasesExpired, 1)
		d.logger.Warn(ctx, "lease expired, run requeued",
			"run_id", r.ID, "node_id", r.NodeID, "was", string(r.Status))
		d.publisher.Publish(ctx, events.New(events.KindRunStateChanged, events.RunStateChanged{
			RunID:    updated.ID,
			AgentID:  updated.AgentID,
			From:     r.Status,
			To:       updated.Status,
			Attempts: updated.Attempts,
			TraceID:  updated.TraceID,
		}))
	}
}

// reapStaleNodes marks nodes offline when their heartbeat is older than the
// timeout. Their runs are recovered separately through lease expiry.
func (d *Dispatcher) reapStaleNodes(ctx context.Context) {
	all, err := d.nodes.List(ctx)
	if err != nil {
		d.logger.Error(ctx, "list nodes", "err", err)
		return
	}
	now := d.now()
	for _, n := range all {
		if n.Status.State == node.StateOffline {
			continue
		}
		if now.Sub(n.LastHeartbeat) <= d.heartbeatTimeout {
			continue
		}
		if _, err := d.nodes.SetState(ctx, n.ID, node.StateOffline); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.logger.Error(ctx, "reap stale node", "node_id", n.ID, "err", err)
			}
			continue
		}
		d.logger.Warn(ctx, "node went silent, marked offline",
			"node_id", n.ID, "last_heartbeat", n.LastHeartbeat)
		d.publisher.Publish(ctx, events.New(events.KindNodeDisconnected, events.NodeLifecycle{
			NodeID: n.ID,
			State:  string(node.StateOffline),
		}))
	}
}

// dispatchPending schedules pending runs oldest first and publishes a lease
// message for each assignment.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	pending, err := d.runs.List(ctx, store.RunFilter{
		Statuses: []run.Status{run.StatusPending},
	})
	if err != nil {
		d.logger.Error(ctx, "list pending runs", "err", err)
		return
	}
	// List returns newest first; dispatch in FIFO order.
	for i := len(pending) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		if d.limiter != nil && !d.limiter.Allow() {
			return
		}
		r := pending[i]
		a, err := d.scheduler.Schedule(ctx, r)
		if err != nil {
			// No placement and lost races both resolve on a later pass.
			if !errors.Is(err, ErrNoPlacement) && !errors.Is(err, ErrLeaseHeld) && !errors.Is(err, ErrNotPending) {
				d.logger.Error(ctx, "schedule run", "run_id", r.ID, "err", err)
			}
			continue
		}
		d.emitLease(ctx, a)
	}
}

// emitLease publishes the lease message on the assigned node's stream. A
// failed publish is not rolled back: the worker never sees the lease, it
// expires, and the run is requeued.
func (d *Dispatcher) emitLease(ctx context.Context, a *Assignment) {
	msg := api.LeaseMessage{
		LeaseID:        a.Lease.LeaseID,
		RunID:          a.Run.ID,
		Spec:           run.SpecOf(a.Run),
		DeadlineUnixMs: a.Lease.ExpiresAt.UnixMilli(),
		TraceID:        a.Run.TraceID,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error(ctx, "marshal lease message", "run_id", a.Run.ID, "err", err)
		return
	}
	stream, err := d.streamFor(a.Node.ID)
	if err != nil {
		d.logger.Error(ctx, "open lease stream", "node_id", a.Node.ID, "err", err)
		return
	}
	if _, err := stream.Add(ctx, streams.LeaseEventName, payload); err != nil {
		d.logger.Error(ctx, "publish lease",
			"run_id", a.Run.ID, "node_id", a.Node.ID, "lease_id", a.Lease.LeaseID, "err", err)
		return
	}
	d.metrics.IncCounter(telemetry.MetricLeasesEmitted, 1, "node_id", a.Node.ID)
	d.logger.Info(ctx, "lease dispatched",
		"run_id", a.Run.ID, "node_id", a.Node.ID, "lease_id", a.Lease.LeaseID,
		"deadline", a.Lease.ExpiresAt)
}

func (d *Dispatcher) updateGauges(ctx context.Context) {
	if counts, err := d.runs.CountByStatus(ctx); err == nil {
		d.metrics.RecordGauge(telemetry.MetricRunsPending, float64(counts[run.StatusPending]))
	}
	all, err := d.nodes.List(ctx)
	if err != nil {
		return
	}
	now := d.now()
	live := 0
	for _, n := range all {
		if n.Live(now, d.heartbeatTimeout) {
			live++
		}
	}
	d.metrics.RecordGauge(telemetry.MetricNodesLive, float64(live))
}

func (d *Dispatcher) streamFor(nodeID string) (streams.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.handles[nodeID]; ok {
		return s, nil
	}
	s, err := d.streams.Stream(streams.LeaseStreamName(nodeID))
	if err != nil {
		return nil, err
	}
	d.handles[nodeID] = s
	return s, nil
}

func (d *Dispatcher) lockTTL() time.Duration {
	// Long enough to survive a slow pass, short enough that a crashed
	// instance hands over quickly.
	return 2*d.pollInterval + time.Second
}

func (d *Dispatcher) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.lock.Release(ctx, dispatchLockName, d.owner); err != nil {
		d.logger.Warn(ctx, "failed to release dispatch lock", "err", err)
	}
}
