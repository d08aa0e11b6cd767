package controlplane

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/lease"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/telemetry"
)

// Scheduling failure reasons, used as the reason tag on
// scheduling_failures_total.
const (
	ReasonNoActiveNodes   = "no_active_nodes"
	ReasonNoEligibleNodes = "no_eligible_nodes"
	ReasonNoCapacity      = "no_capacity"
	ReasonLeaseHeld       = "lease_held"
	ReasonRunGone         = "run_gone"
)

var (
	// ErrNoPlacement is returned when no node can take the run right now.
	// The run stays pending; the dispatcher retries on its next pass.
	ErrNoPlacement = errors.New("no eligible node with capacity")
	// ErrLeaseHeld is returned when the run is already leased, typically
	// because a concurrent scheduling pass won the race.
	ErrLeaseHeld = errors.New("run already leased")
	// ErrNotPending is returned when the run left the pending state before
	// scheduling started. Terminal runs never receive a lease.
	ErrNotPending = errors.New("run is not pending")
)

// Scheduler assigns pending runs to eligible nodes. It is safe to run from
// several control plane instances at once: the lease registry is the
// synchronizer, so at most one instance wins each run.
type Scheduler struct {
	runs             store.RunStore
	nodes            store.NodeStore
	leases           lease.Registry
	leaseTTL         time.Duration
	heartbeatTimeout time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	now func() time.Time
}

// Assignment is the outcome of a successful scheduling decision.
type Assignment struct {
	Run   *run.Run
	Node  *node.Node
	Lease lease.Lease
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Runs             store.RunStore
	Nodes            store.NodeStore
	Leases           lease.Registry
	LeaseTTL         time.Duration
	HeartbeatTimeout time.Duration
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
	Tracer           telemetry.Tracer
}

// NewScheduler creates a Scheduler. Zero durations fall back to defaults;
// nil telemetry falls back to noop implementations.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		runs:             opts.Runs,
		nodes:            opts.Nodes,
		leases:           opts.Leases,
		leaseTTL:         opts.LeaseTTL,
		heartbeatTimeout: opts.HeartbeatTimeout,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		now:              func() time.Time { return time.Now().UTC() },
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = lease.DefaultTTL
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = node.DefaultHeartbeatTimeout
	}
	if s.logger == nil {
		s.logger = telemetry.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics{}
	}
	if s.tracer == nil {
		s.tracer = telemetry.NoopTracer{}
	}
	return s
}

// Schedule places a pending run on the best eligible node: it acquires the
// run lease, records the assignment against the node's capacity, and
// transitions the run to assigned. Returns ErrNoPlacement when no node
// qualifies and ErrLeaseHeld when another scheduling pass already owns the
// run.
func (s *Scheduler) Schedule(ctx context.Context, r *run.Run) (*Assignment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.schedule")
	defer span.End()
	span.AddEvent("candidate search", "run_id", r.ID)

	started := s.now()
	s.metrics.IncCounter(telemetry.MetricSchedulingAttempts, 1)
	defer func() {
		s.metrics.RecordTimer(telemetry.MetricSchedulingDuration, s.now().Sub(started))
	}()

	current, err := s.runs.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != run.StatusPending {
		return nil, ErrNotPending
	}

	candidates, reason, err := s.candidates(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		s.metrics.IncCounter(telemetry.MetricSchedulingFailures, 1, "reason", reason)
		s.logger.Debug(ctx, "no placement for run", "run_id", r.ID, "reason", reason)
		return nil, ErrNoPlacement
	}

	for _, candidate := range candidates {
		granted, ok, err := s.leases.Acquire(ctx, r.ID, candidate.ID, s.leaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another instance got here first. Not a failure of this run.
			s.metrics.IncCounter(telemetry.MetricSchedulingFailures, 1, "reason", ReasonLeaseHeld)
			return nil, ErrLeaseHeld
		}

		assigned, err := s.nodes.RecordAssignment(ctx, candidate.ID)
		if errors.Is(err, store.ErrPrecondition) || errors.Is(err, store.ErrNotFound) {
			// Candidate filled up (or deregistered) between listing and
			// assignment. Free the lease and try the next one.
			s.releaseQuietly(ctx, r.ID)
			continue
		}
		if err != nil {
			s.releaseQuietly(ctx, r.ID)
			return nil, err
		}

		nodeID := candidate.ID
		updated, err := s.runs.Transition(ctx, r.ID,
			[]run.Status{run.StatusPending}, run.StatusAssigned,
			store.RunPatch{NodeID: &nodeID})
		if err != nil {
			// Run was cancelled or scheduled elsewhere in the meantime.
			// Drop the lease; the node's next heartbeat re-syncs its
			// counters.
			s.releaseQuietly(ctx, r.ID)
			if errors.Is(err, store.ErrPrecondition) || errors.Is(err, store.ErrNotFound) {
				s.metrics.IncCounter(telemetry.MetricSchedulingFailures, 1, "reason", ReasonRunGone)
				return nil, ErrLeaseHeld
			}
			return nil, err
		}

		s.logger.Info(ctx, "run assigned",
			"run_id", r.ID,
			"node_id", candidate.ID,
			"lease_id", granted.LeaseID,
			"lease_expires_at", granted.ExpiresAt)
		return &Assignment{Run: updated, Node: assigned, Lease: granted}, nil
	}

	// Every candidate filled up while we raced.
	s.metrics.IncCounter(telemetry.MetricSchedulingFailures, 1, "reason", ReasonNoCapacity)
	return nil, ErrNoPlacement
}

// candidates returns eligible nodes ordered best-first, plus the failure
// reason when the list comes back empty.
func (s *Scheduler) candidates(ctx context.Context, r *run.Run) ([]*node.Node, string, error) {
	all, err := s.nodes.List(ctx)
	if err != nil {
		return nil, "", err
	}
	now := s.now()

	live := all[:0:0]
	for _, n := range all {
		if n.Schedulable(now, s.heartbeatTimeout) {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return nil, ReasonNoActiveNodes, nil
	}

	eligible := live[:0:0]
	for _, n := range live {
		if MatchesConstraints(r.Constraints, n) {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return nil, ReasonNoEligibleNodes, nil
	}

	available := eligible[:0:0]
	for _, n := range eligible {
		if n.Status.AvailableSlots > 0 {
			available = append(available, n)
		}
	}
	if len(available) == 0 {
		return nil, ReasonNoCapacity, nil
	}

	sort.Slice(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.Load() != b.Load() {
			return a.Load() < b.Load()
		}
		if a.Status.AvailableSlots != b.Status.AvailableSlots {
			return a.Status.AvailableSlots > b.Status.AvailableSlots
		}
		return a.ID < b.ID
	})
	return available, "", nil
}

func (s *Scheduler) releaseQuietly(ctx context.Context, runID string) {
	if _, err := s.leases.Release(ctx, runID); err != nil {
		s.logger.Warn(ctx, "failed to release lease", "run_id", runID, "err", err)
	}
}

// MatchesConstraints reports whether a node satisfies a run's placement
// constraints. A nil constraint set matches every node. A node missing a
// required piece of metadata is ineligible.
func MatchesConstraints(c *run.Constraints, n *node.Node) bool {
	if c == nil {
		return true
	}
	if len(c.Regions) > 0 {
		region := n.Region()
		if region == "" {
			return false
		}
		found := false
		for _, r := range c.Regions {
			if r == region {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Environment != "" && n.Environment() != c.Environment {
		return false
	}
	for k, v := range c.Labels {
		got, ok := n.Metadata[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}
