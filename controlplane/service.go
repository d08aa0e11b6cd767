// Package controlplane implements the run scheduling service: run intake,
// node registry, the scheduler, the dispatch loop, and the HTTP surface
// workers and producers talk to.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/events"
	"github.com/skyhook-ai/skyhook/lease"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/telemetry"
)

// ErrInvalid marks request validation failures. The HTTP layer maps it to
// 400.
var ErrInvalid = errors.New("invalid request")

// DefaultMaxAttempts bounds retryable failure requeues per run.
const DefaultMaxAttempts = 3

// Service implements the control plane operations: run intake and lifecycle,
// node registration and liveness, the agent catalog, and the lease callbacks
// invoked by workers.
type Service struct {
	runs   store.RunStore
	nodes  store.NodeStore
	agents store.AgentStore
	leases lease.Registry

	publisher        events.Publisher
	maxAttempts      int
	heartbeatTimeout time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	now func() time.Time
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Runs             store.RunStore
	Nodes            store.NodeStore
	Agents           store.AgentStore
	Leases           lease.Registry
	Publisher        events.Publisher
	MaxAttempts      int
	HeartbeatTimeout time.Duration
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
	Tracer           telemetry.Tracer
}

// NewService creates a Service. Zero values fall back to defaults; nil
// telemetry and publisher fall back to noop implementations.
func NewService(opts ServiceOptions) *Service {
	s := &Service{
		runs:             opts.Runs,
		nodes:            opts.Nodes,
		agents:           opts.Agents,
		leases:           opts.Leases,
		publisher:        opts.Publisher,
		maxAttempts:      opts.MaxAttempts,
		heartbeatTimeout: opts.HeartbeatTimeout,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		now:              func() time.Time { return time.Now().UTC() },
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = node.DefaultHeartbeatTimeout
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	return s
}

// CreateRun records a new pending run. When the agent is deployed in the
// catalog with an input schema, the input is validated against it; unknown
// agents are accepted so producers can submit work before the catalog is
// populated.
func (s *Service) CreateRun(ctx context.Context, req *api.CreateRunRequest) (*run.Run, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	if req.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalid)
	}

	agent, err := s.agents.Get(ctx, req.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if agent != nil && len(agent.InputSchema) > 0 {
		if err := validateInput(req.Input, agent.InputSchema); err != nil {
			return nil, fmt.Errorf("%w: input: %s", ErrInvalid, err)
		}
	}

	now := s.now()
	r := &run.Run{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		Version:      req.Version,
		DeploymentID: req.DeploymentID,
		Input:        req.Input,
		Constraints:  req.Constraints,
		Status:       run.StatusPending,
		TraceID:      uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Budgets != nil {
		r.Budgets = *req.Budgets
	}
	if err := s.runs.Insert(ctx, r); err != nil {
		return nil, err
	}

	s.metrics.IncCounter(telemetry.MetricRunsCreated, 1, "agent_id", r.AgentID)
	s.logger.Info(ctx, "run created", "run_id", r.ID, "agent_id", r.AgentID, "version", r.Version)
	s.publishRunEvent(ctx, "", r)
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return s.runs.Get(ctx, id)
}

// ListRuns returns runs matching the filter, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*run.Run, error) {
	return s.runs.List(ctx, filter)
}

// CancelRun cancels a pending, assigned, or running run and releases any
// lease it holds. A running run's executor observes the cancellation at its
// deadline boundary; the control plane stops accepting its outcome
// immediately.
func (s *Service) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	from := []run.Status{run.StatusPending, run.StatusAssigned, run.StatusRunning}
	prev, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.runs.Transition(ctx, id, from, run.StatusCancelled, store.RunPatch{})
	if err != nil {
		return nil, err
	}
	if _, err := s.leases.Release(ctx, id); err != nil {
		s.logger.Warn(ctx, "failed to release lease on cancel", "run_id", id, "err", err)
	}
	s.metrics.IncCounter(telemetry.MetricRunsCancelled, 1, "agent_id", updated.AgentID)
	s.logger.Info(ctx, "run cancelled", "run_id", id, "was", string(prev.Status))
	s.publishRunEvent(ctx, prev.Status, updated)
	return updated, nil
}

// RegisterNode registers a worker node. Re-registration replaces metadata
// and capacity, resets the node to active, and zeroes its counters.
func (s *Service) RegisterNode(ctx context.Context, req *api.RegisterNodeRequest) (*node.Node, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalid)
	}
	if req.Capacity.Slots <= 0 {
		return nil, fmt.Errorf("%w: capacity slots must be positive", ErrInvalid)
	}

	now := s.now()
	registeredAt := now
	if existing, err := s.nodes.Get(ctx, req.ID); err == nil {
		registeredAt = existing.RegisteredAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	n := &node.Node{
		ID:       req.ID,
		Metadata: req.Metadata,
		Capacity: req.Capacity,
		Status: node.Status{
			State:          node.StateActive,
			ActiveRuns:     0,
			AvailableSlots: req.Capacity.Slots,
		},
		LastHeartbeat: now,
		RegisteredAt:  registeredAt,
	}
	if err := s.nodes.Upsert(ctx, n); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "node registered", "node_id", n.ID, "slots", n.Capacity.Slots)
	s.publisher.Publish(ctx, events.New(events.KindNodeRegistered, events.NodeLifecycle{
		NodeID: n.ID,
		State:  string(n.Status.State),
	}))
	return n, nil
}

// Heartbeat refreshes a node's live status. Idempotent on status; only the
// heartbeat timestamp moves across repeated identical calls.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, req *api.HeartbeatRequest) (*node.Node, error) {
	state := req.State
	if state == "" {
		state = node.StateActive
	}
	switch state {
	case node.StateActive, node.StateDraining, node.StateOffline:
	default:
		return nil, fmt.Errorf("%w: unknown node state %q", ErrInvalid, state)
	}

	status := node.Status{
		State:          state,
		ActiveRuns:     req.ActiveRuns,
		AvailableSlots: req.AvailableSlots,
	}
	n, err := s.nodes.UpdateStatus(ctx, nodeID, status, s.now())
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.KindNodeHeartbeat, events.NodeLifecycle{
		NodeID: n.ID,
		State:  string(n.Status.State),
	}))
	return n, nil
}

// ListNodes returns all registered nodes.
func (s *Service) ListNodes(ctx context.Context) ([]*node.Node, error) {
	return s.nodes.List(ctx)
}

// DeleteNode deregisters a node. Runs it holds keep their leases until
// expiry, after which the dispatcher requeues them.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	if err := s.nodes.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "node deregistered", "node_id", id)
	s.publisher.Publish(ctx, events.New(events.KindNodeDisconnected, events.NodeLifecycle{
		NodeID: id,
		State:  string(node.StateOffline),
	}))
	return nil
}

// DeployAgent registers an agent version in the catalog. The input schema,
// when present, must itself compile as a JSON Schema.
func (s *Service) DeployAgent(ctx context.Context, req *api.DeployAgentRequest) (*store.Agent, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	if req.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalid)
	}
	if len(req.InputSchema) > 0 {
		if _, err := compileSchema(req.InputSchema); err != nil {
			return nil, fmt.Errorf("%w: input schema: %s", ErrInvalid, err)
		}
	}

	a := &store.Agent{
		ID:          req.ID,
		Version:     req.Version,
		InputSchema: req.InputSchema,
		DeployedAt:  s.now(),
	}
	if err := s.agents.Upsert(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "agent deployed", "agent_id", a.ID, "version", a.Version)
	s.publisher.Publish(ctx, events.New(events.KindAgentDeployed, events.AgentDeployed{
		AgentID: a.ID,
		Version: a.Version,
	}))
	return a, nil
}

// ListAgents returns the agent catalog.
func (s *Service) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.agents.List(ctx)
}

// AckLease records that a node observed a lease and moves the run to
// running. Best-effort from the worker's perspective; correctness never
// depends on it.
func (s *Service) AckLease(ctx context.Context, leaseID string, req *api.AckRequest) (*api.LeaseCallbackResponse, error) {
	r, reject, err := s.verifyOwnership(ctx, leaseID, req.RunID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return reject, nil
	}

	queueMs := s.now().Sub(r.CreatedAt).Milliseconds()
	_, err = s.runs.Transition(ctx, r.ID,
		[]run.Status{run.StatusAssigned}, run.StatusRunning,
		store.RunPatch{Timings: map[string]int64{run.TimingQueue: queueMs}})
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			// Duplicate ack for a run that already started is fine.
			if r.Status == run.StatusRunning {
				return &api.LeaseCallbackResponse{Success: true}, nil
			}
			return &api.LeaseCallbackResponse{Success: false, Message: "run not in an ackable state"}, nil
		}
		return nil, err
	}

	s.metrics.IncCounter(telemetry.MetricRunsStarted, 1, "agent_id", r.AgentID)
	s.publishRunEvent(ctx, run.StatusAssigned, withStatus(r, run.StatusRunning))
	return &api.LeaseCallbackResponse{Success: true}, nil
}

// CompleteLease reports successful execution: the run transitions to
// completed with timings and costs, and the lease is released. Only the
// node that owns the run may complete it.
func (s *Service) CompleteLease(ctx context.Context, leaseID string, req *api.CompleteRequest) (*api.LeaseCallbackResponse, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.complete")
	defer span.End()

	r, reject, err := s.verifyOwnership(ctx, leaseID, req.RunID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return reject, nil
	}

	updated, err := s.runs.Transition(ctx, r.ID,
		[]run.Status{run.StatusAssigned, run.StatusRunning}, run.StatusCompleted,
		store.RunPatch{Timings: req.Timings, Costs: req.Costs})
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return &api.LeaseCallbackResponse{Success: false, Message: "run not in a completable state"}, nil
		}
		return nil, err
	}
	s.releaseLease(ctx, r.ID)

	s.metrics.IncCounter(telemetry.MetricRunsCompleted, 1, "agent_id", updated.AgentID)
	if d, ok := updated.Timings[run.TimingDuration]; ok {
		s.metrics.RecordTimer(telemetry.MetricRunDuration, time.Duration(d)*time.Millisecond, "agent_id", updated.AgentID)
	}
	s.logger.Info(ctx, "run completed", "run_id", updated.ID, "node_id", req.NodeID)
	s.publishRunEvent(ctx, r.Status, updated)
	return &api.LeaseCallbackResponse{Success: true}, nil
}

// FailLease reports failed execution. Retryable failures below the attempt
// cap requeue the run with an incremented attempt counter; everything else
// lands in failed. Either way the lease is released.
func (s *Service) FailLease(ctx context.Context, leaseID string, req *api.FailRequest) (*api.LeaseCallbackResponse, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.fail")
	defer span.End()

	r, reject, err := s.verifyOwnership(ctx, leaseID, req.RunID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return reject, nil
	}

	errInfo := &run.ErrorInfo{
		Message:   req.ErrorMessage,
		Details:   req.ErrorDetails,
		Retryable: req.Retryable,
	}
	shouldRetry := req.Retryable && r.Attempts < s.maxAttempts

	var updated *run.Run
	if shouldRetry {
		attempts := r.Attempts + 1
		unassigned := ""
		updated, err = s.runs.Transition(ctx, r.ID,
			[]run.Status{run.StatusAssigned, run.StatusRunning}, run.StatusPending,
			store.RunPatch{
				NodeID:   &unassigned,
				Attempts: &attempts,
				Timings:  req.Timings,
				Error:    errInfo,
			})
	} else {
		updated, err = s.runs.Transition(ctx, r.ID,
			[]run.Status{run.StatusAssigned, run.StatusRunning}, run.StatusFailed,
			store.RunPatch{Timings: req.Timings, Error: errInfo})
	}
	if err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return &api.LeaseCallbackResponse{Success: false, Message: "run not in a failable state"}, nil
		}
		return nil, err
	}
	s.releaseLease(ctx, r.ID)

	if shouldRetry {
		s.metrics.IncCounter(telemetry.MetricRunsRequeued, 1, "agent_id", updated.AgentID)
		s.logger.Info(ctx, "run requeued after retryable failure",
			"run_id", updated.ID, "node_id", req.NodeID, "attempts", updated.Attempts)
	} else {
		s.metrics.IncCounter(telemetry.MetricRunsFailed, 1, "agent_id", updated.AgentID)
		s.logger.Info(ctx, "run failed",
			"run_id", updated.ID, "node_id", req.NodeID, "retryable", req.Retryable, "attempts", updated.Attempts)
	}
	s.publishRunEvent(ctx, r.Status, updated)
	return &api.LeaseCallbackResponse{Success: true, ShouldRetry: shouldRetry}, nil
}

// verifyOwnership loads the run and checks that the calling node owns it and
// that the lease, when still active, matches the callback's lease ID. A
// protocol-level rejection comes back as a non-nil response with
// success=false; err is reserved for store failures.
func (s *Service) verifyOwnership(ctx context.Context, leaseID, runID, nodeID string) (*run.Run, *api.LeaseCallbackResponse, error) {
	if runID == "" || nodeID == "" {
		return nil, &api.LeaseCallbackResponse{Success: false, Message: "run id and node id are required"}, nil
	}
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &api.LeaseCallbackResponse{Success: false, Message: "unknown run"}, nil
		}
		return nil, nil, err
	}
	if r.NodeID != nodeID {
		s.logger.Warn(ctx, "lease callback from non-owning node",
			"run_id", runID, "node_id", nodeID, "owner", r.NodeID, "lease_id", leaseID)
		return nil, &api.LeaseCallbackResponse{Success: false, Message: "node does not own run"}, nil
	}
	l, err := s.leases.Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if l != nil && leaseID != "" && l.LeaseID != leaseID {
		s.logger.Warn(ctx, "lease callback with stale lease id",
			"run_id", runID, "node_id", nodeID, "lease_id", leaseID, "active_lease_id", l.LeaseID)
		return nil, &api.LeaseCallbackResponse{Success: false, Message: "lease superseded"}, nil
	}
	return r, nil, nil
}

func (s *Service) releaseLease(ctx context.Context, runID string) {
	if _, err := s.leases.Release(ctx, runID); err != nil {
		s.logger.Warn(ctx, "failed to release lease", "run_id", runID, "err", err)
	}
}

func (s *Service) publishRunEvent(ctx context.Context, from run.Status, r *run.Run) {
	s.publisher.Publish(ctx, events.New(events.KindRunStateChanged, events.RunStateChanged{
		RunID:    r.ID,
		AgentID:  r.AgentID,
		From:     from,
		To:       r.Status,
		NodeID:   r.NodeID,
		Attempts: r.Attempts,
		TraceID:  r.TraceID,
	}))
}

// withStatus returns a shallow copy of the run with the given status, for
// event payloads built before re-reading the store.
func withStatus(r *run.Run, status run.Status) *run.Run {
	cp := *r
	cp.Status = status
	return &cp
}

// compileSchema compiles a JSON Schema document given as a decoded map.
func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so numbers carry the types the compiler
	// expects regardless of how the map was built.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// validateInput validates a run input mapping against an agent's input
// schema.
func validateInput(input map[string]string, schemaDoc map[string]any) error {
	schema, err := compileSchema(schemaDoc)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	instance := make(map[string]any, len(input))
	for k, v := range input {
		instance[k] = v
	}
	return schema.Validate(instance)
}
