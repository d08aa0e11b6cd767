// Package memory provides in-memory implementations of the run, node, and
// agent stores.
//
// Suitable for development, testing, and single-instance deployments where
// persistence across restarts is not required. All stores are safe for
// concurrent use; Transition and RecordAssignment hold the store mutex for
// the full read-check-write so their guarantees match the MongoDB
// implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

// RunStore is an in-memory implementation of store.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*run.Run
}

// Compile-time check that RunStore implements store.RunStore.
var _ store.RunStore = (*RunStore)(nil)

// NewRunStore creates an empty in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*run.Run)}
}

// Insert stores a new run.
func (s *RunStore) Insert(ctx context.Context, r *run.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// List returns runs matching the filter, newest first.
func (s *RunStore) List(ctx context.Context, filter store.RunFilter) ([]*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*run.Run, 0)
	for _, r := range s.runs {
		if store.MatchesFilter(r, filter) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Transition conditionally moves a run to the target status.
func (s *RunStore) Transition(ctx context.Context, id string, from []run.Status, to run.Status, patch store.RunPatch) (*run.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed || !run.CanTransition(r.Status, to) {
		return nil, store.ErrPrecondition
	}

	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	applyPatch(r, patch)
	cp := *r
	return &cp, nil
}

// CountByStatus returns run counts per status.
func (s *RunStore) CountByStatus(ctx context.Context) (map[run.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[run.Status]int)
	for _, r := range s.runs {
		counts[r.Status]++
	}
	return counts, nil
}

func applyPatch(r *run.Run, patch store.RunPatch) {
	if patch.NodeID != nil {
		r.NodeID = *patch.NodeID
	}
	if patch.Attempts != nil {
		r.Attempts = *patch.Attempts
	}
	if len(patch.Timings) > 0 {
		if r.Timings == nil {
			r.Timings = make(map[string]int64, len(patch.Timings))
		}
		for k, v := range patch.Timings {
			r.Timings[k] = v
		}
	}
	if patch.Costs != nil {
		cp := *patch.Costs
		r.Costs = &cp
	}
	if patch.Error != nil {
		cp := *patch.Error
		r.Error = &cp
	}
}

// NodeStore is an in-memory implementation of store.NodeStore.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// Compile-time check that NodeStore implements store.NodeStore.
var _ store.NodeStore = (*NodeStore)(nil)

// NewNodeStore creates an empty in-memory node store.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]*node.Node)}
}

// Upsert registers or replaces a node record.
func (s *NodeStore) Upsert(ctx context.Context, n *node.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// List returns all registered nodes ordered by ID.
func (s *NodeStore) List(ctx context.Context) ([]*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// UpdateStatus applies a heartbeat snapshot. Last write wins.
func (s *NodeStore) UpdateStatus(ctx context.Context, id string, status node.Status, at time.Time) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	n.Status = status
	n.LastHeartbeat = at
	cp := *n
	return &cp, nil
}

// RecordAssignment bumps the node's counters for a new assignment.
func (s *NodeStore) RecordAssignment(ctx context.Context, id string) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if n.Status.AvailableSlots <= 0 || n.Status.ActiveRuns >= n.Capacity.Slots {
		return nil, store.ErrPrecondition
	}
	n.Status.ActiveRuns++
	n.Status.AvailableSlots--
	cp := *n
	return &cp, nil
}

// SetState changes the node's lifecycle state.
func (s *NodeStore) SetState(ctx context.Context, id string, state node.State) (*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	n.Status.State = state
	cp := *n
	return &cp, nil
}

// AgentStore is an in-memory implementation of store.AgentStore.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*store.Agent
}

// Compile-time check that AgentStore implements store.AgentStore.
var _ store.AgentStore = (*AgentStore)(nil)

// NewAgentStore creates an empty in-memory agent store.
func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]*store.Agent)}
}

// Upsert deploys or replaces an agent version.
func (s *AgentStore) Upsert(ctx context.Context, a *store.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

// Get retrieves an agent by ID.
func (s *AgentStore) Get(ctx context.Context, id string) (*store.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// List returns all deployed agents ordered by ID.
func (s *AgentStore) List(ctx context.Context) ([]*store.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*store.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
