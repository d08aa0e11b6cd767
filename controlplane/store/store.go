// Package store defines the persistence layer for runs, nodes, and agents.
//
// The Run Store is the source of truth for run state: every lifecycle edge
// goes through Transition, a conditional update that fails when the current
// status is not among the expected ones. Available implementations:
//
//   - memory: in-memory stores for development and testing
//   - mongo: MongoDB stores for production persistence
//
// New implementations must return store.ErrNotFound for missing records and
// store.ErrPrecondition for rejected transitions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition is returned when a guarded update observed a state
	// it cannot act on (illegal transition, exhausted capacity).
	ErrPrecondition = errors.New("precondition failed")
)

type (
	// RunFilter selects runs in List. Zero-valued fields do not filter.
	RunFilter struct {
		// Statuses keeps runs whose status is in the set.
		Statuses []run.Status
		// NodeID keeps runs assigned to the node.
		NodeID string
		// AgentID keeps runs for the agent.
		AgentID string
		// Limit caps the result size. Zero means no cap.
		Limit int
	}

	// RunPatch carries the fields written alongside a transition. Nil
	// fields are left untouched.
	RunPatch struct {
		// NodeID sets the assigned node (on pending → assigned).
		NodeID *string
		// Attempts sets the attempt counter (on retry requeue).
		Attempts *int
		// Timings merges timing entries into the run's timing map.
		Timings map[string]int64
		// Costs sets the reported costs.
		Costs *run.Costs
		// Error sets the structured error info.
		Error *run.ErrorInfo
	}

	// RunStore persists run records. Implementations must be safe for
	// concurrent use and must apply Transition atomically.
	RunStore interface {
		// Insert stores a new run. The caller assigns ID and timestamps.
		Insert(ctx context.Context, r *run.Run) error

		// Get retrieves a run by ID. Returns ErrNotFound if missing.
		Get(ctx context.Context, id string) (*run.Run, error)

		// List returns runs matching the filter, newest first.
		List(ctx context.Context, filter RunFilter) ([]*run.Run, error)

		// Transition conditionally moves a run from one of the given
		// statuses to the target status, applying the patch in the
		// same atomic update. Returns the updated run, ErrNotFound for
		// an unknown ID, or ErrPrecondition when the current status is
		// not in from.
		Transition(ctx context.Context, id string, from []run.Status, to run.Status, patch RunPatch) (*run.Run, error)

		// CountByStatus returns the number of runs per status. Feeds
		// gauges; implementations should keep this cheap.
		CountByStatus(ctx context.Context) (map[run.Status]int, error)
	}

	// NodeStore persists node records. Heartbeats are last-write-wins;
	// RecordAssignment is the one guarded update (capacity accounting).
	NodeStore interface {
		// Upsert registers or replaces a node record.
		Upsert(ctx context.Context, n *node.Node) error

		// Get retrieves a node by ID. Returns ErrNotFound if missing.
		Get(ctx context.Context, id string) (*node.Node, error)

		// List returns all registered nodes.
		List(ctx context.Context) ([]*node.Node, error)

		// Delete removes a node. Returns ErrNotFound if missing.
		Delete(ctx context.Context, id string) error

		// UpdateStatus applies a heartbeat: replaces the status snapshot
		// and refreshes the heartbeat timestamp.
		UpdateStatus(ctx context.Context, id string, status node.Status, at time.Time) (*node.Node, error)

		// RecordAssignment atomically increments ActiveRuns and
		// decrements AvailableSlots for a freshly assigned run.
		// Returns ErrPrecondition when no slot is available so the
		// declared capacity is never exceeded.
		RecordAssignment(ctx context.Context, id string) (*node.Node, error)

		// SetState changes only the node's lifecycle state. Used by the
		// reaper to mark silent nodes offline.
		SetState(ctx context.Context, id string, state node.State) (*node.Node, error)
	}

	// Agent is a catalog entry for a deployable agent version.
	Agent struct {
		// ID identifies the agent.
		ID string `json:"id" bson:"_id"`
		// Version is the deployed version.
		Version string `json:"version" bson:"version"`
		// InputSchema optionally holds a JSON Schema for run inputs.
		InputSchema map[string]any `json:"inputSchema,omitempty" bson:"input_schema,omitempty"`
		// DeployedAt is the deployment timestamp (UTC).
		DeployedAt time.Time `json:"deployedAt" bson:"deployed_at"`
	}

	// AgentStore persists the agent catalog.
	AgentStore interface {
		// Upsert deploys or replaces an agent version.
		Upsert(ctx context.Context, a *Agent) error

		// Get retrieves an agent by ID. Returns ErrNotFound if missing.
		Get(ctx context.Context, id string) (*Agent, error)

		// List returns all deployed agents.
		List(ctx context.Context) ([]*Agent, error)
	}
)

// MatchesFilter reports whether a run satisfies the filter. Shared by the
// memory store and tests.
func MatchesFilter(r *run.Run, f RunFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.NodeID != "" && r.NodeID != f.NodeID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	return true
}
