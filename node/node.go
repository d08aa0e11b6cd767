// Package node defines worker node identity, capacity, and liveness.
//
// Nodes register with the control plane, heartbeat their live status, and
// are reaped when heartbeats stop. The scheduler only places work on live
// nodes: state active and a heartbeat within the configured timeout.
// Draining nodes keep finishing assigned work but receive nothing new.
package node

import "time"

// State is the declared lifecycle state of a node.
type State string

const (
	// StateActive marks a node eligible for new work.
	StateActive State = "active"
	// StateDraining marks a node finishing in-flight work only.
	StateDraining State = "draining"
	// StateOffline marks a node that stopped heartbeating or deregistered.
	StateOffline State = "offline"
)

// Well-known metadata keys with scheduler semantics. Any other key is an
// opaque label matched exactly against run constraints.
const (
	MetadataRegion      = "region"
	MetadataEnvironment = "environment"
)

// DefaultHeartbeatTimeout is how long a node may go silent before the
// scheduler stops considering it live.
const DefaultHeartbeatTimeout = 60 * time.Second

type (
	// Node is the registry record for a worker.
	Node struct {
		// ID uniquely identifies the node.
		ID string `json:"id" bson:"_id"`
		// Metadata carries region, environment, and arbitrary labels.
		Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
		// Capacity is the node's declared capacity.
		Capacity Capacity `json:"capacity" bson:"capacity"`
		// Status is the last reported (or scheduler-adjusted) live status.
		Status Status `json:"status" bson:"status"`
		// LastHeartbeat is the most recent heartbeat timestamp (UTC).
		LastHeartbeat time.Time `json:"lastHeartbeat" bson:"last_heartbeat"`
		// RegisteredAt is the first registration timestamp (UTC).
		RegisteredAt time.Time `json:"registeredAt" bson:"registered_at"`
	}

	// Capacity is what a node declares it can run.
	Capacity struct {
		// Slots is the number of concurrent runs the node accepts.
		Slots int `json:"slots" bson:"slots"`
		// Resources carries opaque resource hints (gpu, memory, ...).
		Resources map[string]string `json:"resources,omitempty" bson:"resources,omitempty"`
	}

	// Status is the live snapshot reported by heartbeats.
	Status struct {
		// State is the node's declared lifecycle state.
		State State `json:"state" bson:"state"`
		// ActiveRuns counts runs currently held by the node.
		ActiveRuns int `json:"activeRuns" bson:"active_runs"`
		// AvailableSlots counts slots open for new leases.
		AvailableSlots int `json:"availableSlots" bson:"available_slots"`
	}
)

// Live reports whether the node is usable at the given instant: state active
// or draining, with a heartbeat inside the timeout. Draining nodes stay live
// for completing runs but are not scheduling targets; see Schedulable.
func (n *Node) Live(now time.Time, heartbeatTimeout time.Duration) bool {
	if n.Status.State != StateActive && n.Status.State != StateDraining {
		return false
	}
	return now.Sub(n.LastHeartbeat) <= heartbeatTimeout
}

// Schedulable reports whether the scheduler may place new work on the node.
func (n *Node) Schedulable(now time.Time, heartbeatTimeout time.Duration) bool {
	return n.Status.State == StateActive && now.Sub(n.LastHeartbeat) <= heartbeatTimeout
}

// Load returns the node's load fraction: active runs over declared slots.
// A node with no declared slots reads as fully loaded.
func (n *Node) Load() float64 {
	if n.Capacity.Slots <= 0 {
		return 1
	}
	return float64(n.Status.ActiveRuns) / float64(n.Capacity.Slots)
}

// Region returns the node's region metadata, or "" when absent.
func (n *Node) Region() string {
	return n.Metadata[MetadataRegion]
}

// Environment returns the node's environment metadata, or "" when absent.
func (n *Node) Environment() string {
	return n.Metadata[MetadataEnvironment]
}
