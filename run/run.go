// Package run defines the unit of scheduled work and its lifecycle.
//
// A Run is a single execution of an agent with a specific input. Runs move
// through a guarded state machine:
//
//	pending ─┬─► assigned ─► running ─┬─► completed
//	         │                        ├─► failed   (→ pending when retryable)
//	         │                        └─► cancelled
//	         └─► cancelled
//
// Two recovery edges exist in addition to the forward edges: a failed run may
// return to pending with an incremented attempt counter, and an assigned or
// running run whose lease expired may return to pending so the scheduler can
// reassign it. Every edge is enforced by a conditional store update; see
// CanTransition.
package run

import "time"

type (
	// Run is the durable record for a scheduled agent execution.
	Run struct {
		// ID uniquely identifies the run. Opaque and stable.
		ID string `json:"id" bson:"_id"`
		// AgentID identifies the agent to execute.
		AgentID string `json:"agentId" bson:"agent_id"`
		// Version is the agent version to execute.
		Version string `json:"version" bson:"version"`
		// DeploymentID optionally ties the run to a specific deployment.
		DeploymentID string `json:"deploymentId,omitempty" bson:"deployment_id,omitempty"`
		// Input is the opaque input reference passed to the executor.
		Input map[string]string `json:"input,omitempty" bson:"input,omitempty"`
		// Constraints restrict which nodes may execute the run.
		Constraints *Constraints `json:"constraints,omitempty" bson:"constraints,omitempty"`
		// Budgets caps tokens and wall-clock duration for the execution.
		Budgets Budgets `json:"budgets" bson:"budgets"`
		// Status is the current lifecycle state.
		Status Status `json:"status" bson:"status"`
		// Attempts counts how many times the run has failed retryably and
		// been requeued. Zero for a run that never failed.
		Attempts int `json:"attempts" bson:"attempts"`
		// NodeID is the node currently (or last) assigned to the run.
		// Terminal runs retain their final assignment for audit.
		NodeID string `json:"nodeId,omitempty" bson:"node_id,omitempty"`
		// TraceID propagates the trace across control plane and node.
		TraceID string `json:"traceId,omitempty" bson:"trace_id,omitempty"`
		// Timings records durations in milliseconds keyed by phase
		// (duration_ms, queue_ms, execution_ms).
		Timings map[string]int64 `json:"timings,omitempty" bson:"timings,omitempty"`
		// Costs records token and currency costs reported on completion.
		Costs *Costs `json:"costs,omitempty" bson:"costs,omitempty"`
		// Error carries structured failure information for failed runs.
		Error *ErrorInfo `json:"error,omitempty" bson:"error,omitempty"`
		// CreatedAt is the creation timestamp (UTC).
		CreatedAt time.Time `json:"createdAt" bson:"created_at"`
		// UpdatedAt is the last transition timestamp (UTC).
		UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
	}

	// Constraints are hard placement requirements. A node missing a
	// required piece of metadata is ineligible.
	Constraints struct {
		// Regions lists acceptable node regions. Empty means any region.
		Regions []string `json:"regions,omitempty" bson:"regions,omitempty"`
		// Environment must match the node's environment exactly when set.
		Environment string `json:"environment,omitempty" bson:"environment,omitempty"`
		// Labels are additional exact-match requirements on node metadata.
		Labels map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
	}

	// Budgets caps resource usage for a single run.
	Budgets struct {
		// MaxTokens caps total tokens consumed. Zero means unlimited.
		MaxTokens int `json:"maxTokens,omitempty" bson:"max_tokens,omitempty"`
		// MaxDurationSeconds caps wall-clock execution time. Zero means
		// the lease deadline alone bounds execution.
		MaxDurationSeconds int `json:"maxDurationSeconds,omitempty" bson:"max_duration_seconds,omitempty"`
	}

	// Costs records resource consumption reported by the executing node.
	Costs struct {
		TokensIn  int     `json:"tokensIn" bson:"tokens_in"`
		TokensOut int     `json:"tokensOut" bson:"tokens_out"`
		USD       float64 `json:"usdCost" bson:"usd_cost"`
	}

	// ErrorInfo is the structured error mapping carried by failed runs.
	ErrorInfo struct {
		Message   string            `json:"message" bson:"message"`
		Details   map[string]string `json:"details,omitempty" bson:"details,omitempty"`
		Retryable bool              `json:"retryable" bson:"retryable"`
	}

	// Status is the lifecycle state of a run.
	Status string
)

const (
	// StatusPending indicates the run awaits scheduling.
	StatusPending Status = "pending"
	// StatusAssigned indicates a node holds a lease but has not started.
	StatusAssigned Status = "assigned"
	// StatusRunning indicates the node acknowledged the lease and is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently. Terminal.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled externally. Terminal.
	StatusCancelled Status = "cancelled"
)

// Timing keys recorded by nodes when reporting outcomes.
const (
	TimingDuration  = "duration_ms"
	TimingQueue     = "queue_ms"
	TimingExecution = "execution_ms"
)

// transitions is the set of legal state machine edges.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusAssigned:  true,
		StatusCancelled: true,
	},
	StatusAssigned: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusPending:   true, // lease expiry requeue
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusPending:   true, // retryable failure or lease expiry requeue
	},
	StatusFailed: {
		StatusPending: true, // retry with incremented attempt counter
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether a status is terminal. Failed is terminal unless a
// retry policy explicitly requeues the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Spec is the executable description of a run handed to a node inside a
// lease. It carries everything the node needs without a control-plane read.
type Spec struct {
	AgentID      string            `json:"agentId"`
	Version      string            `json:"version"`
	DeploymentID string            `json:"deploymentId,omitempty"`
	Input        map[string]string `json:"input,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Budgets      Budgets           `json:"budgets"`
}

// SpecOf builds the lease-embedded spec for a run.
func SpecOf(r *Run) Spec {
	return Spec{
		AgentID:      r.AgentID,
		Version:      r.Version,
		DeploymentID: r.DeploymentID,
		Input:        r.Input,
		Budgets:      r.Budgets,
	}
}
