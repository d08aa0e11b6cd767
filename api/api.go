// Package api defines the JSON wire types shared by the control plane's HTTP
// surface and the worker client: lease messages published on per-node
// streams, lease callback payloads, and the run/node/agent request bodies.
//
// Field names are part of the wire contract; changing one is a breaking
// protocol change for every deployed worker.
package api

import (
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

type (
	// LeaseMessage is the payload published to a node's lease stream when
	// a run is assigned to it.
	LeaseMessage struct {
		// LeaseID identifies this lease issuance.
		LeaseID string `json:"leaseId"`
		// RunID is the assigned run.
		RunID string `json:"runId"`
		// Spec carries everything needed to execute the run.
		Spec run.Spec `json:"runSpec"`
		// DeadlineUnixMs is the absolute lease deadline in Unix
		// milliseconds. The executor must be cancelled at this instant.
		DeadlineUnixMs int64 `json:"deadlineUnixMs"`
		// TraceID propagates the run's trace.
		TraceID string `json:"traceId,omitempty"`
	}

	// AckRequest records that a node observed a lease and started executing.
	AckRequest struct {
		RunID       string `json:"runId"`
		NodeID      string `json:"nodeId"`
		TimestampMs int64  `json:"timestampMs"`
	}

	// CompleteRequest reports successful execution of a leased run.
	CompleteRequest struct {
		RunID   string            `json:"runId"`
		NodeID  string            `json:"nodeId"`
		Result  map[string]string `json:"result,omitempty"`
		Timings map[string]int64  `json:"timings,omitempty"`
		Costs   *run.Costs        `json:"costs,omitempty"`
	}

	// FailRequest reports failed execution of a leased run.
	FailRequest struct {
		RunID        string            `json:"runId"`
		NodeID       string            `json:"nodeId"`
		ErrorMessage string            `json:"errorMessage"`
		ErrorDetails map[string]string `json:"errorDetails,omitempty"`
		Retryable    bool              `json:"retryable"`
		Timings      map[string]int64  `json:"timings,omitempty"`
	}

	// LeaseCallbackResponse is returned by ack/complete/fail. Ownership
	// violations and state conflicts surface as success=false rather than
	// an HTTP error so workers can distinguish protocol rejections from
	// transport failures.
	LeaseCallbackResponse struct {
		Success bool `json:"success"`
		// Message explains a rejection.
		Message string `json:"message,omitempty"`
		// ShouldRetry is set on fail responses when the run was
		// requeued for another attempt.
		ShouldRetry bool `json:"shouldRetry,omitempty"`
	}

	// CreateRunRequest creates a pending run.
	CreateRunRequest struct {
		AgentID      string            `json:"agentId"`
		Version      string            `json:"version"`
		DeploymentID string            `json:"deploymentId,omitempty"`
		Input        map[string]string `json:"input,omitempty"`
		Constraints  *run.Constraints  `json:"constraints,omitempty"`
		Budgets      *run.Budgets      `json:"budgets,omitempty"`
	}

	// RegisterNodeRequest registers (or re-registers) a worker node.
	RegisterNodeRequest struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata,omitempty"`
		Capacity node.Capacity     `json:"capacity"`
	}

	// HeartbeatRequest refreshes a node's live status.
	HeartbeatRequest struct {
		State          node.State `json:"state"`
		ActiveRuns     int        `json:"activeRuns"`
		AvailableSlots int        `json:"availableSlots"`
	}

	// DeployAgentRequest registers an agent version in the catalog.
	DeployAgentRequest struct {
		ID      string `json:"id"`
		Version string `json:"version"`
		// InputSchema optionally holds a JSON Schema document that run
		// inputs are validated against.
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// ErrorResponse is the body of non-2xx responses.
	ErrorResponse struct {
		Error string `json:"error"`
	}
)
