// Package events defines state-change events and their durable publication.
//
// Events are best-effort and at-least-once: a failed publish is logged and
// counted but never rolls back or blocks the state transition that produced
// it. Consumers must dedupe by event ID.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skyhook-ai/skyhook/run"
)

// Kind is the stable string discriminator of an event.
type Kind string

const (
	// KindRunStateChanged is emitted on every run transition.
	KindRunStateChanged Kind = "run.state.changed"
	// KindNodeRegistered is emitted when a node registers.
	KindNodeRegistered Kind = "node.registered"
	// KindNodeHeartbeat is emitted on node heartbeats.
	KindNodeHeartbeat Kind = "node.heartbeat"
	// KindNodeDisconnected is emitted when a node is reaped or deleted.
	KindNodeDisconnected Kind = "node.disconnected"
	// KindAgentDeployed is emitted when an agent version is deployed.
	KindAgentDeployed Kind = "agent.deployed"
)

type (
	// Event is the published envelope. The payload shape depends on Kind.
	Event struct {
		// ID uniquely identifies the event; consumers dedupe on it.
		ID string `json:"id"`
		// Kind discriminates the payload.
		Kind Kind `json:"kind"`
		// Timestamp is the emission time (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload is the kind-specific body.
		Payload json.RawMessage `json:"payload"`
	}

	// RunStateChanged is the payload for KindRunStateChanged.
	RunStateChanged struct {
		RunID    string     `json:"runId"`
		AgentID  string     `json:"agentId"`
		From     run.Status `json:"from"`
		To       run.Status `json:"to"`
		NodeID   string     `json:"nodeId,omitempty"`
		Attempts int        `json:"attempts"`
		TraceID  string     `json:"traceId,omitempty"`
	}

	// NodeLifecycle is the payload for node.* events.
	NodeLifecycle struct {
		NodeID string `json:"nodeId"`
		State  string `json:"state,omitempty"`
	}

	// AgentDeployed is the payload for KindAgentDeployed.
	AgentDeployed struct {
		AgentID string `json:"agentId"`
		Version string `json:"version"`
	}
)

// New builds an event envelope around the given payload. Marshal errors are
// impossible for the payload types above, so New panics on them to surface
// programming mistakes early.
func New(kind Kind, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("events: marshal payload: " + err.Error())
	}
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
}
