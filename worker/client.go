package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/node"
)

// ControlPlane is the subset of the control plane API a worker needs:
// registration, heartbeats, and the lease callbacks.
type ControlPlane interface {
	RegisterNode(ctx context.Context, req *api.RegisterNodeRequest) (*node.Node, error)
	DeregisterNode(ctx context.Context, nodeID string) error
	Heartbeat(ctx context.Context, nodeID string, req *api.HeartbeatRequest) (*node.Node, error)
	AckLease(ctx context.Context, leaseID string, req *api.AckRequest) (*api.LeaseCallbackResponse, error)
	CompleteLease(ctx context.Context, leaseID string, req *api.CompleteRequest) (*api.LeaseCallbackResponse, error)
	FailLease(ctx context.Context, leaseID string, req *api.FailRequest) (*api.LeaseCallbackResponse, error)
}

// Client talks to the control plane over HTTP JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a control plane client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx control plane response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Message)
}

// RegisterNode registers (or re-registers) this node.
func (c *Client) RegisterNode(ctx context.Context, req *api.RegisterNodeRequest) (*node.Node, error) {
	var n node.Node
	if err := c.do(ctx, http.MethodPost, "/nodes/register", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeregisterNode removes this node from the registry.
func (c *Client) DeregisterNode(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(nodeID), nil, nil)
}

// Heartbeat refreshes the node's live status.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, req *api.HeartbeatRequest) (*node.Node, error) {
	var n node.Node
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(nodeID)+"/heartbeat", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// AckLease notifies the control plane that execution started.
func (c *Client) AckLease(ctx context.Context, leaseID string, req *api.AckRequest) (*api.LeaseCallbackResponse, error) {
	return c.leaseCallback(ctx, leaseID, "ack", req)
}

// CompleteLease reports successful execution.
func (c *Client) CompleteLease(ctx context.Context, leaseID string, req *api.CompleteRequest) (*api.LeaseCallbackResponse, error) {
	return c.leaseCallback(ctx, leaseID, "complete", req)
}

// FailLease reports failed execution.
func (c *Client) FailLease(ctx context.Context, leaseID string, req *api.FailRequest) (*api.LeaseCallbackResponse, error) {
	return c.leaseCallback(ctx, leaseID, "fail", req)
}

func (c *Client) leaseCallback(ctx context.Context, leaseID, op string, req any) (*api.LeaseCallbackResponse, error) {
	var resp api.LeaseCallbackResponse
	path := "/leases/" + url.PathEscape(leaseID) + "/" + op
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
