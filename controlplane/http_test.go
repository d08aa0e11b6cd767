package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

func newHTTPFixture(t *testing.T) (*serviceFixture, http.Handler) {
	t.Helper()
	f := newServiceFixture(t)
	mux := goahttp.NewMuxer()
	MountHTTP(mux, f.svc)
	return f, mux
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHTTPRunLifecycle(t *testing.T) {
	_, h := newHTTPFixture(t)

	rec := doJSON(t, h, http.MethodPost, "/runs", api.CreateRunRequest{AgentID: "a1", Version: "v1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[run.Run](t, rec)
	require.Equal(t, run.StatusPending, created.Status)

	rec = doJSON(t, h, http.MethodGet, "/runs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/runs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]run.Run](t, rec)
	require.Len(t, listed, 1)

	rec = doJSON(t, h, http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeBody[run.Run](t, rec)
	require.Equal(t, run.StatusCancelled, cancelled.Status)

	// Cancelling a terminal run conflicts.
	rec = doJSON(t, h, http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	_, h := newHTTPFixture(t)

	rec := doJSON(t, h, http.MethodGet, "/runs/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/runs", api.CreateRunRequest{Version: "v1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[api.ErrorResponse](t, rec)
	require.NotEmpty(t, body.Error)

	rec = doJSON(t, h, http.MethodGet, "/runs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/runs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPNodeEndpoints(t *testing.T) {
	_, h := newHTTPFixture(t)

	rec := doJSON(t, h, http.MethodPost, "/nodes/register", api.RegisterNodeRequest{
		ID:       "N1",
		Metadata: map[string]string{node.MetadataRegion: "r1"},
		Capacity: node.Capacity{Slots: 4},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	registered := decodeBody[node.Node](t, rec)
	require.Equal(t, node.StateActive, registered.Status.State)
	require.Equal(t, 4, registered.Status.AvailableSlots)

	rec = doJSON(t, h, http.MethodPost, "/nodes/N1/heartbeat", api.HeartbeatRequest{
		State:          node.StateActive,
		ActiveRuns:     1,
		AvailableSlots: 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decodeBody[[]node.Node](t, rec)
	require.Len(t, nodes, 1)
	require.Equal(t, 1, nodes[0].Status.ActiveRuns)

	rec = doJSON(t, h, http.MethodDelete, "/nodes/N1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/nodes/N1/heartbeat", api.HeartbeatRequest{State: node.StateActive})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPLeaseCallbacks(t *testing.T) {
	f, h := newHTTPFixture(t)
	ctx := context.Background()

	f.registerNode(t, "N1", 4, nil)
	r, err := f.svc.CreateRun(ctx, &api.CreateRunRequest{AgentID: "a1", Version: "v1"})
	require.NoError(t, err)
	a, err := f.sched.Schedule(ctx, r)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/leases/"+a.Lease.LeaseID+"/ack", api.AckRequest{
		RunID:  r.ID,
		NodeID: "N1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[api.LeaseCallbackResponse](t, rec).Success)

	// Ownership violations come back 200 with success=false.
	rec = doJSON(t, h, http.MethodPost, "/leases/"+a.Lease.LeaseID+"/complete", api.CompleteRequest{
		RunID:  r.ID,
		NodeID: "N2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[api.LeaseCallbackResponse](t, rec).Success)

	rec = doJSON(t, h, http.MethodPost, "/leases/"+a.Lease.LeaseID+"/fail", api.FailRequest{
		RunID:        r.ID,
		NodeID:       "N1",
		ErrorMessage: "boom",
		Retryable:    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.LeaseCallbackResponse](t, rec)
	require.True(t, resp.Success)
	require.True(t, resp.ShouldRetry)
}

func TestHTTPAgentEndpoints(t *testing.T) {
	_, h := newHTTPFixture(t)

	rec := doJSON(t, h, http.MethodPost, "/agents", api.DeployAgentRequest{ID: "a1", Version: "v1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/agents", api.DeployAgentRequest{ID: "a1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
