package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	goahttp "goa.design/goa/v3/http"

	"github.com/skyhook-ai/skyhook/api"
	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/run"
	"github.com/skyhook-ai/skyhook/telemetry"
)

// httpServer adapts the Service to the HTTP surface.
type httpServer struct {
	svc    *Service
	mux    goahttp.Muxer
	logger telemetry.Logger
}

// MountHTTP mounts the control plane routes on the muxer.
func MountHTTP(mux goahttp.Muxer, svc *Service) {
	s := &httpServer{svc: svc, mux: mux, logger: svc.logger}

	mux.Handle("POST", "/runs", s.createRun)
	mux.Handle("GET", "/runs", s.listRuns)
	mux.Handle("GET", "/runs/{id}", s.getRun)
	mux.Handle("POST", "/runs/{id}/cancel", s.cancelRun)

	mux.Handle("POST", "/nodes/register", s.registerNode)
	mux.Handle("GET", "/nodes", s.listNodes)
	mux.Handle("POST", "/nodes/{id}/heartbeat", s.heartbeat)
	mux.Handle("DELETE", "/nodes/{id}", s.deleteNode)

	mux.Handle("POST", "/agents", s.deployAgent)
	mux.Handle("GET", "/agents", s.listAgents)

	mux.Handle("POST", "/leases/{id}/ack", s.ackLease)
	mux.Handle("POST", "/leases/{id}/complete", s.completeLease)
	mux.Handle("POST", "/leases/{id}/fail", s.failLease)
}

func (s *httpServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.svc.CreateRun(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *httpServer) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		NodeID:  r.URL.Query().Get("node"),
		AgentID: r.URL.Query().Get("agent"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if !status.Valid() {
				s.writeError(w, r, errors.Join(ErrInvalid, errors.New("unknown status "+string(status))))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, errors.Join(ErrInvalid, errors.New("limit must be a non-negative integer")))
			return
		}
		filter.Limit = limit
	}
	runs, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *httpServer) getRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.svc.GetRun(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, got)
}

func (s *httpServer) cancelRun(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.svc.CancelRun(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

func (s *httpServer) registerNode(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterNodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.svc.RegisterNode(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *httpServer) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ListNodes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *httpServer) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.svc.Heartbeat(r.Context(), s.mux.Vars(r)["id"], &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *httpServer) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteNode(r.Context(), s.mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) deployAgent(w http.ResponseWriter, r *http.Request) {
	var req api.DeployAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.svc.DeployAgent(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *httpServer) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *httpServer) ackLease(w http.ResponseWriter, r *http.Request) {
	var req api.AckRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.AckLease(r.Context(), s.mux.Vars(r)["id"], &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) completeLease(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.CompleteLease(r.Context(), s.mux.Vars(r)["id"], &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) failLease(w http.ResponseWriter, r *http.Request) {
	var req api.FailRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.FailLease(r.Context(), s.mux.Vars(r)["id"], &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, errors.Join(ErrInvalid, err))
		return false
	}
	return true
}

func (s *httpServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode errors past this point mean a broken connection; nothing
	// useful can be written back.
	_ = json.NewEncoder(w).Encode(v)
}

func (s *httpServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrPrecondition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}
