package server

import (
	"net/http"
	"time"

	"github.com/c360studio/foreman/model"
)

// RegisterWorkerRequest is the body of POST /api/v1/workers/register.
type RegisterWorkerRequest struct {
	Token        string   `json:"token"`
	Name         string   `json:"name"`
	Platform     string   `json:"platform,omitempty"`
	ExecutorType string   `json:"executor_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Token == "" || req.Name == "" {
		s.writeValidationError(w, "token and name are required")
		return
	}

	reg, err := s.registry.Register(r.Context(), req.Token, req.Name, req.Platform, req.ExecutorType, req.Capabilities)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// HeartbeatRequest is the body of POST /api/v1/workers/{id}/heartbeat.
type HeartbeatRequest struct {
	WorkerSecret string `json:"worker_secret"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")

	var req HeartbeatRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.WorkerSecret == "" {
		s.writeValidationError(w, "worker_secret is required")
		return
	}

	resp, err := s.registry.Heartbeat(r.Context(), workerID, req.WorkerSecret)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// workerView is a worker with its derived liveness.
type workerView struct {
	model.Worker
	Status model.WorkerStatus `json:"status"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.Workers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	interval := s.registry.HeartbeatInterval()
	views := make([]workerView, len(workers))
	for i, wk := range workers {
		views[i] = workerView{Worker: wk, Status: wk.Liveness(now, interval)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}
