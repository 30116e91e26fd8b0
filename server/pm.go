package server

import (
	"net/http"
)

func (s *Server) handlePMStart(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.manager.Start(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "active"})
}

func (s *Server) handlePMPause(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.manager.Pause(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "paused"})
}

func (s *Server) handlePMQueueNext(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	task, err := s.manager.QueueNext(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "task_id": task.ID})
}

func (s *Server) handlePMStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context(), r.PathValue("project_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
