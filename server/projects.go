package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/foreman/model"
)

// CreateProjectRequest is the body of POST /api/v1/projects: a project
// with its full plan (phases, tasks, dependency edges), persisted as a
// unit. This is the shape the PM's decomposition step produces.
type CreateProjectRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	RepoPath    string       `json:"repo_path,omitempty"`
	Phases      []model.Phase `json:"phases,omitempty"`
	Tasks       []model.Task  `json:"tasks,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeValidationError(w, "name is required")
		return
	}
	for _, t := range req.Tasks {
		if t.ID == "" || t.Title == "" {
			s.writeValidationError(w, "every task needs an id and a title")
			return
		}
		if t.Priority != "" && !t.Priority.Valid() {
			s.writeValidationError(w, "unknown priority: "+string(t.Priority))
			return
		}
	}

	project := model.Project{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		RepoPath:    req.RepoPath,
		Status:      model.ProjectStatusPaused,
		CreatedAt:   time.Now().UTC(),
	}
	for i := range req.Phases {
		req.Phases[i].ProjectID = project.ID
		if req.Phases[i].Status == "" {
			req.Phases[i].Status = model.PhaseStatusPending
		}
	}
	for i := range req.Tasks {
		req.Tasks[i].ProjectID = project.ID
		if req.Tasks[i].Priority == "" {
			req.Tasks[i].Priority = model.PriorityMedium
		}
	}

	if err := s.store.CreatePlan(r.Context(), project, req.Phases, req.Tasks); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	phases, err := s.store.ListPhases(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "phases": phases})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Pause(r.Context(), id); err != nil {
		// A project that was never active pauses with a conflict; deletion
		// proceeds regardless.
		s.logger.Debug("pause before delete", "project_id", id, "error", err)
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"project_id": id, "status": "deleted"})
}

// -- registration tokens -----------------------------------------------------

// MintTokenRequest is the body of POST /api/v1/tokens.
type MintTokenRequest struct {
	Name string        `json:"name,omitempty"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req MintTokenRequest
	if !readJSON(w, r, &req) {
		return
	}
	token, err := s.registry.MintToken(r.Context(), req.Name, req.TTL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Never echo consumable token strings back in full.
	for i := range tokens {
		if tokens[i].UsedAt == nil && !tokens[i].Revoked {
			tokens[i].Token = redact(tokens[i].Token)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokeToken(r.Context(), r.PathValue("token")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// -- dashboard ---------------------------------------------------------------

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	projectCounts, err := s.store.CountProjectsByStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	workers, err := s.registry.Workers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	interval := s.registry.HeartbeatInterval()
	workerCounts := make(map[model.WorkerStatus]int, 3)
	for _, wk := range workers {
		workerCounts[wk.Liveness(now, interval)]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"projects": projectCounts,
		"workers":  workerCounts,
	})
}
