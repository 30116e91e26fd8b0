// Package server exposes the orchestration core over HTTP under /api/v1:
// worker registration and heartbeat, task transitions, PM control, the
// kanban board (snapshot and WebSocket feed), token administration and
// dashboard stats.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/orchestrator"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Server wires the HTTP surface to the core components.
type Server struct {
	store    *store.Store
	registry *registry.Registry
	manager  *orchestrator.Manager
	streams  *queue.Streams
	bus      *board.Bus
	logger   *slog.Logger
}

// New creates a server.
func New(st *store.Store, reg *registry.Registry, mgr *orchestrator.Manager, streams *queue.Streams, bus *board.Bus, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		registry: reg,
		manager:  mgr,
		streams:  streams,
		bus:      bus,
		logger:   logger.With("component", "server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)

	mux.HandleFunc("POST /api/v1/tasks/{id}/transition", s.handleTransition)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/history", s.handleTaskHistory)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)

	mux.HandleFunc("POST /api/v1/pm/{project_id}/start", s.handlePMStart)
	mux.HandleFunc("POST /api/v1/pm/{project_id}/pause", s.handlePMPause)
	mux.HandleFunc("POST /api/v1/pm/{project_id}/queue-next", s.handlePMQueueNext)
	mux.HandleFunc("GET /api/v1/pm/{project_id}/status", s.handlePMStatus)

	mux.HandleFunc("GET /api/v1/board/{project_id}", s.handleBoard)
	mux.HandleFunc("GET /api/v1/board/{project_id}/ws", s.handleBoardWS)

	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.handleDeleteProject)

	mux.HandleFunc("POST /api/v1/tokens", s.handleMintToken)
	mux.HandleFunc("GET /api/v1/tokens", s.handleListTokens)
	mux.HandleFunc("POST /api/v1/tokens/{token}/revoke", s.handleRevokeToken)

	mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// -- error mapping -----------------------------------------------------------

// errorBody is the uniform failure response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind            string `json:"kind"`
	Message         string `json:"message"`
	TaskID          string `json:"task_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	CurrentVersion  int64  `json:"current_version,omitempty"`
}

func errKind(err error) (string, int) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, model.ErrVersionConflict):
		return "VersionConflict", http.StatusConflict
	case errors.Is(err, model.ErrIllegalTransition):
		return "IllegalTransition", http.StatusConflict
	case errors.Is(err, model.ErrDependencyNotSatisfied):
		return "DependencyNotSatisfied", http.StatusPreconditionFailed
	case errors.Is(err, model.ErrMissingPrerequisite):
		return "MissingPrerequisite", http.StatusPreconditionFailed
	case errors.Is(err, model.ErrTokenAlreadyUsed):
		return "TokenAlreadyUsed", http.StatusUnauthorized
	case errors.Is(err, model.ErrTokenExpired):
		return "TokenExpired", http.StatusUnauthorized
	case errors.Is(err, model.ErrUnauthorized):
		return "Unauthorized", http.StatusUnauthorized
	case errors.Is(err, model.ErrProjectNotReady):
		return "ProjectNotReady", http.StatusConflict
	case errors.Is(err, model.ErrNoEligibleWorker):
		return "NoEligibleWorker", http.StatusServiceUnavailable
	case errors.Is(err, model.ErrCyclicDependency):
		return "CyclicDependency", http.StatusBadRequest
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, model.ErrQueueUnavailable):
		return "Unavailable", http.StatusServiceUnavailable
	default:
		return "Internal", http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, status := errKind(err)
	detail := errorDetail{Kind: kind, Message: err.Error()}

	var te *model.TransitionError
	if errors.As(err, &te) {
		detail.TaskID = te.TaskID
		detail.ExpectedVersion = te.ExpectedVersion
		detail.CurrentVersion = te.CurrentVersion
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func (s *Server) writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: "Validation", Message: msg}})
}

// -- helpers -----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to do.
		_ = err
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: "Validation", Message: "invalid JSON body"}})
		return false
	}
	return true
}
