package server

import (
	"net/http"
	"time"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/statemachine"
)

// TransitionRequest is the body of POST /api/v1/tasks/{id}/transition.
type TransitionRequest struct {
	NewStatus       model.TaskStatus `json:"new_status"`
	Actor           string           `json:"actor"`
	ExpectedVersion int64            `json:"expected_version"`
	Reason          string           `json:"reason,omitempty"`
}

// TransitionResponse reports a committed transition.
type TransitionResponse struct {
	TaskID         string           `json:"task_id"`
	Status         model.TaskStatus `json:"status"`
	PreviousStatus model.TaskStatus `json:"previous_status"`
	Version        int64            `json:"version"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req TransitionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !req.NewStatus.Valid() {
		s.writeValidationError(w, "new_status is not a task status")
		return
	}
	if req.Actor == "" {
		req.Actor = "user"
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	deps, err := s.store.DepStatuses(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	mut, err := statemachine.Plan(
		statemachine.Snapshot{Task: task, DepStatuses: deps},
		statemachine.Proposal{
			To:              req.NewStatus,
			Actor:           req.Actor,
			Reason:          req.Reason,
			ExpectedVersion: req.ExpectedVersion,
		},
		time.Now().UTC(),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.ApplyMutation(r.Context(), mut); err != nil {
		s.writeError(w, err)
		return
	}

	s.bus.Publish(board.Event{
		Event:     board.EventTaskMoved,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		From:      task.Status,
		To:        mut.Task.Status,
	})
	if mut.Task.Status == model.TaskStatusDone || mut.Task.Status == model.TaskStatusRejected {
		s.manager.Wake(task.ProjectID)
	}

	writeJSON(w, http.StatusOK, TransitionResponse{
		TaskID:         task.ID,
		Status:         mut.Task.Status,
		PreviousStatus: task.Status,
		Version:        mut.Task.Version,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTaskRequest is the body of POST /api/v1/tasks/{id}/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancelTask cancels a task administratively: a control message
// tells the holding worker to stop, and an atomic transition moves the
// task to rejected. If the worker already produced a result, the result
// wins: this transition conflicts and the cancel reports 409.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req CancelTaskRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if task.WorkerID != "" {
		_, err := s.streams.Publish(r.Context(), queue.ControlStream(task.WorkerID), queue.Control{
			Kind:   queue.ControlCancel,
			TaskID: task.ID,
			Reason: req.Reason,
			TS:     time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("cancel control publish failed", "task_id", taskID, "error", err)
		}
	}

	mut, err := statemachine.Plan(
		statemachine.Snapshot{Task: task},
		statemachine.Proposal{
			To:              model.TaskStatusRejected,
			Actor:           "user",
			Reason:          req.Reason,
			ExpectedVersion: task.Version,
			ErrorMessage:    req.Reason,
		},
		time.Now().UTC(),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.ApplyMutation(r.Context(), mut); err != nil {
		s.writeError(w, err)
		return
	}

	if task.WorkerID != "" {
		if err := s.registry.ReleaseTask(r.Context(), task.WorkerID); err != nil {
			s.logger.Warn("release worker failed", "worker_id", task.WorkerID, "error", err)
		}
	}

	s.bus.Publish(board.Event{
		Event:     board.EventTaskMoved,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		From:      task.Status,
		To:        model.TaskStatusRejected,
	})
	s.manager.Wake(task.ProjectID)

	writeJSON(w, http.StatusOK, TransitionResponse{
		TaskID:         task.ID,
		Status:         model.TaskStatusRejected,
		PreviousStatus: task.Status,
		Version:        mut.Task.Version,
	})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.store.ListTransitions(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "transitions": records})
}
