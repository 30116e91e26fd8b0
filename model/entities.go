// Package model defines the domain entities shared by the orchestration
// core: projects, phases, tasks, workers, registration tokens and the
// transition audit trail.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Project is the top-level unit of orchestration. One PM loop runs per
// active project.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	RepoPath    string        `json:"repo_path,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Phase groups tasks under a project. Ordinal is 1-based and unique
// within the project, as is BranchName.
type Phase struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Ordinal     int         `json:"ordinal"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	BranchName  string      `json:"branch_name"`
	Status      PhaseStatus `json:"status"`
}

// Task is the unit of work dispatched to workers. Version starts at 1 and
// increments by exactly 1 on every successful mutation; every write is
// guarded by an optimistic version check.
type Task struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	PhaseID      string          `json:"phase_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Priority     Priority        `json:"priority"`
	Status       TaskStatus      `json:"status"`
	Version      int64           `json:"version"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	WorkerPrompt json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt     json.RawMessage `json:"qa_prompt,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ReviewerID   string          `json:"reviewer_id,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	CommitHash   string          `json:"commit_hash,omitempty"`
	QAResult     json.RawMessage `json:"qa_result,omitempty"`
	OutputPath   string          `json:"output_path,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// MessageID is the stream message id of the open assignment, set while
	// the task is in flight (queued / in_progress / review).
	MessageID string `json:"message_id,omitempty"`
	// RequiredCapabilities restricts which workers may take the task.
	// Empty matches any worker.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SortTasksForDispatch orders tasks by the scheduling tie-break:
// priority descending, then created_at ascending, then id ascending.
func SortTasksForDispatch(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Worker is a registered remote agent. Status is derived: busy when a
// task is assigned, offline when the last heartbeat is older than twice
// the heartbeat interval, idle otherwise.
type Worker struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform,omitempty"`
	ExecutorType  string    `json:"executor_type,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	SecretHash    string    `json:"-"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
}

// Liveness classifies the worker relative to now given the configured
// heartbeat interval.
func (w Worker) Liveness(now time.Time, heartbeatInterval time.Duration) WorkerStatus {
	if now.Sub(w.LastHeartbeat) > 2*heartbeatInterval {
		return WorkerStatusOffline
	}
	if w.CurrentTaskID != "" {
		return WorkerStatusBusy
	}
	return WorkerStatusIdle
}

// HasCapabilities reports whether the worker's capability set covers
// every required capability. An empty requirement matches any worker.
func (w Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// RegistrationToken is a single-use credential consumed at worker
// registration.
type RegistrationToken struct {
	Token     string     `json:"token"`
	Name      string     `json:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	WorkerID  string     `json:"worker_id,omitempty"`
}

// TransitionRecord is one entry of the append-only task audit trail.
type TransitionRecord struct {
	ID        int64      `json:"id"`
	TaskID    string     `json:"task_id"`
	From      TaskStatus `json:"from"`
	To        TaskStatus `json:"to"`
	Actor     string     `json:"actor"`
	Reason    string     `json:"reason,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
