package model

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusReady, TaskStatusQueued, TaskStatusInProgress,
		TaskStatusReview, TaskStatusDone, TaskStatusRejected, TaskStatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone
}

// AllTaskStatuses lists every task status in board-column order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusWaiting,
	TaskStatusReady,
	TaskStatusQueued,
	TaskStatusInProgress,
	TaskStatusReview,
	TaskStatusDone,
	TaskStatusRejected,
	TaskStatusBlocked,
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusDesign    ProjectStatus = "design"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusPaused    ProjectStatus = "paused"
	ProjectStatusCompleted ProjectStatus = "completed"
)

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusActive    PhaseStatus = "active"
	PhaseStatusCompleted PhaseStatus = "completed"
)

// WorkerStatus is the derived liveness classification of a worker.
// It is computed on read and never persisted.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Priority orders tasks within a project's ready set.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its scheduling weight. Higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}
