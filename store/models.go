package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/c360studio/foreman/model"
)

// GORM models mirror the relational schema. Domain conversions keep GORM
// tags out of the model package.

type projectModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string
	RepoPath    string
	Status      string `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (projectModel) TableName() string { return "projects" }

type phaseModel struct {
	ID          string `gorm:"primaryKey"`
	ProjectID   string `gorm:"not null;index;uniqueIndex:idx_phase_ordinal,priority:1;uniqueIndex:idx_phase_branch,priority:1"`
	Ordinal     int    `gorm:"not null;uniqueIndex:idx_phase_ordinal,priority:2"`
	Name        string `gorm:"not null"`
	Description string
	BranchName  string `gorm:"not null;uniqueIndex:idx_phase_branch,priority:2"`
	Status      string `gorm:"not null"`
}

func (phaseModel) TableName() string { return "phases" }

type taskModel struct {
	ID           string `gorm:"primaryKey"`
	ProjectID    string `gorm:"not null;index:idx_task_project_status,priority:1"`
	PhaseID      string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Description  string
	Priority     string `gorm:"not null"`
	Status       string `gorm:"not null;index:idx_task_project_status,priority:2"`
	Version      int64  `gorm:"not null;default:1"`
	WorkerPrompt []byte
	QAPrompt     []byte
	WorkerID     string `gorm:"index"`
	ReviewerID   string
	BranchName   string
	CommitHash   string
	QAResult     []byte
	OutputPath   string
	ErrorMessage string
	MessageID    string
	Capabilities string // comma-separated required capabilities
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (taskModel) TableName() string { return "tasks" }

// taskDepModel is the task_deps join table. Both sides must belong to the
// same project; CreatePlan enforces this before writing.
type taskDepModel struct {
	TaskID      string `gorm:"primaryKey"`
	DependsOnID string `gorm:"primaryKey;index"`
}

func (taskDepModel) TableName() string { return "task_deps" }

type workerModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Platform      string
	ExecutorType  string
	Capabilities  string
	SecretHash    string `gorm:"not null"`
	RegisteredAt  time.Time
	LastHeartbeat time.Time `gorm:"index"`
	CurrentTaskID string
}

func (workerModel) TableName() string { return "workers" }

type tokenModel struct {
	Token     string `gorm:"primaryKey"`
	Name      string
	CreatedAt time.Time
	ExpiresAt *time.Time
	Revoked   bool
	UsedAt    *time.Time
	WorkerID  string
}

func (tokenModel) TableName() string { return "registration_tokens" }

type transitionModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"not null;index"`
	FromStatus string `gorm:"not null"`
	ToStatus   string `gorm:"not null"`
	Actor      string `gorm:"not null"`
	Reason     string
	MessageID  string
	CreatedAt  time.Time
}

func (transitionModel) TableName() string { return "task_transitions" }

// -- conversions -------------------------------------------------------------

func toProjectModel(p model.Project) projectModel {
	return projectModel{
		ID: p.ID, Name: p.Name, Description: p.Description, RepoPath: p.RepoPath,
		Status: string(p.Status), CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

func fromProjectModel(m projectModel) model.Project {
	return model.Project{
		ID: m.ID, Name: m.Name, Description: m.Description, RepoPath: m.RepoPath,
		Status: model.ProjectStatus(m.Status), CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func toPhaseModel(p model.Phase) phaseModel {
	return phaseModel{
		ID: p.ID, ProjectID: p.ProjectID, Ordinal: p.Ordinal, Name: p.Name,
		Description: p.Description, BranchName: p.BranchName, Status: string(p.Status),
	}
}

func fromPhaseModel(m phaseModel) model.Phase {
	return model.Phase{
		ID: m.ID, ProjectID: m.ProjectID, Ordinal: m.Ordinal, Name: m.Name,
		Description: m.Description, BranchName: m.BranchName, Status: model.PhaseStatus(m.Status),
	}
}

func toTaskModel(t model.Task) taskModel {
	return taskModel{
		ID: t.ID, ProjectID: t.ProjectID, PhaseID: t.PhaseID,
		Title: t.Title, Description: t.Description,
		Priority: string(t.Priority), Status: string(t.Status), Version: t.Version,
		WorkerPrompt: t.WorkerPrompt, QAPrompt: t.QAPrompt,
		WorkerID: t.WorkerID, ReviewerID: t.ReviewerID,
		BranchName: t.BranchName, CommitHash: t.CommitHash,
		QAResult: t.QAResult, OutputPath: t.OutputPath,
		ErrorMessage: t.ErrorMessage, MessageID: t.MessageID,
		Capabilities: joinList(t.RequiredCapabilities),
		CreatedAt:    t.CreatedAt, UpdatedAt: t.UpdatedAt,
		StartedAt: t.StartedAt, CompletedAt: t.CompletedAt,
	}
}

func fromTaskModel(m taskModel, deps []string) model.Task {
	return model.Task{
		ID: m.ID, ProjectID: m.ProjectID, PhaseID: m.PhaseID,
		Title: m.Title, Description: m.Description,
		Priority: model.Priority(m.Priority), Status: model.TaskStatus(m.Status), Version: m.Version,
		DependsOn:    deps,
		WorkerPrompt: rawOrNil(m.WorkerPrompt), QAPrompt: rawOrNil(m.QAPrompt),
		WorkerID: m.WorkerID, ReviewerID: m.ReviewerID,
		BranchName: m.BranchName, CommitHash: m.CommitHash,
		QAResult: rawOrNil(m.QAResult), OutputPath: m.OutputPath,
		ErrorMessage: m.ErrorMessage, MessageID: m.MessageID,
		RequiredCapabilities: splitList(m.Capabilities),
		CreatedAt:            m.CreatedAt, UpdatedAt: m.UpdatedAt,
		StartedAt: m.StartedAt, CompletedAt: m.CompletedAt,
	}
}

func toWorkerModel(w model.Worker) workerModel {
	return workerModel{
		ID: w.ID, Name: w.Name, Platform: w.Platform, ExecutorType: w.ExecutorType,
		Capabilities: joinList(w.Capabilities), SecretHash: w.SecretHash,
		RegisteredAt: w.RegisteredAt, LastHeartbeat: w.LastHeartbeat,
		CurrentTaskID: w.CurrentTaskID,
	}
}

func fromWorkerModel(m workerModel) model.Worker {
	return model.Worker{
		ID: m.ID, Name: m.Name, Platform: m.Platform, ExecutorType: m.ExecutorType,
		Capabilities: splitList(m.Capabilities), SecretHash: m.SecretHash,
		RegisteredAt: m.RegisteredAt, LastHeartbeat: m.LastHeartbeat,
		CurrentTaskID: m.CurrentTaskID,
	}
}

func toTokenModel(t model.RegistrationToken) tokenModel {
	return tokenModel{
		Token: t.Token, Name: t.Name, CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt, Revoked: t.Revoked, UsedAt: t.UsedAt, WorkerID: t.WorkerID,
	}
}

func fromTokenModel(m tokenModel) model.RegistrationToken {
	return model.RegistrationToken{
		Token: m.Token, Name: m.Name, CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt, Revoked: m.Revoked, UsedAt: m.UsedAt, WorkerID: m.WorkerID,
	}
}

func toTransitionModel(r model.TransitionRecord) transitionModel {
	return transitionModel{
		ID: r.ID, TaskID: r.TaskID, FromStatus: string(r.From), ToStatus: string(r.To),
		Actor: r.Actor, Reason: r.Reason, MessageID: r.MessageID, CreatedAt: r.CreatedAt,
	}
}

func fromTransitionModel(m transitionModel) model.TransitionRecord {
	return model.TransitionRecord{
		ID: m.ID, TaskID: m.TaskID, From: model.TaskStatus(m.FromStatus), To: model.TaskStatus(m.ToStatus),
		Actor: m.Actor, Reason: m.Reason, MessageID: m.MessageID, CreatedAt: m.CreatedAt,
	}
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
