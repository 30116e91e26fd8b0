package queue

import (
	"encoding/json"
	"time"
)

// Assignment is the record published on tasks:assign:<project_id> when a
// task is dispatched to a worker.
type Assignment struct {
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	WorkerID        string          `json:"worker_id"`
	AssignedAt      time.Time       `json:"assigned_at"`
	BranchName      string          `json:"branch_name,omitempty"`
	WorkerPrompt    json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt        json.RawMessage `json:"qa_prompt,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
}

// ResultKind tags a worker result message.
type ResultKind string

const (
	ResultStarted   ResultKind = "started"
	ResultSubmitted ResultKind = "submitted"
	ResultQAAccept  ResultKind = "qa_accept"
	ResultQAReject  ResultKind = "qa_reject"
	ResultError     ResultKind = "error"
)

// Valid reports whether k is a known result kind.
func (k ResultKind) Valid() bool {
	switch k {
	case ResultStarted, ResultSubmitted, ResultQAAccept, ResultQAReject, ResultError:
		return true
	}
	return false
}

// Result is the record workers publish on tasks:results.
type Result struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	WorkerSecret    string          `json:"worker_secret"`
	Kind            ResultKind      `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	TS              time.Time       `json:"ts"`
}

// SubmittedPayload is the Result payload for kind "submitted".
type SubmittedPayload struct {
	CommitHash string `json:"commit_hash,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// QAPayload is the Result payload for kinds "qa_accept" and "qa_reject".
type QAPayload struct {
	QAResult json.RawMessage `json:"qa_result,omitempty"`
}

// ErrorPayload is the Result payload for kind "error".
type ErrorPayload struct {
	ErrorMessage string `json:"error_message"`
}

// ControlKind tags a per-worker control message.
type ControlKind string

const (
	ControlCancel ControlKind = "cancel"
	ControlDrain  ControlKind = "drain"
)

// Control is the record published on workers:control:<worker_id>.
type Control struct {
	Kind   ControlKind `json:"kind"`
	TaskID string      `json:"task_id,omitempty"`
	Reason string      `json:"reason,omitempty"`
	TS     time.Time   `json:"ts"`
}
