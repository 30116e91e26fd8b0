// Package statemachine validates task state transitions. It is pure: given
// a snapshot of the task and the statuses of its dependencies it either
// refuses the transition with a typed error or returns the intended
// mutation for the store to apply atomically.
package statemachine

import (
	"encoding/json"
	"time"

	"github.com/c360studio/foreman/model"
)

// transitions is the complete legal-transition set. done is terminal.
var transitions = map[model.TaskStatus]map[model.TaskStatus]bool{
	model.TaskStatusWaiting: {
		model.TaskStatusReady:   true,
		model.TaskStatusBlocked: true,
	},
	model.TaskStatusReady: {
		model.TaskStatusQueued:  true,
		model.TaskStatusBlocked: true,
	},
	model.TaskStatusQueued: {
		model.TaskStatusInProgress: true,
		// Dispatcher rollback path: publishing the assignment failed after
		// the reservation, so the task returns to ready.
		model.TaskStatusReady: true,
	},
	model.TaskStatusInProgress: {
		model.TaskStatusReview:   true,
		model.TaskStatusRejected: true,
	},
	model.TaskStatusReview: {
		model.TaskStatusDone:     true,
		model.TaskStatusRejected: true,
	},
	model.TaskStatusRejected: {
		model.TaskStatusReady: true,
	},
	model.TaskStatusBlocked: {
		model.TaskStatusReady: true,
	},
}

// CanTransition reports whether (from, to) is in the legal set.
func CanTransition(from, to model.TaskStatus) bool {
	return transitions[from][to]
}

// Snapshot is the read view a transition is validated against.
type Snapshot struct {
	Task model.Task
	// DepStatuses maps each id in Task.DependsOn to its current status.
	DepStatuses map[string]model.TaskStatus
}

// Proposal is a requested transition.
type Proposal struct {
	To              model.TaskStatus
	Actor           string
	Reason          string
	ExpectedVersion int64

	// Staged side-effect fields, consulted per target state.
	WorkerID     string
	ReviewerID   string
	MessageID    string
	BranchName   string
	CommitHash   string
	OutputPath   string
	ErrorMessage string
	QAResult     json.RawMessage
	QAAccepted   bool
	// Result marks that the proposal carries a worker result payload,
	// required to enter review.
	Result json.RawMessage
}

// Mutation is the outcome of a validated transition: the new task value
// (version incremented) and its audit record. The state machine never
// writes; the store applies the mutation under a compare-and-set on the
// original version.
type Mutation struct {
	Task   model.Task
	Record model.TransitionRecord
}

// Plan validates the proposal against the snapshot, in order: legality of
// the (from, to) pair, the version check, then state-specific
// preconditions. On success it returns the mutation to apply.
func Plan(snap Snapshot, p Proposal, now time.Time) (Mutation, error) {
	t := snap.Task
	fail := func(kind error, detail string) (Mutation, error) {
		return Mutation{}, &model.TransitionError{
			Kind:            kind,
			TaskID:          t.ID,
			From:            t.Status,
			To:              p.To,
			ExpectedVersion: p.ExpectedVersion,
			CurrentVersion:  t.Version,
			Detail:          detail,
		}
	}

	if !CanTransition(t.Status, p.To) {
		return fail(model.ErrIllegalTransition, "")
	}
	if p.ExpectedVersion != t.Version {
		return fail(model.ErrVersionConflict, "")
	}
	if err := checkPreconditions(snap, p); err != nil {
		return fail(err, preconditionDetail(p.To))
	}

	from := t.Status
	t.Status = p.To
	t.Version++
	t.UpdatedAt = now
	applyEffects(&t, from, p, now)

	return Mutation{
		Task: t,
		Record: model.TransitionRecord{
			TaskID:    t.ID,
			From:      from,
			To:        p.To,
			Actor:     p.Actor,
			Reason:    p.Reason,
			MessageID: p.MessageID,
			CreatedAt: now,
		},
	}, nil
}

func checkPreconditions(snap Snapshot, p Proposal) error {
	switch p.To {
	case model.TaskStatusReady:
		for _, depID := range snap.Task.DependsOn {
			if snap.DepStatuses[depID] != model.TaskStatusDone {
				return model.ErrDependencyNotSatisfied
			}
		}
	case model.TaskStatusQueued:
		if p.MessageID == "" {
			return model.ErrMissingPrerequisite
		}
	case model.TaskStatusInProgress:
		if p.WorkerID == "" && snap.Task.WorkerID == "" {
			return model.ErrMissingPrerequisite
		}
	case model.TaskStatusReview:
		if len(p.Result) == 0 {
			return model.ErrMissingPrerequisite
		}
	case model.TaskStatusDone:
		if !p.QAAccepted {
			return model.ErrMissingPrerequisite
		}
	}
	return nil
}

func preconditionDetail(to model.TaskStatus) string {
	switch to {
	case model.TaskStatusReady:
		return "all dependencies must be done"
	case model.TaskStatusQueued:
		return "assignment message id required"
	case model.TaskStatusInProgress:
		return "assigned worker id required"
	case model.TaskStatusReview:
		return "result payload required"
	case model.TaskStatusDone:
		return "QA accept required"
	}
	return ""
}

// applyEffects stages the per-state field updates on the new task value.
func applyEffects(t *model.Task, from model.TaskStatus, p Proposal, now time.Time) {
	switch p.To {
	case model.TaskStatusQueued:
		t.MessageID = p.MessageID
		if p.WorkerID != "" {
			t.WorkerID = p.WorkerID
		}
	case model.TaskStatusInProgress:
		if p.WorkerID != "" {
			t.WorkerID = p.WorkerID
		}
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case model.TaskStatusReview:
		if p.ReviewerID != "" {
			t.ReviewerID = p.ReviewerID
		}
		if p.OutputPath != "" {
			t.OutputPath = p.OutputPath
		}
		if p.CommitHash != "" {
			t.CommitHash = p.CommitHash
		}
		if p.BranchName != "" {
			t.BranchName = p.BranchName
		}
	case model.TaskStatusDone:
		completed := now
		t.CompletedAt = &completed
		if len(p.QAResult) > 0 {
			t.QAResult = p.QAResult
		}
		t.WorkerID = ""
		t.ReviewerID = ""
		t.MessageID = ""
	case model.TaskStatusRejected:
		if len(p.QAResult) > 0 {
			t.QAResult = p.QAResult
		}
		if p.ErrorMessage != "" {
			t.ErrorMessage = p.ErrorMessage
		} else if p.Reason != "" && from != model.TaskStatusReview {
			t.ErrorMessage = p.Reason
		}
		t.WorkerID = ""
		t.ReviewerID = ""
		t.MessageID = ""
	case model.TaskStatusReady:
		// Retry path clears the residue of the failed attempt; the
		// dispatcher rollback path frees the reserved worker and message.
		if from == model.TaskStatusRejected {
			t.ErrorMessage = ""
		}
		if from == model.TaskStatusQueued {
			t.WorkerID = ""
			t.MessageID = ""
		}
	}
}
