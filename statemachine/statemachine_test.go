package statemachine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/foreman/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.TaskStatus
		legal    bool
	}{
		{model.TaskStatusWaiting, model.TaskStatusReady, true},
		{model.TaskStatusWaiting, model.TaskStatusBlocked, true},
		{model.TaskStatusReady, model.TaskStatusQueued, true},
		{model.TaskStatusReady, model.TaskStatusBlocked, true},
		{model.TaskStatusQueued, model.TaskStatusInProgress, true},
		{model.TaskStatusQueued, model.TaskStatusReady, true},
		{model.TaskStatusInProgress, model.TaskStatusReview, true},
		{model.TaskStatusInProgress, model.TaskStatusRejected, true},
		{model.TaskStatusReview, model.TaskStatusDone, true},
		{model.TaskStatusReview, model.TaskStatusRejected, true},
		{model.TaskStatusRejected, model.TaskStatusReady, true},
		{model.TaskStatusBlocked, model.TaskStatusReady, true},

		{model.TaskStatusWaiting, model.TaskStatusQueued, false},
		{model.TaskStatusWaiting, model.TaskStatusDone, false},
		{model.TaskStatusReady, model.TaskStatusInProgress, false},
		{model.TaskStatusQueued, model.TaskStatusReview, false},
		{model.TaskStatusInProgress, model.TaskStatusDone, false},
		{model.TaskStatusDone, model.TaskStatusReady, false},
		{model.TaskStatusDone, model.TaskStatusRejected, false},
		{model.TaskStatusRejected, model.TaskStatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.legal {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
			}
		})
	}
}

func TestPlanIllegalTransition(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusWaiting, Version: 1}

	_, err := Plan(Snapshot{Task: task}, Proposal{To: model.TaskStatusDone, Actor: "user", ExpectedVersion: 1}, testNow)
	require.ErrorIs(t, err, model.ErrIllegalTransition)

	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "t1", te.TaskID)
	assert.Equal(t, model.TaskStatusWaiting, te.From)
	assert.Equal(t, model.TaskStatusDone, te.To)
}

// Legality is checked before the version, and the version before the
// preconditions. A stale version on an illegal pair must still report
// IllegalTransition; a stale version on a legal pair must report the
// conflict even when the preconditions would also fail.
func TestPlanValidationOrder(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusReady, Version: 3}

	_, err := Plan(Snapshot{Task: task}, Proposal{To: model.TaskStatusDone, Actor: "user", ExpectedVersion: 1}, testNow)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	_, err = Plan(Snapshot{Task: task}, Proposal{To: model.TaskStatusQueued, Actor: "pm", ExpectedVersion: 1}, testNow)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	// Correct version, legal pair, missing message id.
	_, err = Plan(Snapshot{Task: task}, Proposal{To: model.TaskStatusQueued, Actor: "pm", ExpectedVersion: 3}, testNow)
	assert.ErrorIs(t, err, model.ErrMissingPrerequisite)
}

func TestPlanVersionConflictDetail(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusReview, Version: 7}

	_, err := Plan(Snapshot{Task: task}, Proposal{To: model.TaskStatusDone, Actor: "qa", ExpectedVersion: 5, QAAccepted: true}, testNow)
	require.ErrorIs(t, err, model.ErrVersionConflict)

	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(5), te.ExpectedVersion)
	assert.Equal(t, int64(7), te.CurrentVersion)
}

func TestPlanReadyRequiresDepsDone(t *testing.T) {
	task := model.Task{
		ID:        "t2",
		Status:    model.TaskStatusWaiting,
		Version:   1,
		DependsOn: []string{"t1a", "t1b"},
	}

	_, err := Plan(Snapshot{
		Task: task,
		DepStatuses: map[string]model.TaskStatus{
			"t1a": model.TaskStatusDone,
			"t1b": model.TaskStatusReview,
		},
	}, Proposal{To: model.TaskStatusReady, Actor: "system", ExpectedVersion: 1}, testNow)
	assert.ErrorIs(t, err, model.ErrDependencyNotSatisfied)

	mut, err := Plan(Snapshot{
		Task: task,
		DepStatuses: map[string]model.TaskStatus{
			"t1a": model.TaskStatusDone,
			"t1b": model.TaskStatusDone,
		},
	}, Proposal{To: model.TaskStatusReady, Actor: "system", ExpectedVersion: 1}, testNow)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, mut.Task.Status)
	assert.Equal(t, int64(2), mut.Task.Version)
}

func TestPlanPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		task    model.Task
		prop    Proposal
		wantErr error
	}{
		{
			name:    "queued requires message id",
			task:    model.Task{ID: "t1", Status: model.TaskStatusReady, Version: 1},
			prop:    Proposal{To: model.TaskStatusQueued, ExpectedVersion: 1},
			wantErr: model.ErrMissingPrerequisite,
		},
		{
			name:    "in_progress requires worker",
			task:    model.Task{ID: "t1", Status: model.TaskStatusQueued, Version: 2},
			prop:    Proposal{To: model.TaskStatusInProgress, ExpectedVersion: 2},
			wantErr: model.ErrMissingPrerequisite,
		},
		{
			name: "in_progress accepts worker already on task",
			task: model.Task{ID: "t1", Status: model.TaskStatusQueued, Version: 2, WorkerID: "w1"},
			prop: Proposal{To: model.TaskStatusInProgress, ExpectedVersion: 2},
		},
		{
			name:    "review requires result payload",
			task:    model.Task{ID: "t1", Status: model.TaskStatusInProgress, Version: 3, WorkerID: "w1"},
			prop:    Proposal{To: model.TaskStatusReview, ExpectedVersion: 3},
			wantErr: model.ErrMissingPrerequisite,
		},
		{
			name:    "done requires QA accept",
			task:    model.Task{ID: "t1", Status: model.TaskStatusReview, Version: 4},
			prop:    Proposal{To: model.TaskStatusDone, ExpectedVersion: 4},
			wantErr: model.ErrMissingPrerequisite,
		},
		{
			name: "done with QA accept",
			task: model.Task{ID: "t1", Status: model.TaskStatusReview, Version: 4},
			prop: Proposal{To: model.TaskStatusDone, ExpectedVersion: 4, QAAccepted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prop.Actor = "test"
			_, err := Plan(Snapshot{Task: tt.task}, tt.prop, testNow)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlanEffectsInProgressSetsStartedOnce(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusQueued, Version: 2, MessageID: "m1"}

	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusInProgress, Actor: "worker", ExpectedVersion: 2, WorkerID: "w1",
	}, testNow)
	require.NoError(t, err)
	require.NotNil(t, mut.Task.StartedAt)
	assert.Equal(t, testNow, *mut.Task.StartedAt)
	assert.Equal(t, "w1", mut.Task.WorkerID)

	// A retry attempt keeps the original start time.
	earlier := testNow.Add(-time.Hour)
	task.StartedAt = &earlier
	mut, err = Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusInProgress, Actor: "worker", ExpectedVersion: 2, WorkerID: "w1",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, earlier, *mut.Task.StartedAt)
}

func TestPlanEffectsDoneClearsAssignment(t *testing.T) {
	task := model.Task{
		ID:        "t1",
		Status:    model.TaskStatusReview,
		Version:   4,
		WorkerID:  "w1",
		MessageID: "m1",
	}

	qa := json.RawMessage(`{"verdict":"pass"}`)
	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusDone, Actor: "qa", ExpectedVersion: 4, QAAccepted: true, QAResult: qa,
	}, testNow)
	require.NoError(t, err)

	assert.Empty(t, mut.Task.WorkerID)
	assert.Empty(t, mut.Task.MessageID)
	assert.JSONEq(t, `{"verdict":"pass"}`, string(mut.Task.QAResult))
	require.NotNil(t, mut.Task.CompletedAt)
	assert.Equal(t, testNow, *mut.Task.CompletedAt)
}

func TestPlanEffectsRejectedRecordsError(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusInProgress, Version: 3, WorkerID: "w1", MessageID: "m1"}

	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusRejected, Actor: "worker", ExpectedVersion: 3, ErrorMessage: "build failed",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "build failed", mut.Task.ErrorMessage)
	assert.Empty(t, mut.Task.WorkerID)
	assert.Empty(t, mut.Task.MessageID)
}

func TestPlanEffectsRetryClearsResidue(t *testing.T) {
	task := model.Task{
		ID:           "t1",
		Status:       model.TaskStatusRejected,
		Version:      5,
		ErrorMessage: "build failed",
	}

	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusReady, Actor: "user", ExpectedVersion: 5,
	}, testNow)
	require.NoError(t, err)
	assert.Empty(t, mut.Task.ErrorMessage)
	assert.Equal(t, int64(6), mut.Task.Version)
}

func TestPlanEffectsDispatchRollback(t *testing.T) {
	task := model.Task{
		ID:        "t1",
		Status:    model.TaskStatusQueued,
		Version:   3,
		WorkerID:  "w1",
		MessageID: "reserved:abc",
	}

	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusReady, Actor: "system", ExpectedVersion: 3, Reason: "publish failed",
	}, testNow)
	require.NoError(t, err)
	assert.Empty(t, mut.Task.WorkerID)
	assert.Empty(t, mut.Task.MessageID)
	assert.Equal(t, model.TaskStatusReady, mut.Task.Status)
}

func TestPlanRecord(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusReady, Version: 1}

	mut, err := Plan(Snapshot{Task: task}, Proposal{
		To: model.TaskStatusQueued, Actor: "pm", Reason: "dispatch", ExpectedVersion: 1, MessageID: "m1",
	}, testNow)
	require.NoError(t, err)

	rec := mut.Record
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, model.TaskStatusReady, rec.From)
	assert.Equal(t, model.TaskStatusQueued, rec.To)
	assert.Equal(t, "pm", rec.Actor)
	assert.Equal(t, "dispatch", rec.Reason)
	assert.Equal(t, "m1", rec.MessageID)
	assert.Equal(t, testNow, rec.CreatedAt)
}

func TestPlanNeverMutatesSnapshot(t *testing.T) {
	task := model.Task{ID: "t1", Status: model.TaskStatusReady, Version: 1}
	snap := Snapshot{Task: task}

	_, err := Plan(snap, Proposal{To: model.TaskStatusQueued, Actor: "pm", ExpectedVersion: 1, MessageID: "m1"}, testNow)
	require.NoError(t, err)

	assert.Equal(t, model.TaskStatusReady, snap.Task.Status)
	assert.Equal(t, int64(1), snap.Task.Version)
}
