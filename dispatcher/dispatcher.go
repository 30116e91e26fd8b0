// Package dispatcher moves ready tasks onto the assignment stream. A
// dispatch reserves the task with an optimistic ready -> queued
// transition, publishes the assignment record, then records the stream
// message id against the task; any conflict after publish rolls the task
// back to ready and frees the worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/statemachine"
	"github.com/c360studio/foreman/store"
)

// maxReserveRetries bounds CAS retries when another actor races the
// reservation.
const maxReserveRetries = 3

// publishTimeout bounds the assignment publish.
const publishTimeout = 2 * time.Second

// Dispatcher assigns ready tasks to idle workers.
type Dispatcher struct {
	store    *store.Store
	streams  *queue.Streams
	registry *registry.Registry
	bus      *board.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher.
func New(st *store.Store, streams *queue.Streams, reg *registry.Registry, bus *board.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		streams:  streams,
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch assigns the task to an idle worker and publishes the
// assignment. Returns ErrNoEligibleWorker when no worker qualifies and
// nil when another actor already took the task.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.Task) error {
	// Never dispatch for a project that is not active at the moment of
	// reservation.
	project, err := d.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if project.Status != model.ProjectStatusActive {
		return fmt.Errorf("dispatch %s: project %s is %s: %w",
			task.ID, project.ID, project.Status, model.ErrProjectNotReady)
	}

	worker, err := d.registry.PickIdleWorker(ctx, task.RequiredCapabilities)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxReserveRetries; attempt++ {
		err := d.dispatchOnce(ctx, task, worker)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrVersionConflict) || errors.Is(err, model.ErrIllegalTransition) {
			// The task moved under us; re-read and only retry while it is
			// still dispatchable.
			task, err = d.store.GetTask(ctx, task.ID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return nil
				}
				return err
			}
			if task.Status != model.TaskStatusReady {
				return nil
			}
			continue
		}
		return err
	}
	d.logger.Debug("dispatch lost reservation race", "task_id", task.ID)
	return nil
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, task model.Task, worker model.Worker) error {
	now := d.now()

	// Reserve: ready -> queued under the task's current version, staging
	// the worker and a reservation marker that the publish step replaces
	// with the real stream message id.
	reservationID := "reserved:" + uuid.New().String()
	mut, err := statemachine.Plan(
		statemachine.Snapshot{Task: task},
		statemachine.Proposal{
			To:              model.TaskStatusQueued,
			Actor:           "pm",
			Reason:          "dispatched to worker " + worker.ID,
			ExpectedVersion: task.Version,
			WorkerID:        worker.ID,
			MessageID:       reservationID,
		},
		now,
	)
	if err != nil {
		return err
	}
	if err := d.store.ApplyMutation(ctx, mut); err != nil {
		return err
	}
	reserved := mut.Task

	assignment := queue.Assignment{
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
		WorkerID:     worker.ID,
		AssignedAt:   now,
		BranchName:   task.BranchName,
		WorkerPrompt: task.WorkerPrompt,
		QAPrompt:     task.QAPrompt,
		// The message-id record below bumps the task once more, CAS'd on
		// the reserved version, before any worker can act. Advertise the
		// version the task holds after that record so the worker's first
		// result is not refused as stale.
		ExpectedVersion: reserved.Version + 1,
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	msgID, err := d.streams.Publish(pubCtx, queue.AssignStream(task.ProjectID), assignment)
	cancel()
	if err != nil {
		d.rollback(ctx, reserved, fmt.Sprintf("assignment publish failed: %v", err))
		return fmt.Errorf("dispatch %s: %w: %v", task.ID, model.ErrQueueUnavailable, err)
	}

	// Record the stream message id. A conflict here means someone mutated
	// the freshly queued task; the published message must not stand, so
	// roll back and free the worker.
	if err := d.store.UpdateTaskMessageID(ctx, task.ID, reserved.Version, msgID); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			d.rollback(ctx, reserved, "message id record conflicted")
			return nil
		}
		return err
	}

	if err := d.registry.AssignTask(ctx, worker.ID, task.ID); err != nil {
		d.logger.Warn("mark worker busy failed", "worker_id", worker.ID, "task_id", task.ID, "error", err)
	}

	d.logger.Info("task dispatched",
		"task_id", task.ID, "project_id", task.ProjectID,
		"worker_id", worker.ID, "message_id", msgID)
	tasksDispatched.Inc()

	d.bus.Publish(board.Event{
		Event:     board.EventTaskMoved,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		From:      model.TaskStatusReady,
		To:        model.TaskStatusQueued,
		WorkerID:  worker.ID,
	})
	return nil
}

// rollback returns a reserved task to ready, freeing the worker. The
// queued assignment message, if any, stays in the log; its stale
// expected_version makes any consumption a no-op.
func (d *Dispatcher) rollback(ctx context.Context, reserved model.Task, reason string) {
	mut, err := statemachine.Plan(
		statemachine.Snapshot{Task: reserved, DepStatuses: doneDeps(reserved)},
		statemachine.Proposal{
			To:              model.TaskStatusReady,
			Actor:           "system",
			Reason:          reason,
			ExpectedVersion: reserved.Version,
		},
		d.now(),
	)
	if err == nil {
		err = d.store.ApplyMutation(ctx, mut)
	}
	if err != nil && !errors.Is(err, model.ErrVersionConflict) {
		d.logger.Error("dispatch rollback failed", "task_id", reserved.ID, "error", err)
		return
	}
	dispatchRollbacks.Inc()
	if wid := reserved.WorkerID; wid != "" {
		if err := d.registry.ReleaseTask(ctx, wid); err != nil {
			d.logger.Warn("release worker failed", "worker_id", wid, "error", err)
		}
	}
}

// doneDeps builds the dependency view for the rollback transition: a task
// that reached ready once has only done dependencies.
func doneDeps(t model.Task) map[string]model.TaskStatus {
	deps := make(map[string]model.TaskStatus, len(t.DependsOn))
	for _, id := range t.DependsOn {
		deps[id] = model.TaskStatusDone
	}
	return deps
}
