// Package ingester consumes worker results from the tasks:results stream
// under the ingesters consumer group, applies the requested transitions
// through the state machine, and acknowledges messages according to their
// failure class: transient store failures redeliver, deterministic
// refusals dead-letter, lost updates are logged and dropped.
package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/statemachine"
	"github.com/c360studio/foreman/store"
)

const (
	// consumeBlock is the per-iteration consume block; the loop re-checks
	// cancellation at this cadence.
	consumeBlock = time.Second
	// consumeBatch bounds messages taken per iteration.
	consumeBatch = 10
	// maxApplyRetries bounds CAS retries against concurrent racers.
	maxApplyRetries = 3
)

// Notifier receives a wake-up when a task reaches done or rejected, so
// the PM loop can re-scan without waiting for its tick.
type Notifier interface {
	Wake(projectID string)
}

// NopNotifier discards wake-ups.
type NopNotifier struct{}

// Wake implements Notifier.
func (NopNotifier) Wake(string) {}

// Ingester is the results consumer.
type Ingester struct {
	store    *store.Store
	streams  *queue.Streams
	registry *registry.Registry
	bus      *board.Bus
	notifier Notifier
	consumer string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an ingester consuming as the named consumer within the
// ingesters group.
func New(st *store.Store, streams *queue.Streams, reg *registry.Registry, bus *board.Bus, notifier Notifier, consumer string, logger *slog.Logger) *Ingester {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Ingester{
		store:    st,
		streams:  streams,
		registry: reg,
		bus:      bus,
		notifier: notifier,
		consumer: consumer,
		logger:   logger.With("component", "ingester", "consumer", consumer),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes results until the context is cancelled.
func (in *Ingester) Run(ctx context.Context) error {
	if err := in.streams.EnsureGroup(ctx, queue.StreamResults, queue.GroupIngesters, queue.StartReplayAll); err != nil {
		return err
	}

	in.logger.Info("result ingester started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := in.streams.Consume(ctx, queue.StreamResults, queue.GroupIngesters, in.consumer, consumeBatch, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Warn("consume results failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, msg := range msgs {
			in.Process(ctx, msg)
		}
	}
}

// Process handles one result message end to end, including its
// acknowledgement policy. Exported for the janitor and tests.
func (in *Ingester) Process(ctx context.Context, msg queue.Message) {
	var res queue.Result
	if err := json.Unmarshal(msg.Payload, &res); err != nil || !res.Kind.Valid() || res.TaskID == "" {
		in.deadLetter(ctx, msg, "malformed result message")
		return
	}

	// A result from unknown or revoked credentials is dropped: ack so a
	// replayed message from a removed worker cannot act.
	if err := in.registry.Verify(ctx, res.WorkerID, res.WorkerSecret); err != nil {
		if errors.Is(err, model.ErrUnauthorized) {
			in.logger.Warn("result from unverified worker dropped", "task_id", res.TaskID, "worker_id", res.WorkerID)
			in.ack(ctx, msg.ID)
			return
		}
		// Transient: leave unacked for redelivery.
		in.logger.Warn("worker verification unavailable", "task_id", res.TaskID, "error", err)
		return
	}

	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		done, retry := in.applyOnce(ctx, msg, res)
		if done {
			return
		}
		if !retry {
			return
		}
	}

	// Persistent conflict: the worker's next heartbeat or resubmission
	// reconciles.
	in.logger.Warn("lost update", "task_id", res.TaskID, "kind", res.Kind, "expected_version", res.ExpectedVersion)
	resultsLostUpdates.Inc()
	in.ack(ctx, msg.ID)
}

// applyOnce attempts one CAS application. done means the message reached
// a final disposition (acked or left for redelivery); retry requests
// another attempt after a conflicting racer.
func (in *Ingester) applyOnce(ctx context.Context, msg queue.Message, res queue.Result) (done, retry bool) {
	task, err := in.store.GetTask(ctx, res.TaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			in.deadLetter(ctx, msg, "task not found")
			return true, false
		}
		in.logger.Warn("task read failed, leaving for redelivery", "task_id", res.TaskID, "error", err)
		return true, false
	}

	// Stale expected version means this message already took effect (a
	// duplicate delivery) or the state moved past it. Either way it must
	// not apply: ack without a state change.
	if task.Version != res.ExpectedVersion {
		in.logger.Info("stale result dropped",
			"task_id", res.TaskID, "kind", res.Kind,
			"expected_version", res.ExpectedVersion, "current_version", task.Version)
		in.ack(ctx, msg.ID)
		return true, false
	}

	proposal, err := in.buildProposal(task, res)
	if err != nil {
		in.deadLetter(ctx, msg, err.Error())
		return true, false
	}

	deps, err := in.store.DepStatuses(ctx, task.ID)
	if err != nil {
		in.logger.Warn("dep read failed, leaving for redelivery", "task_id", res.TaskID, "error", err)
		return true, false
	}

	mut, err := statemachine.Plan(statemachine.Snapshot{Task: task, DepStatuses: deps}, proposal, in.now())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrIllegalTransition),
			errors.Is(err, model.ErrMissingPrerequisite),
			errors.Is(err, model.ErrDependencyNotSatisfied):
			in.deadLetter(ctx, msg, err.Error())
			return true, false
		case errors.Is(err, model.ErrVersionConflict):
			return false, true
		default:
			in.logger.Error("plan failed", "task_id", res.TaskID, "error", err)
			return true, false
		}
	}

	if err := in.store.ApplyMutation(ctx, mut); err != nil {
		switch {
		case errors.Is(err, model.ErrVersionConflict):
			return false, true
		case errors.Is(err, model.ErrNotFound):
			in.deadLetter(ctx, msg, "task vanished during apply")
			return true, false
		default:
			// StoreUnavailable: no ack, the message redelivers.
			in.logger.Warn("apply failed, leaving for redelivery", "task_id", res.TaskID, "error", err)
			return true, false
		}
	}

	in.afterApply(ctx, task, mut, res)
	in.ack(ctx, msg.ID)
	return true, false
}

// buildProposal maps the result kind to its intended transition.
func (in *Ingester) buildProposal(task model.Task, res queue.Result) (statemachine.Proposal, error) {
	p := statemachine.Proposal{
		Actor:           "worker:" + res.WorkerID,
		ExpectedVersion: res.ExpectedVersion,
		WorkerID:        res.WorkerID,
	}

	switch res.Kind {
	case queue.ResultStarted:
		p.To = model.TaskStatusInProgress
		p.Reason = "worker started"

	case queue.ResultSubmitted:
		var payload queue.SubmittedPayload
		if err := json.Unmarshal(orEmptyObject(res.Payload), &payload); err != nil {
			return statemachine.Proposal{}, fmt.Errorf("malformed submitted payload: %w", err)
		}
		p.To = model.TaskStatusReview
		p.Reason = "worker submitted"
		p.Result = orEmptyObject(res.Payload)
		p.CommitHash = payload.CommitHash
		p.BranchName = payload.BranchName
		p.OutputPath = payload.OutputPath

	case queue.ResultQAAccept:
		var payload queue.QAPayload
		if err := json.Unmarshal(orEmptyObject(res.Payload), &payload); err != nil {
			return statemachine.Proposal{}, fmt.Errorf("malformed qa payload: %w", err)
		}
		p.To = model.TaskStatusDone
		p.Reason = "QA accepted"
		p.QAAccepted = true
		p.QAResult = payload.QAResult

	case queue.ResultQAReject:
		var payload queue.QAPayload
		if err := json.Unmarshal(orEmptyObject(res.Payload), &payload); err != nil {
			return statemachine.Proposal{}, fmt.Errorf("malformed qa payload: %w", err)
		}
		p.To = model.TaskStatusRejected
		p.Reason = "QA rejected"
		p.QAResult = payload.QAResult

	case queue.ResultError:
		var payload queue.ErrorPayload
		if err := json.Unmarshal(orEmptyObject(res.Payload), &payload); err != nil {
			return statemachine.Proposal{}, fmt.Errorf("malformed error payload: %w", err)
		}
		p.To = model.TaskStatusRejected
		p.Reason = "worker error"
		p.ErrorMessage = payload.ErrorMessage
	}

	return p, nil
}

// afterApply runs the committed transition's side effects: worker
// bookkeeping, readiness re-evaluation, board fan-out, PM wake-up.
func (in *Ingester) afterApply(ctx context.Context, before model.Task, mut statemachine.Mutation, res queue.Result) {
	after := mut.Task
	resultsIngested.WithLabelValues(string(res.Kind)).Inc()

	switch after.Status {
	case model.TaskStatusInProgress:
		if err := in.registry.AssignTask(ctx, res.WorkerID, after.ID); err != nil {
			in.logger.Warn("mark worker busy failed", "worker_id", res.WorkerID, "error", err)
		}
	case model.TaskStatusDone, model.TaskStatusRejected:
		if err := in.registry.ReleaseTask(ctx, res.WorkerID); err != nil {
			in.logger.Warn("release worker failed", "worker_id", res.WorkerID, "error", err)
		}
		if before.MessageID != "" {
			if err := in.streams.Ack(ctx, queue.AssignStream(after.ProjectID), queue.GroupWorkers, before.MessageID); err != nil {
				in.logger.Debug("assignment ack failed", "message_id", before.MessageID, "error", err)
			}
		}
	}

	in.bus.Publish(board.Event{
		Event:     board.EventTaskMoved,
		ProjectID: after.ProjectID,
		TaskID:    after.ID,
		From:      before.Status,
		To:        after.Status,
		WorkerID:  res.WorkerID,
	})

	if after.Status == model.TaskStatusDone {
		in.promoteDependents(ctx, after)
	}
	if after.Status == model.TaskStatusDone || after.Status == model.TaskStatusRejected {
		in.notifier.Wake(after.ProjectID)
	}
}

// promoteDependents moves waiting dependents of a completed task to ready
// when the completion satisfied their whole dependency set.
func (in *Ingester) promoteDependents(ctx context.Context, done model.Task) {
	dependents, err := in.store.ListWaitingDependents(ctx, done.ID)
	if err != nil {
		in.logger.Warn("list dependents failed", "task_id", done.ID, "error", err)
		return
	}

	for _, dep := range dependents {
		deps, err := in.store.DepStatuses(ctx, dep.ID)
		if err != nil {
			in.logger.Warn("dep read failed", "task_id", dep.ID, "error", err)
			continue
		}

		mut, err := statemachine.Plan(
			statemachine.Snapshot{Task: dep, DepStatuses: deps},
			statemachine.Proposal{
				To:              model.TaskStatusReady,
				Actor:           "system",
				Reason:          "all dependencies met (triggered by task " + done.ID + ")",
				ExpectedVersion: dep.Version,
			},
			in.now(),
		)
		if err != nil {
			// Not all dependencies done yet, or a racer promoted it first.
			continue
		}
		if err := in.store.ApplyMutation(ctx, mut); err != nil {
			if !errors.Is(err, model.ErrVersionConflict) {
				in.logger.Warn("promote dependent failed", "task_id", dep.ID, "error", err)
			}
			continue
		}

		in.bus.Publish(board.Event{
			Event:     board.EventTaskMoved,
			ProjectID: dep.ProjectID,
			TaskID:    dep.ID,
			From:      model.TaskStatusWaiting,
			To:        model.TaskStatusReady,
		})
	}
}

func (in *Ingester) ack(ctx context.Context, id string) {
	if err := in.streams.Ack(ctx, queue.StreamResults, queue.GroupIngesters, id); err != nil {
		in.logger.Warn("ack failed", "message_id", id, "error", err)
	}
}

func (in *Ingester) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	in.logger.Warn("dead-lettering result", "message_id", msg.ID, "reason", reason)
	resultsDeadLettered.Inc()
	if err := in.streams.DeadLetter(ctx, queue.StreamResults, msg.ID, msg.Payload, reason); err != nil {
		// Keep the message pending rather than lose it.
		in.logger.Error("dead-letter publish failed", "message_id", msg.ID, "error", err)
		return
	}
	in.ack(ctx, msg.ID)
}

// orEmptyObject substitutes an empty JSON object for an absent payload.
func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
