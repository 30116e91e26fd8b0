// Package agent is the worker-side client: it registers against the
// server, heartbeats, consumes assignments from the project's stream,
// runs an Executor and publishes result messages. Execution itself is
// pluggable; the agent only owns the message protocol.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/foreman/queue"
)

const (
	consumeBlock = time.Second
	retryDelay   = 5 * time.Second
)

// Executor runs one assignment to completion. Implementations wrap the
// actual code-generation environment.
type Executor interface {
	// Execute returns the submission payload for a finished assignment.
	Execute(ctx context.Context, a queue.Assignment) (queue.SubmittedPayload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a queue.Assignment) (queue.SubmittedPayload, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, a queue.Assignment) (queue.SubmittedPayload, error) {
	return f(ctx, a)
}

// Options configures an agent.
type Options struct {
	WorkerID          string
	WorkerSecret      string
	ProjectID         string
	HeartbeatInterval time.Duration
	// Heartbeat posts a heartbeat and reports whether the server asked the
	// worker to drain. Typically Client.Heartbeat.
	Heartbeat func(ctx context.Context) (drain bool, err error)
}

// Agent consumes assignments and publishes results.
type Agent struct {
	streams  *queue.Streams
	executor Executor
	opts     Options
	logger   *slog.Logger

	draining chan struct{}
}

// New creates an agent.
func New(streams *queue.Streams, executor Executor, opts Options, logger *slog.Logger) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		streams:  streams,
		executor: executor,
		opts:     opts,
		logger:   logger.With("component", "agent", "worker_id", opts.WorkerID),
		draining: make(chan struct{}),
	}
}

// Run consumes assignments and control messages until the context is
// cancelled or a drain directive arrives.
func (a *Agent) Run(ctx context.Context) error {
	stream := queue.AssignStream(a.opts.ProjectID)
	if err := a.streams.EnsureGroup(ctx, stream, queue.GroupWorkers, queue.StartReplayAll); err != nil {
		return err
	}
	control := queue.ControlStream(a.opts.WorkerID)
	if err := a.streams.EnsureGroup(ctx, control, a.opts.WorkerID, queue.StartNewOnly); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.opts.Heartbeat != nil {
		go a.heartbeatLoop(ctx, cancel)
	}
	go a.controlLoop(ctx, control, cancel)

	a.logger.Info("agent started", "project_id", a.opts.ProjectID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := a.streams.Consume(ctx, stream, queue.GroupWorkers, a.opts.WorkerID, 1, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("consume assignments failed", "error", err)
			sleepCtx(ctx, retryDelay)
			continue
		}

		for _, msg := range msgs {
			a.process(ctx, stream, msg)
		}
	}
}

func (a *Agent) process(ctx context.Context, stream string, msg queue.Message) {
	var assignment queue.Assignment
	if err := json.Unmarshal(msg.Payload, &assignment); err != nil {
		a.logger.Warn("malformed assignment dropped", "message_id", msg.ID, "error", err)
		a.ack(ctx, stream, msg.ID)
		return
	}

	a.logger.Info("assignment received", "task_id", assignment.TaskID, "message_id", msg.ID)

	// started pins the expected version; a redelivered assignment whose
	// version has moved on is rejected by the server and applied nowhere.
	version := assignment.ExpectedVersion
	if err := a.publishResult(ctx, assignment.TaskID, queue.ResultStarted, nil, version); err != nil {
		// Leave unacked: the assignment redelivers.
		a.logger.Warn("publish started failed", "task_id", assignment.TaskID, "error", err)
		return
	}
	version++ // queued -> in_progress

	submitted, err := a.executor.Execute(ctx, assignment)
	if err != nil {
		payload, _ := json.Marshal(queue.ErrorPayload{ErrorMessage: err.Error()})
		if perr := a.publishResult(ctx, assignment.TaskID, queue.ResultError, payload, version); perr != nil {
			a.logger.Warn("publish error result failed", "task_id", assignment.TaskID, "error", perr)
			return
		}
		a.ack(ctx, stream, msg.ID)
		return
	}

	payload, err := json.Marshal(submitted)
	if err != nil {
		a.logger.Error("marshal submission failed", "task_id", assignment.TaskID, "error", err)
		return
	}
	if err := a.publishResult(ctx, assignment.TaskID, queue.ResultSubmitted, payload, version); err != nil {
		a.logger.Warn("publish submitted failed", "task_id", assignment.TaskID, "error", err)
		return
	}

	// The assignment stays pending until the reviewer path resolves it
	// server-side; ack here closes the worker's own delivery.
	a.ack(ctx, stream, msg.ID)
}

func (a *Agent) publishResult(ctx context.Context, taskID string, kind queue.ResultKind, payload json.RawMessage, expectedVersion int64) error {
	_, err := a.streams.Publish(ctx, queue.StreamResults, queue.Result{
		TaskID:          taskID,
		WorkerID:        a.opts.WorkerID,
		WorkerSecret:    a.opts.WorkerSecret,
		Kind:            kind,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
		TS:              time.Now().UTC(),
	})
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain, err := a.opts.Heartbeat(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					a.logger.Warn("heartbeat failed", "error", err)
				}
				continue
			}
			if drain {
				a.logger.Info("drain directive received, stopping")
				cancel()
				return
			}
		}
	}
}

// controlLoop watches the worker's control stream for cancel and drain
// messages.
func (a *Agent) controlLoop(ctx context.Context, stream string, cancel context.CancelFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := a.streams.Consume(ctx, stream, a.opts.WorkerID, a.opts.WorkerID, 10, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sleepCtx(ctx, retryDelay)
			continue
		}
		for _, msg := range msgs {
			var ctl queue.Control
			if err := json.Unmarshal(msg.Payload, &ctl); err == nil {
				a.logger.Info("control message", "kind", ctl.Kind, "task_id", ctl.TaskID)
				if ctl.Kind == queue.ControlDrain || ctl.Kind == queue.ControlCancel {
					cancel()
				}
			}
			a.ack(ctx, stream, msg.ID)
		}
	}
}

func (a *Agent) ack(ctx context.Context, stream, id string) {
	group := queue.GroupWorkers
	if stream == queue.ControlStream(a.opts.WorkerID) {
		group = a.opts.WorkerID
	}
	if err := a.streams.Ack(ctx, stream, group, id); err != nil {
		a.logger.Debug("ack failed", "stream", stream, "message_id", id, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
