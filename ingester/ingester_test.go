package ingester

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/statemachine"
	"github.com/c360studio/foreman/store"
)

type wakeRecorder struct {
	projects []string
}

func (w *wakeRecorder) Wake(projectID string) { w.projects = append(w.projects, projectID) }

type fixture struct {
	store    *store.Store
	streams  *queue.Streams
	registry *registry.Registry
	bus      *board.Bus
	wakes    *wakeRecorder
	ingester *Ingester
	worker   registry.Registration
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(store.Options{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	streams := queue.New(rdb)
	reg := registry.New(st, 30*time.Second, logger)
	bus := board.NewBus()
	wakes := &wakeRecorder{}

	token, err := reg.MintToken(ctx, "test", time.Hour)
	require.NoError(t, err)
	worker, err := reg.Register(ctx, token.Token, "agent", "linux", "stub", nil)
	require.NoError(t, err)

	require.NoError(t, streams.EnsureGroup(ctx, queue.StreamResults, queue.GroupIngesters, queue.StartReplayAll))

	return &fixture{
		store:    st,
		streams:  streams,
		registry: reg,
		bus:      bus,
		wakes:    wakes,
		ingester: New(st, streams, reg, bus, wakes, "c1", logger),
		worker:   worker,
	}
}

// seedPlan creates p1 with t1 (ready) and t2 waiting on t1.
func (f *fixture) seedPlan(t *testing.T) {
	t.Helper()
	project := model.Project{ID: "p1", Name: "demo", Status: model.ProjectStatusActive}
	tasks := []model.Task{
		{ID: "t1", ProjectID: "p1", Title: "first", Priority: model.PriorityMedium},
		{ID: "t2", ProjectID: "p1", Title: "second", Priority: model.PriorityMedium, DependsOn: []string{"t1"}},
	}
	require.NoError(t, f.store.CreatePlan(context.Background(), project, nil, tasks))
}

// advance drives t1 through the given statuses with direct mutations.
func (f *fixture) advance(t *testing.T, taskID string, statuses ...model.TaskStatus) model.Task {
	t.Helper()
	ctx := context.Background()
	for _, target := range statuses {
		task, err := f.store.GetTask(ctx, taskID)
		require.NoError(t, err)
		deps, err := f.store.DepStatuses(ctx, taskID)
		require.NoError(t, err)
		mut, err := statemachine.Plan(
			statemachine.Snapshot{Task: task, DepStatuses: deps},
			statemachine.Proposal{
				To:              target,
				Actor:           "test",
				ExpectedVersion: task.Version,
				WorkerID:        f.worker.WorkerID,
				MessageID:       "1-0",
				Result:          json.RawMessage(`{}`),
				QAAccepted:      true,
			},
			time.Now().UTC(),
		)
		require.NoError(t, err)
		require.NoError(t, f.store.ApplyMutation(ctx, mut))
	}
	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	return task
}

// publishResult appends a result for the fixture worker and returns the
// delivered message.
func (f *fixture) publishResult(t *testing.T, res queue.Result) queue.Message {
	t.Helper()
	ctx := context.Background()
	res.WorkerID = f.worker.WorkerID
	res.WorkerSecret = f.worker.Secret
	_, err := f.streams.Publish(ctx, queue.StreamResults, res)
	require.NoError(t, err)

	msgs, err := f.streams.Consume(ctx, queue.StreamResults, queue.GroupIngesters, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (f *fixture) pendingResults(t *testing.T) []queue.PendingEntry {
	t.Helper()
	pending, err := f.streams.Pending(context.Background(), queue.StreamResults, queue.GroupIngesters)
	require.NoError(t, err)
	return pending
}

func (f *fixture) dlqLen(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.streams.EnsureGroup(ctx, queue.StreamDeadLetter, "test-readers", queue.StartReplayAll))
	msgs, err := f.streams.Consume(ctx, queue.StreamDeadLetter, "test-readers", "t", 100, 10*time.Millisecond)
	require.NoError(t, err)
	return len(msgs)
}

func TestProcessStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued)

	msg := f.publishResult(t, queue.Result{TaskID: "t1", Kind: queue.ResultStarted, ExpectedVersion: task.Version})
	f.ingester.Process(ctx, msg)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Equal(t, f.worker.WorkerID, got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.Empty(t, f.pendingResults(t))

	// The worker is marked busy on the task.
	w, err := f.store.GetWorker(ctx, f.worker.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, "t1", w.CurrentTaskID)
}

func TestProcessSubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued, model.TaskStatusInProgress)

	payload, _ := json.Marshal(queue.SubmittedPayload{
		CommitHash: "abc123",
		BranchName: "task/t1",
		OutputPath: "/out/t1",
	})
	msg := f.publishResult(t, queue.Result{
		TaskID:          "t1",
		Kind:            queue.ResultSubmitted,
		Payload:         payload,
		ExpectedVersion: task.Version,
	})
	f.ingester.Process(ctx, msg)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReview, got.Status)
	assert.Equal(t, "abc123", got.CommitHash)
	assert.Equal(t, "task/t1", got.BranchName)
	assert.Equal(t, "/out/t1", got.OutputPath)
}

func TestProcessQAAcceptPromotesDependents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued, model.TaskStatusInProgress, model.TaskStatusReview)

	sub := f.bus.Subscribe("p1")
	defer sub.Cancel()

	payload, _ := json.Marshal(queue.QAPayload{QAResult: json.RawMessage(`{"verdict":"pass"}`)})
	msg := f.publishResult(t, queue.Result{
		TaskID:          "t1",
		Kind:            queue.ResultQAAccept,
		Payload:         payload,
		ExpectedVersion: task.Version,
	})
	f.ingester.Process(ctx, msg)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, got.Status)
	assert.Empty(t, got.WorkerID)
	require.NotNil(t, got.CompletedAt)

	// t2 waited only on t1 and is promoted to ready.
	dep, err := f.store.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, dep.Status)

	// The PM loop was woken for the project.
	assert.Equal(t, []string{"p1"}, f.wakes.projects)

	// Both transitions produced board events.
	var events []board.Event
	for len(events) < 2 {
		select {
		case ev := <-sub.C:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 board events, got %d", len(events))
		}
	}
	assert.Equal(t, model.TaskStatusDone, events[0].To)
	assert.Equal(t, model.TaskStatusReady, events[1].To)
}

func TestProcessQAReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued, model.TaskStatusInProgress, model.TaskStatusReview)

	msg := f.publishResult(t, queue.Result{TaskID: "t1", Kind: queue.ResultQAReject, ExpectedVersion: task.Version})
	f.ingester.Process(ctx, msg)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRejected, got.Status)
	assert.Equal(t, []string{"p1"}, f.wakes.projects)

	// The dependent stays waiting.
	dep, err := f.store.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusWaiting, dep.Status)
}

func TestProcessWorkerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued, model.TaskStatusInProgress)

	payload, _ := json.Marshal(queue.ErrorPayload{ErrorMessage: "compile failed"})
	msg := f.publishResult(t, queue.Result{
		TaskID:          "t1",
		Kind:            queue.ResultError,
		Payload:         payload,
		ExpectedVersion: task.Version,
	})
	f.ingester.Process(ctx, msg)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRejected, got.Status)
	assert.Equal(t, "compile failed", got.ErrorMessage)
}

func TestProcessDuplicateResultDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued)

	res := queue.Result{TaskID: "t1", Kind: queue.ResultStarted, ExpectedVersion: task.Version}
	msg := f.publishResult(t, res)
	f.ingester.Process(ctx, msg)

	afterFirst, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)

	// Redelivery of the same message: stale expected version, acked with no
	// state change and no dead letter.
	dup := f.publishResult(t, res)
	f.ingester.Process(ctx, dup)

	afterSecond, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, afterFirst.Status, afterSecond.Status)
	assert.Empty(t, f.pendingResults(t))
	assert.Zero(t, f.dlqLen(t))
}

func TestProcessMalformedToDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.streams.Publish(ctx, queue.StreamResults, map[string]string{"not": "a result"})
	require.NoError(t, err)
	msgs, err := f.streams.Consume(ctx, queue.StreamResults, queue.GroupIngesters, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.ingester.Process(ctx, msgs[0])

	assert.Equal(t, 1, f.dlqLen(t))
	assert.Empty(t, f.pendingResults(t))
}

func TestProcessUnknownTaskToDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg := f.publishResult(t, queue.Result{TaskID: "ghost", Kind: queue.ResultStarted, ExpectedVersion: 1})
	f.ingester.Process(ctx, msg)

	assert.Equal(t, 1, f.dlqLen(t))
	assert.Empty(t, f.pendingResults(t))
}

func TestProcessIllegalTransitionToDeadLetter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)

	// qa_accept against a ready task is a deterministic refusal.
	msg := f.publishResult(t, queue.Result{TaskID: "t1", Kind: queue.ResultQAAccept, ExpectedVersion: task.Version})
	f.ingester.Process(ctx, msg)

	assert.Equal(t, 1, f.dlqLen(t))
	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, got.Status)
}

func TestAfterApplyWithoutAssignmentDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	require.NoError(t, f.registry.AssignTask(ctx, f.worker.WorkerID, "t9"))

	// No assignment message id was ever recorded for this task; the
	// completion must not issue an ack on the assignment stream.
	before := model.Task{
		ID:        "t9",
		ProjectID: "p1",
		Status:    model.TaskStatusReview,
		Version:   5,
		WorkerID:  f.worker.WorkerID,
	}
	mut, err := statemachine.Plan(
		statemachine.Snapshot{Task: before},
		statemachine.Proposal{
			To:              model.TaskStatusDone,
			Actor:           "test",
			ExpectedVersion: 5,
			QAAccepted:      true,
		},
		time.Now().UTC(),
	)
	require.NoError(t, err)

	f.ingester.afterApply(ctx, before, mut, queue.Result{
		TaskID:   "t9",
		WorkerID: f.worker.WorkerID,
		Kind:     queue.ResultQAAccept,
	})

	// The remaining side effects still ran: worker freed, PM woken.
	w, err := f.store.GetWorker(ctx, f.worker.WorkerID)
	require.NoError(t, err)
	assert.Empty(t, w.CurrentTaskID)
	assert.Equal(t, []string{"p1"}, f.wakes.projects)
}

func TestProcessUnverifiedWorkerDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPlan(t)
	task := f.advance(t, "t1", model.TaskStatusQueued)

	res := queue.Result{
		TaskID:          "t1",
		WorkerID:        f.worker.WorkerID,
		WorkerSecret:    "forged",
		Kind:            queue.ResultStarted,
		ExpectedVersion: task.Version,
	}
	_, err := f.streams.Publish(ctx, queue.StreamResults, res)
	require.NoError(t, err)
	msgs, err := f.streams.Consume(ctx, queue.StreamResults, queue.GroupIngesters, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.ingester.Process(ctx, msgs[0])

	// Dropped: acked without effect, not dead-lettered.
	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, got.Status)
	assert.Empty(t, f.pendingResults(t))
	assert.Zero(t, f.dlqLen(t))
}
