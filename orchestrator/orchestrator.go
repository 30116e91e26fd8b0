// Package orchestrator runs one supervised PM loop per active project.
// The loop scans for ready tasks, orders them by the dispatch tie-break,
// and hands them to the dispatcher within the project's in-flight limits.
// The map of running loops is the sole shared state, guarded by one mutex;
// project status in the store is the canonical truth.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/foreman/dispatcher"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/queue"
	"github.com/c360studio/foreman/statemachine"
	"github.com/c360studio/foreman/store"
)

// Defaults for the scheduling loop.
const (
	DefaultTick          = 5 * time.Second
	DefaultMaxPerProject = 4
	DefaultMaxPerPhase   = 1

	// Backpressure thresholds on the results pending list: dispatch pauses
	// above High and resumes below Low.
	backpressureHigh = 1000
	backpressureLow  = 500
)

// Options tunes the manager. Zero values select the defaults.
type Options struct {
	Tick          time.Duration
	MaxPerProject int
	MaxPerPhase   int
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.MaxPerProject <= 0 {
		o.MaxPerProject = DefaultMaxPerProject
	}
	if o.MaxPerPhase <= 0 {
		o.MaxPerPhase = DefaultMaxPerPhase
	}
	return o
}

// Manager supervises per-project PM loops.
type Manager struct {
	store      *store.Store
	streams    *queue.Streams
	dispatcher *dispatcher.Dispatcher
	opts       Options
	logger     *slog.Logger

	mu    sync.Mutex
	loops map[string]*projectLoop
}

// NewManager creates a manager with no running loops.
func NewManager(st *store.Store, streams *queue.Streams, disp *dispatcher.Dispatcher, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		streams:    streams,
		dispatcher: disp,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "orchestrator"),
		loops:      make(map[string]*projectLoop),
	}
}

type projectLoop struct {
	projectID string
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	mu                sync.Mutex
	dispatchPaused    bool
	lastIterationTime time.Time
}

// Start activates the project and spawns its loop if absent. Starting a
// running project is a no-op. A project still in design fails with
// ErrProjectNotReady.
func (m *Manager) Start(ctx context.Context, projectID string) error {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	switch project.Status {
	case model.ProjectStatusActive:
		// Status already right; ensure the loop exists below.
	case model.ProjectStatusPaused:
		if err := m.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusPaused, model.ProjectStatusActive); err != nil &&
			!errors.Is(err, model.ErrVersionConflict) {
			return err
		}
	default:
		return fmt.Errorf("start project %s (status %s): %w", projectID, project.Status, model.ErrProjectNotReady)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[projectID]; running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &projectLoop{
		projectID: projectID,
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.loops[projectID] = loop

	go m.run(loopCtx, loop)
	m.logger.Info("pm loop started", "project_id", projectID)
	return nil
}

// Pause sets the project paused and signals the loop to exit after its
// current iteration. Already-dispatched tasks proceed normally.
func (m *Manager) Pause(ctx context.Context, projectID string) error {
	if err := m.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusActive, model.ProjectStatusPaused); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
		// Not active; still tear down a stray loop below.
	}

	m.mu.Lock()
	loop, running := m.loops[projectID]
	if running {
		delete(m.loops, projectID)
	}
	m.mu.Unlock()

	if running {
		loop.cancel()
		<-loop.done
		m.logger.Info("pm loop stopped", "project_id", projectID)
	}
	return nil
}

// Wake nudges the project's loop outside its tick. Implements the
// ingester's Notifier: called when a task reaches done or rejected.
func (m *Manager) Wake(projectID string) {
	m.mu.Lock()
	loop, ok := m.loops[projectID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
}

// Status describes a project's orchestration state.
type Status struct {
	ProjectID      string              `json:"project_id"`
	ProjectStatus  model.ProjectStatus `json:"project_status"`
	LoopRunning    bool                `json:"loop_running"`
	DispatchPaused bool                `json:"dispatch_paused"`
	TaskCounts     map[model.TaskStatus]int64 `json:"task_counts"`
}

// Status reports the loop and task-count view of a project.
func (m *Manager) Status(ctx context.Context, projectID string) (Status, error) {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return Status{}, err
	}
	counts, err := m.store.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	loop, running := m.loops[projectID]
	m.mu.Unlock()

	st := Status{
		ProjectID:     projectID,
		ProjectStatus: project.Status,
		LoopRunning:   running,
		TaskCounts:    counts,
	}
	if running {
		loop.mu.Lock()
		st.DispatchPaused = loop.dispatchPaused
		loop.mu.Unlock()
	}
	return st, nil
}

// QueueNext dispatches the single next ready task outside the scheduling
// tick. Returns the dispatched task, or ErrNotFound when nothing is ready.
func (m *Manager) QueueNext(ctx context.Context, projectID string) (model.Task, error) {
	ready, err := m.readyTasks(ctx, projectID)
	if err != nil {
		return model.Task{}, err
	}
	if len(ready) == 0 {
		return model.Task{}, fmt.Errorf("queue next %s: no ready task: %w", projectID, model.ErrNotFound)
	}

	next := ready[0]
	if err := m.dispatcher.Dispatch(ctx, next); err != nil {
		return model.Task{}, err
	}
	return next, nil
}

// Stop tears down every running loop. Used at server shutdown; project
// statuses are left untouched.
func (m *Manager) Stop() {
	m.mu.Lock()
	loops := make([]*projectLoop, 0, len(m.loops))
	for id, loop := range m.loops {
		loops = append(loops, loop)
		delete(m.loops, id)
	}
	m.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		<-loop.done
	}
}

// -- the loop ----------------------------------------------------------------

func (m *Manager) run(ctx context.Context, loop *projectLoop) {
	defer close(loop.done)

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	// First pass promotes dependency-free waiting tasks left over from
	// plan creation or a previous run.
	m.iterate(ctx, loop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-loop.wake:
		}
		if ctx.Err() != nil {
			return
		}
		m.iterate(ctx, loop)
	}
}

func (m *Manager) iterate(ctx context.Context, loop *projectLoop) {
	loop.mu.Lock()
	loop.lastIterationTime = time.Now().UTC()
	loop.mu.Unlock()

	m.promoteWaiting(ctx, loop.projectID)

	if m.backpressured(ctx, loop) {
		return
	}

	ready, err := m.readyTasks(ctx, loop.projectID)
	if err != nil {
		m.logger.Warn("ready scan failed", "project_id", loop.projectID, "error", err)
		return
	}
	if len(ready) == 0 {
		return
	}

	inFlight, byPhase, err := m.inFlightCounts(ctx, loop.projectID)
	if err != nil {
		m.logger.Warn("in-flight scan failed", "project_id", loop.projectID, "error", err)
		return
	}

	for _, task := range ready {
		if ctx.Err() != nil {
			return
		}
		if inFlight >= m.opts.MaxPerProject {
			return
		}
		if byPhase[task.PhaseID] >= m.opts.MaxPerPhase {
			continue
		}

		err := m.dispatcher.Dispatch(ctx, task)
		switch {
		case err == nil:
			inFlight++
			byPhase[task.PhaseID]++
		case errors.Is(err, model.ErrNoEligibleWorker):
			// Left in ready; the next tick retries.
			return
		default:
			m.logger.Warn("dispatch failed", "task_id", task.ID, "error", err)
		}
	}
}

// backpressured pauses dispatch while the results pending list is too
// deep, with hysteresis between the high and low watermarks.
func (m *Manager) backpressured(ctx context.Context, loop *projectLoop) bool {
	pending, err := m.streams.PendingCount(ctx, queue.StreamResults, queue.GroupIngesters)
	if err != nil {
		m.logger.Debug("pending count failed", "error", err)
		return false
	}
	pendingResults.Set(float64(pending))

	loop.mu.Lock()
	defer loop.mu.Unlock()
	if loop.dispatchPaused {
		if pending < backpressureLow {
			loop.dispatchPaused = false
			m.logger.Info("dispatch resumed", "project_id", loop.projectID, "pending", pending)
		}
	} else if pending > backpressureHigh {
		loop.dispatchPaused = true
		m.logger.Warn("dispatch paused by backpressure", "project_id", loop.projectID, "pending", pending)
	}
	return loop.dispatchPaused
}

// readyTasks returns the project's ready tasks in dispatch order.
func (m *Manager) readyTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	ready, err := m.store.ListTasksByStatus(ctx, projectID, model.TaskStatusReady)
	if err != nil {
		return nil, err
	}
	model.SortTasksForDispatch(ready)
	return ready, nil
}

func (m *Manager) inFlightCounts(ctx context.Context, projectID string) (int, map[string]int, error) {
	inFlightTasks, err := m.store.ListTasksByStatus(ctx, projectID,
		model.TaskStatusQueued, model.TaskStatusInProgress, model.TaskStatusReview)
	if err != nil {
		return 0, nil, err
	}
	byPhase := make(map[string]int)
	for _, t := range inFlightTasks {
		byPhase[t.PhaseID]++
	}
	return len(inFlightTasks), byPhase, nil
}

// promoteWaiting moves waiting tasks whose dependency sets are fully done
// to ready. The ingester promotes on completion; this sweep heals
// promotions lost to crashes or conflicts.
func (m *Manager) promoteWaiting(ctx context.Context, projectID string) {
	waiting, err := m.store.ListTasksByStatus(ctx, projectID, model.TaskStatusWaiting)
	if err != nil {
		m.logger.Debug("waiting scan failed", "project_id", projectID, "error", err)
		return
	}

	for _, task := range waiting {
		deps, err := m.store.DepStatuses(ctx, task.ID)
		if err != nil {
			continue
		}
		mut, err := statemachine.Plan(
			statemachine.Snapshot{Task: task, DepStatuses: deps},
			statemachine.Proposal{
				To:              model.TaskStatusReady,
				Actor:           "system",
				Reason:          "all dependencies met",
				ExpectedVersion: task.Version,
			},
			time.Now().UTC(),
		)
		if err != nil {
			continue
		}
		if err := m.store.ApplyMutation(ctx, mut); err != nil && !errors.Is(err, model.ErrVersionConflict) {
			m.logger.Debug("promote waiting failed", "task_id", task.ID, "error", err)
		}
	}
}
