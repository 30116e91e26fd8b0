package board

import (
	"context"
	"time"

	"github.com/c360studio/foreman/model"
)

// TaskLister is the slice of the store the snapshot needs.
type TaskLister interface {
	ListProjectTasks(ctx context.Context, projectID string) ([]model.Task, error)
	CountTasksByStatus(ctx context.Context, projectID string) (map[model.TaskStatus]int64, error)
}

// WorkerLister is the slice of the registry the snapshot needs.
type WorkerLister interface {
	Workers(ctx context.Context) ([]model.Worker, error)
	HeartbeatInterval() time.Duration
}

// Snapshot is the full board view served by GET /board/{project_id}.
type Snapshot struct {
	ProjectID string                            `json:"project_id"`
	Columns   map[model.TaskStatus][]model.Task `json:"columns"`
	Stats     map[model.TaskStatus]int64        `json:"stats"`
	Workers   map[model.WorkerStatus]int        `json:"workers"`
}

// BuildSnapshot assembles the board: tasks grouped into status columns,
// counts by status, and worker counts by derived liveness.
func BuildSnapshot(ctx context.Context, projectID string, tasks TaskLister, workers WorkerLister) (Snapshot, error) {
	snap := Snapshot{
		ProjectID: projectID,
		Columns:   make(map[model.TaskStatus][]model.Task, len(model.AllTaskStatuses)),
		Stats:     make(map[model.TaskStatus]int64, len(model.AllTaskStatuses)),
		Workers:   make(map[model.WorkerStatus]int, 3),
	}
	for _, st := range model.AllTaskStatuses {
		snap.Columns[st] = []model.Task{}
		snap.Stats[st] = 0
	}

	list, err := tasks.ListProjectTasks(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	for _, t := range list {
		snap.Columns[t.Status] = append(snap.Columns[t.Status], t)
	}

	counts, err := tasks.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	for st, n := range counts {
		snap.Stats[st] = n
	}

	ws, err := workers.Workers(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now().UTC()
	interval := workers.HeartbeatInterval()
	for _, w := range ws {
		snap.Workers[w.Liveness(now, interval)]++
	}

	return snap, nil
}
