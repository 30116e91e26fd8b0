// Package store is the durable persistence layer. It provides the two
// guarantees the orchestration core depends on: atomic compare-and-set
// mutation of a task keyed by (id, expected version), and transactional
// creation of a project plan (phases, tasks, dependency edges) as a unit.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/c360studio/foreman/depgraph"
	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/statemachine"
)

// defaultTimeout bounds every store call.
const defaultTimeout = 5 * time.Second

// Store wraps a GORM connection with the typed operations of the core.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// Options configures the database connection.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the postgres DSN or the sqlite path (":memory:" for tests).
	DSN string
}

// Open connects, migrates the schema, and returns the store.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	case "sqlite", "":
		dsn := opts.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&projectModel{}, &phaseModel{}, &taskModel{}, &taskDepModel{},
		&workerModel{}, &tokenModel{}, &transitionModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, timeout: defaultTimeout}, nil
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// wrapErr maps driver errors to the core's sentinel kinds.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreUnavailable, err)
}

// -- task mutation -----------------------------------------------------------

// ApplyMutation commits a planned transition atomically: the task row is
// updated only if its version still equals the mutation's origin version,
// and the transition record is appended in the same transaction. Returns
// ErrVersionConflict when another actor won the race, ErrNotFound when the
// task vanished.
func (s *Store) ApplyMutation(ctx context.Context, mut statemachine.Mutation) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	expectedVersion := mut.Task.Version - 1

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := toTaskModel(mut.Task)
		res := tx.Model(&taskModel{}).
			Where("id = ? AND version = ?", mut.Task.ID, expectedVersion).
			Select("*").Omit("id", "created_at").
			Updates(&m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&taskModel{}).Where("id = ?", mut.Task.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return model.ErrNotFound
			}
			return model.ErrVersionConflict
		}

		rec := toTransitionModel(mut.Record)
		return tx.Create(&rec).Error
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrVersionConflict), errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("apply mutation %s: %w", mut.Task.ID, err)
	default:
		return wrapErr("apply mutation "+mut.Task.ID, err)
	}
}

// UpdateTaskMessageID records the stream message id of an open assignment
// under the same optimistic version check, bumping the version.
func (s *Store) UpdateTaskMessageID(ctx context.Context, taskID string, expectedVersion int64, messageID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&taskModel{}).
		Where("id = ? AND version = ?", taskID, expectedVersion).
		Updates(map[string]any{
			"message_id": messageID,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return wrapErr("update message id "+taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update message id %s: %w", taskID, model.ErrVersionConflict)
	}
	return nil
}

// -- plan batch --------------------------------------------------------------

// CreatePlan persists a project with its phases, tasks and dependency
// edges as a unit. The dependency graph is validated first: unknown or
// cross-project references and cycles reject the whole batch. Tasks with
// an empty dependency set are created ready; the rest start waiting.
func (s *Store) CreatePlan(ctx context.Context, project model.Project, phases []model.Phase, tasks []model.Task) error {
	if err := depgraph.Validate(tasks); err != nil {
		return err
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pm := toProjectModel(project)
		if pm.CreatedAt.IsZero() {
			pm.CreatedAt = now
		}
		pm.UpdatedAt = now
		if err := tx.Create(&pm).Error; err != nil {
			return err
		}

		for _, ph := range phases {
			phm := toPhaseModel(ph)
			if err := tx.Create(&phm).Error; err != nil {
				return err
			}
		}

		for _, t := range tasks {
			if t.Version == 0 {
				t.Version = 1
			}
			if t.Status == "" {
				if len(t.DependsOn) == 0 {
					t.Status = model.TaskStatusReady
				} else {
					t.Status = model.TaskStatusWaiting
				}
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			t.UpdatedAt = now

			tm := toTaskModel(t)
			if err := tx.Create(&tm).Error; err != nil {
				return err
			}
			for _, depID := range t.DependsOn {
				if err := tx.Create(&taskDepModel{TaskID: t.ID, DependsOnID: depID}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	return wrapErr("create plan "+project.ID, err)
}

// -- task reads --------------------------------------------------------------

// GetTask fetches a task with its dependency ids.
func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var m taskModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return model.Task{}, wrapErr("get task "+id, err)
	}
	deps, err := s.taskDeps(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	return fromTaskModel(m, deps), nil
}

func (s *Store) taskDeps(ctx context.Context, id string) ([]string, error) {
	var edges []taskDepModel
	if err := s.db.WithContext(ctx).Where("task_id = ?", id).Order("depends_on_id").Find(&edges).Error; err != nil {
		return nil, wrapErr("get task deps "+id, err)
	}
	deps := make([]string, 0, len(edges))
	for _, e := range edges {
		deps = append(deps, e.DependsOnID)
	}
	return deps, nil
}

// DepStatuses returns the current status of each of the task's
// dependencies, keyed by dependency id.
func (s *Store) DepStatuses(ctx context.Context, taskID string) (map[string]model.TaskStatus, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []struct {
		ID     string
		Status string
	}
	err := s.db.WithContext(ctx).Model(&taskModel{}).
		Select("tasks.id, tasks.status").
		Joins("JOIN task_deps ON task_deps.depends_on_id = tasks.id").
		Where("task_deps.task_id = ?", taskID).
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr("dep statuses "+taskID, err)
	}

	out := make(map[string]model.TaskStatus, len(rows))
	for _, r := range rows {
		out[r.ID] = model.TaskStatus(r.Status)
	}
	return out, nil
}

// ListProjectTasks fetches all tasks of a project with dependency ids.
func (s *Store) ListProjectTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	return s.listTasks(ctx, "project_id = ?", projectID)
}

// ListTasksByStatus fetches the project's tasks whose status is in the
// given set, in creation order.
func (s *Store) ListTasksByStatus(ctx context.Context, projectID string, statuses ...model.TaskStatus) ([]model.Task, error) {
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}
	return s.listTasks(ctx, "project_id = ? AND status IN ?", projectID, set)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []taskModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, wrapErr("list tasks", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	var edges []taskDepModel
	if err := s.db.WithContext(ctx).Where("task_id IN ?", ids).Order("depends_on_id").Find(&edges).Error; err != nil {
		return nil, wrapErr("list task deps", err)
	}
	depsByTask := make(map[string][]string, len(models))
	for _, e := range edges {
		depsByTask[e.TaskID] = append(depsByTask[e.TaskID], e.DependsOnID)
	}

	tasks := make([]model.Task, len(models))
	for i, m := range models {
		tasks[i] = fromTaskModel(m, depsByTask[m.ID])
	}
	return tasks, nil
}

// ListWaitingDependents returns the waiting tasks that list taskID as a
// dependency. Used for readiness re-evaluation when a task completes.
func (s *Store) ListWaitingDependents(ctx context.Context, taskID string) ([]model.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var ids []string
	err := s.db.WithContext(ctx).Model(&taskDepModel{}).
		Select("task_deps.task_id").
		Joins("JOIN tasks ON tasks.id = task_deps.task_id").
		Where("task_deps.depends_on_id = ? AND tasks.status = ?", taskID, string(model.TaskStatusWaiting)).
		Scan(&ids).Error
	if err != nil {
		return nil, wrapErr("list waiting dependents "+taskID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.listTasks(ctx, "id IN ?", ids)
}

// CountTasksByStatus group-counts the project's tasks for board stats.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[model.TaskStatus]int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&taskModel{}).
		Select("status, COUNT(*) AS n").
		Where("project_id = ?", projectID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr("count tasks "+projectID, err)
	}

	out := make(map[model.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[model.TaskStatus(r.Status)] = r.N
	}
	return out, nil
}

// ListTransitions returns the task's audit trail, oldest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string) ([]model.TransitionRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []transitionModel
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id").Find(&models).Error; err != nil {
		return nil, wrapErr("list transitions "+taskID, err)
	}
	records := make([]model.TransitionRecord, len(models))
	for i, m := range models {
		records[i] = fromTransitionModel(m)
	}
	return records, nil
}
