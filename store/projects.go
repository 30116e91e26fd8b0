package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/c360studio/foreman/model"
)

// CreateProject persists a bare project (design phase, no plan yet).
func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	m := toProjectModel(p)
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return wrapErr("create project "+p.ID, s.db.WithContext(ctx).Create(&m).Error)
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (model.Project, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var m projectModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return model.Project{}, wrapErr("get project "+id, err)
	}
	return fromProjectModel(m), nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []projectModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, wrapErr("list projects", err)
	}
	projects := make([]model.Project, len(models))
	for i, m := range models {
		projects[i] = fromProjectModel(m)
	}
	return projects, nil
}

// UpdateProjectStatus moves a project between lifecycle states, guarded by
// the expected current status so concurrent start/pause calls cannot
// double-apply.
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, from, to model.ProjectStatus) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&projectModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrapErr("update project status "+id, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&projectModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return wrapErr("update project status "+id, err)
		}
		if count == 0 {
			return fmt.Errorf("update project status %s: %w", id, model.ErrNotFound)
		}
		return fmt.Errorf("update project status %s: %w", id, model.ErrVersionConflict)
	}
	return nil
}

// DeleteProject removes a project with its phases, tasks, edges and audit
// trail as a unit.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taskIDs []string
		if err := tx.Model(&taskModel{}).Where("project_id = ?", id).Pluck("id", &taskIDs).Error; err != nil {
			return err
		}
		if len(taskIDs) > 0 {
			if err := tx.Where("task_id IN ?", taskIDs).Delete(&taskDepModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("task_id IN ?", taskIDs).Delete(&transitionModel{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("project_id = ?", id).Delete(&taskModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&phaseModel{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&projectModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("delete project %s: %w", id, model.ErrNotFound)
	}
	return wrapErr("delete project "+id, err)
}

// ListPhases returns the project's phases in ordinal order.
func (s *Store) ListPhases(ctx context.Context, projectID string) ([]model.Phase, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []phaseModel
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("ordinal").Find(&models).Error; err != nil {
		return nil, wrapErr("list phases "+projectID, err)
	}
	phases := make([]model.Phase, len(models))
	for i, m := range models {
		phases[i] = fromPhaseModel(m)
	}
	return phases, nil
}

// CountProjectsByStatus group-counts projects for the dashboard.
func (s *Store) CountProjectsByStatus(ctx context.Context) (map[model.ProjectStatus]int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&projectModel{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr("count projects", err)
	}
	out := make(map[model.ProjectStatus]int64, len(rows))
	for _, r := range rows {
		out[model.ProjectStatus(r.Status)] = r.N
	}
	return out, nil
}
