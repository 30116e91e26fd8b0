package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/c360studio/foreman/model"
)

// CreateWorker persists a newly registered worker.
func (s *Store) CreateWorker(ctx context.Context, w model.Worker) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	m := toWorkerModel(w)
	return wrapErr("create worker "+w.ID, s.db.WithContext(ctx).Create(&m).Error)
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (model.Worker, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var m workerModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return model.Worker{}, wrapErr("get worker "+id, err)
	}
	return fromWorkerModel(m), nil
}

// ListWorkers returns all known workers.
func (s *Store) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []workerModel
	if err := s.db.WithContext(ctx).Order("registered_at").Find(&models).Error; err != nil {
		return nil, wrapErr("list workers", err)
	}
	workers := make([]model.Worker, len(models))
	for i, m := range models {
		workers[i] = fromWorkerModel(m)
	}
	return workers, nil
}

// TouchWorkerHeartbeat updates the worker's last heartbeat timestamp.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&workerModel{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if res.Error != nil {
		return wrapErr("heartbeat worker "+id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("heartbeat worker %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetWorkerTask records (or clears, with empty taskID) the worker's
// current assignment.
func (s *Store) SetWorkerTask(ctx context.Context, workerID, taskID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&workerModel{}).
		Where("id = ?", workerID).
		Update("current_task_id", taskID)
	if res.Error != nil {
		return wrapErr("set worker task "+workerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set worker task %s: %w", workerID, model.ErrNotFound)
	}
	return nil
}

// DeleteWorker removes a worker administratively.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Delete(&workerModel{}, "id = ?", id)
	if res.Error != nil {
		return wrapErr("delete worker "+id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete worker %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// CountTasksForWorker counts the worker's tasks in the given statuses.
// The heartbeat response reports this as the worker's pending assignments.
func (s *Store) CountTasksForWorker(ctx context.Context, workerID string, statuses ...model.TaskStatus) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&taskModel{}).
		Where("worker_id = ? AND status IN ?", workerID, set).
		Count(&n).Error
	if err != nil {
		return 0, wrapErr("count tasks for worker "+workerID, err)
	}
	return n, nil
}

// -- registration tokens -----------------------------------------------------

// CreateToken persists a registration token.
func (s *Store) CreateToken(ctx context.Context, t model.RegistrationToken) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	m := toTokenModel(t)
	return wrapErr("create token", s.db.WithContext(ctx).Create(&m).Error)
}

// ListTokens returns all registration tokens, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]model.RegistrationToken, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var models []tokenModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, wrapErr("list tokens", err)
	}
	tokens := make([]model.RegistrationToken, len(models))
	for i, m := range models {
		tokens[i] = fromTokenModel(m)
	}
	return tokens, nil
}

// RevokeToken marks a token revoked. Revoking an already-consumed token is
// allowed and has no further effect.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&tokenModel{}).
		Where("token = ?", token).
		Update("revoked", true)
	if res.Error != nil {
		return wrapErr("revoke token", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("revoke token: %w", model.ErrNotFound)
	}
	return nil
}

// ConsumeToken atomically marks a token used by the given worker. A token
// is consumable once: a second consumption fails with ErrTokenAlreadyUsed,
// a revoked or past-expiry token with ErrTokenExpired.
func (s *Store) ConsumeToken(ctx context.Context, token, workerID string, now time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m tokenModel
		if err := tx.First(&m, "token = ?", token).Error; err != nil {
			return err
		}
		if m.Revoked || (m.ExpiresAt != nil && now.After(*m.ExpiresAt)) {
			return model.ErrTokenExpired
		}
		if m.UsedAt != nil {
			return model.ErrTokenAlreadyUsed
		}

		// The used_at IS NULL guard makes consumption single-winner even
		// under concurrent registration attempts.
		res := tx.Model(&tokenModel{}).
			Where("token = ? AND used_at IS NULL AND revoked = ?", token, false).
			Updates(map[string]any{"used_at": now, "worker_id": workerID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrTokenAlreadyUsed
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrTokenAlreadyUsed), errors.Is(err, model.ErrTokenExpired):
		return fmt.Errorf("consume token: %w", err)
	default:
		return wrapErr("consume token", err)
	}
}
