// Package registry tracks remote workers: single-use token registration,
// heartbeats, derived liveness and assignment routing. Liveness is
// computed on read and never persisted; a worker that misses two
// heartbeat intervals is offline until its next heartbeat.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/foreman/model"
	"github.com/c360studio/foreman/store"
)

// DefaultHeartbeatInterval is the worker heartbeat cadence; the liveness
// cutoff is twice this.
const DefaultHeartbeatInterval = 30 * time.Second

// Registry tracks registered workers.
type Registry struct {
	store             *store.Store
	heartbeatInterval time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// New creates a registry. A zero heartbeatInterval selects the default.
func New(st *store.Store, heartbeatInterval time.Duration, logger *slog.Logger) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Registry{
		store:             st,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "registry"),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// HeartbeatInterval returns the configured heartbeat cadence.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeatInterval }

// Registration is the outcome of a successful worker registration. Secret
// is returned exactly once; only its hash is stored.
type Registration struct {
	WorkerID string `json:"worker_id"`
	Secret   string `json:"worker_secret"`
}

// Register validates and consumes the registration token, creates the
// worker record, and returns its credentials. A consumed token fails with
// ErrTokenAlreadyUsed, a revoked or stale one with ErrTokenExpired.
func (r *Registry) Register(ctx context.Context, token, name, platform, executorType string, capabilities []string) (Registration, error) {
	workerID := uuid.New().String()
	now := r.now()

	if err := r.store.ConsumeToken(ctx, token, workerID, now); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Registration{}, fmt.Errorf("register worker: %w", model.ErrTokenExpired)
		}
		return Registration{}, err
	}

	secret, err := newSecret()
	if err != nil {
		return Registration{}, fmt.Errorf("register worker: %w", err)
	}

	w := model.Worker{
		ID:            workerID,
		Name:          name,
		Platform:      platform,
		ExecutorType:  executorType,
		Capabilities:  capabilities,
		SecretHash:    hashSecret(secret),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := r.store.CreateWorker(ctx, w); err != nil {
		return Registration{}, err
	}

	r.logger.Info("worker registered", "worker_id", workerID, "name", name, "platform", platform)
	return Registration{WorkerID: workerID, Secret: secret}, nil
}

// Verify checks worker credentials. Invalid or unknown credentials return
// ErrUnauthorized.
func (r *Registry) Verify(ctx context.Context, workerID, secret string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrUnauthorized
		}
		return err
	}
	if subtle.ConstantTimeCompare([]byte(w.SecretHash), []byte(hashSecret(secret))) != 1 {
		return model.ErrUnauthorized
	}
	return nil
}

// Directive instructs a worker via its heartbeat response.
type Directive string

const (
	// DirectiveDrain tells the worker to stop its current task: the task
	// was cancelled externally while the worker held it.
	DirectiveDrain Directive = "drain"
)

// HeartbeatResponse reports the worker's view after a heartbeat.
type HeartbeatResponse struct {
	Status        model.WorkerStatus `json:"status"`
	PendingTasks  int64              `json:"pending_tasks"`
	CurrentTaskID string             `json:"current_task_id,omitempty"`
	Directive     Directive          `json:"directive,omitempty"`
}

// Heartbeat authenticates the worker, renews its liveness and reports its
// pending assignments. This is the only path by which an offline worker
// returns to idle.
func (r *Registry) Heartbeat(ctx context.Context, workerID, secret string) (HeartbeatResponse, error) {
	if err := r.Verify(ctx, workerID, secret); err != nil {
		return HeartbeatResponse{}, err
	}

	now := r.now()
	if err := r.store.TouchWorkerHeartbeat(ctx, workerID, now); err != nil {
		return HeartbeatResponse{}, err
	}

	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	w.LastHeartbeat = now

	pending, err := r.store.CountTasksForWorker(ctx, workerID, model.TaskStatusQueued)
	if err != nil {
		return HeartbeatResponse{}, err
	}

	resp := HeartbeatResponse{
		Status:        w.Liveness(now, r.heartbeatInterval),
		PendingTasks:  pending,
		CurrentTaskID: w.CurrentTaskID,
	}

	// The worker believes it holds a task; if that task left in_progress
	// behind its back (external cancel), tell the worker to drain.
	if w.CurrentTaskID != "" {
		task, err := r.store.GetTask(ctx, w.CurrentTaskID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			resp.Directive = DirectiveDrain
		case err != nil:
			return HeartbeatResponse{}, err
		case task.Status != model.TaskStatusInProgress && task.Status != model.TaskStatusReview:
			resp.Directive = DirectiveDrain
		}
	}

	return resp, nil
}

// Workers returns all known workers.
func (r *Registry) Workers(ctx context.Context) ([]model.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// PickIdleWorker selects an idle worker whose capability set covers the
// task's requirements. An empty requirement matches any idle worker.
// Returns ErrNoEligibleWorker when none qualifies.
func (r *Registry) PickIdleWorker(ctx context.Context, required []string) (model.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return model.Worker{}, err
	}

	now := r.now()
	for _, w := range workers {
		if w.Liveness(now, r.heartbeatInterval) != model.WorkerStatusIdle {
			continue
		}
		if w.HasCapabilities(required) {
			return w, nil
		}
	}
	return model.Worker{}, model.ErrNoEligibleWorker
}

// AssignTask marks the worker busy on the task.
func (r *Registry) AssignTask(ctx context.Context, workerID, taskID string) error {
	return r.store.SetWorkerTask(ctx, workerID, taskID)
}

// ReleaseTask clears the worker's current assignment.
func (r *Registry) ReleaseTask(ctx context.Context, workerID string) error {
	return r.store.SetWorkerTask(ctx, workerID, "")
}

// MintToken creates a registration token with an optional display name
// and expiry.
func (r *Registry) MintToken(ctx context.Context, name string, ttl time.Duration) (model.RegistrationToken, error) {
	raw, err := newSecret()
	if err != nil {
		return model.RegistrationToken{}, fmt.Errorf("mint token: %w", err)
	}

	t := model.RegistrationToken{
		Token:     raw,
		Name:      name,
		CreatedAt: r.now(),
	}
	if ttl > 0 {
		exp := t.CreatedAt.Add(ttl)
		t.ExpiresAt = &exp
	}
	if err := r.store.CreateToken(ctx, t); err != nil {
		return model.RegistrationToken{}, err
	}
	return t, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
