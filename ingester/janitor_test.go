package ingester

import (
	"context"
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
	"github.com/c360studio/foreman/store"
)

func TestJanitorClaimsAndReprocessesStaleResults(t *testing.T) {
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

	token, err := reg.MintToken(ctx, "test", time.Hour)
	require.NoError(t, err)
	worker, err := reg.Register(ctx, token.Token, "agent", "linux", "stub", nil)
	require.NoError(t, err)

	project := model.Project{ID: "p1", Name: "demo", Status: model.ProjectStatusActive}
	tasks := []model.Task{{ID: "t1", ProjectID: "p1", Title: "work", Priority: model.PriorityMedium, Status: model.TaskStatusQueued, Version: 2}}
	require.NoError(t, st.CreatePlan(ctx, project, nil, tasks))

	require.NoError(t, streams.EnsureGroup(ctx, queue.StreamResults, queue.GroupIngesters, queue.StartReplayAll))

	// A result consumed by an ingester that died before acking.
	_, err = streams.Publish(ctx, queue.StreamResults, queue.Result{
		TaskID:          "t1",
		WorkerID:        worker.WorkerID,
		WorkerSecret:    worker.Secret,
		Kind:            queue.ResultStarted,
		ExpectedVersion: 2,
	})
	require.NoError(t, err)
	msgs, err := streams.Consume(ctx, queue.StreamResults, queue.GroupIngesters, "dead-consumer", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	in := New(st, streams, reg, bus, nil, "janitor-host", logger)
	jan := NewJanitor(streams, in, "janitor-host", logger)

	// Fresh pending entries are left for their owner.
	jan.sweep(ctx)
	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, got.Status)

	mr.FastForward(2 * staleAfter)

	jan.sweep(ctx)
	got, err = st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)

	pending, err := streams.Pending(ctx, queue.StreamResults, queue.GroupIngesters)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
