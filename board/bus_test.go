package board

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/foreman/model"
)

func TestBusDeliversToProjectSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("p1")
	other := bus.Subscribe("p2")
	defer sub.Cancel()
	defer other.Cancel()

	bus.Publish(Event{Event: EventTaskMoved, ProjectID: "p1", TaskID: "t1"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, EventTaskMoved, ev.Event)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.TS.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event on p1 subscription")
	}

	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event on p2 subscription: %+v", ev)
	default:
	}
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("p1")
	defer sub.Cancel()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(Event{Event: EventTaskUpdated, ProjectID: "p1", TaskID: strconv.Itoa(i)})
	}

	// The buffer holds the newest events; the oldest were dropped.
	var got []string
	for {
		select {
		case ev := <-sub.C:
			got = append(got, ev.TaskID)
			continue
		default:
		}
		break
	}
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, strconv.Itoa(total-subscriberBuffer), got[0])
	assert.Equal(t, strconv.Itoa(total-1), got[len(got)-1])
}

func TestBusCancelIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("p1")

	require.Equal(t, 1, bus.SubscriberCount("p1"))
	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, bus.SubscriberCount("p1"))

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(Event{Event: EventRefresh, ProjectID: "p1"})

	_, open := <-sub.C
	assert.False(t, open)
}

// fakeTaskLister and fakeWorkerLister drive BuildSnapshot without a store.
type fakeTaskLister struct {
	tasks  []model.Task
	counts map[model.TaskStatus]int64
}

func (f fakeTaskLister) ListProjectTasks(context.Context, string) ([]model.Task, error) {
	return f.tasks, nil
}

func (f fakeTaskLister) CountTasksByStatus(context.Context, string) (map[model.TaskStatus]int64, error) {
	return f.counts, nil
}

type fakeWorkerLister struct {
	workers []model.Worker
}

func (f fakeWorkerLister) Workers(context.Context) ([]model.Worker, error) { return f.workers, nil }
func (f fakeWorkerLister) HeartbeatInterval() time.Duration               { return 30 * time.Second }

func TestBuildSnapshot(t *testing.T) {
	now := time.Now().UTC()
	tasks := fakeTaskLister{
		tasks: []model.Task{
			{ID: "t1", ProjectID: "p1", Status: model.TaskStatusDone},
			{ID: "t2", ProjectID: "p1", Status: model.TaskStatusReady},
			{ID: "t3", ProjectID: "p1", Status: model.TaskStatusReady},
		},
		counts: map[model.TaskStatus]int64{
			model.TaskStatusDone:  1,
			model.TaskStatusReady: 2,
		},
	}
	workers := fakeWorkerLister{
		workers: []model.Worker{
			{ID: "w1", LastHeartbeat: now},
			{ID: "w2", LastHeartbeat: now, CurrentTaskID: "t2"},
			{ID: "w3", LastHeartbeat: now.Add(-time.Hour)},
		},
	}

	snap, err := BuildSnapshot(context.Background(), "p1", tasks, workers)
	require.NoError(t, err)

	assert.Equal(t, "p1", snap.ProjectID)
	assert.Len(t, snap.Columns[model.TaskStatusReady], 2)
	assert.Len(t, snap.Columns[model.TaskStatusDone], 1)
	// Every column is present even when empty.
	for _, st := range model.AllTaskStatuses {
		_, ok := snap.Columns[st]
		assert.True(t, ok, string(st))
	}
	assert.Equal(t, int64(2), snap.Stats[model.TaskStatusReady])
	assert.Equal(t, 1, snap.Workers[model.WorkerStatusIdle])
	assert.Equal(t, 1, snap.Workers[model.WorkerStatusBusy])
	assert.Equal(t, 1, snap.Workers[model.WorkerStatusOffline])
}
