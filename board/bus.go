// Package board carries real-time updates from the state machine to
// per-project subscribers (the WebSocket layer) and assembles the board
// snapshot served over HTTP.
package board

import (
	"sync"
	"time"

	"github.com/c360studio/foreman/model"
)

// EventType tags a board event.
type EventType string

const (
	EventTaskMoved      EventType = "task_moved"
	EventTaskUpdated    EventType = "task_updated"
	EventWorkerAssigned EventType = "worker_assigned"
	EventRefresh        EventType = "refresh"
)

// Event is one board update.
type Event struct {
	Event     EventType        `json:"event"`
	ProjectID string           `json:"project_id"`
	TaskID    string           `json:"task_id,omitempty"`
	From      model.TaskStatus `json:"from,omitempty"`
	To        model.TaskStatus `json:"to,omitempty"`
	Task      *model.Task      `json:"task,omitempty"`
	WorkerID  string           `json:"worker_id,omitempty"`
	TS        time.Time        `json:"ts"`
}

// subscriberBuffer bounds each subscriber's queue. On overflow the oldest
// event is dropped; subscribers recover by requesting a refresh.
const subscriberBuffer = 256

// Subscription is a subscriber's receive handle. Cancel is idempotent and
// safe to call concurrently with delivery.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus is the process-local pub/sub keyed by project id. Publishing never
// blocks.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for one project's events.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*subscriber]struct{})
	}
	b.subs[projectID][sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[projectID][sub]; !ok {
				return
			}
			delete(b.subs[projectID], sub)
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
			sub.closed = true
			close(sub.ch)
		},
	}
}

// Publish fans the event out to the project's subscribers without
// blocking: when a subscriber's buffer is full its oldest event is dropped
// to make room.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.ProjectID] {
		if sub.closed {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest and retry once.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports the number of active subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
