// Package depgraph builds the per-project task dependency graph used to
// validate plan batches and to re-evaluate readiness when a task completes.
// All methods are safe for concurrent use.
package depgraph

import (
	"fmt"
	"sync"

	"github.com/c360studio/foreman/model"
)

// Graph indexes tasks by id with their unmet-dependency counts and a
// reverse index of dependents. The graph is advisory: it is derived from
// persisted data and revalidated against the store at the point of action.
type Graph struct {
	mu         sync.Mutex
	tasks      map[string]*model.Task
	inDegree   map[string]int      // number of dependencies not yet done
	dependents map[string][]string // reverse index: task -> tasks that depend on it
}

// New creates a dependency graph from a list of tasks. It fails when a
// dependency references a task outside the list or when the graph has a
// cycle, so a plan batch can be rejected as a unit before anything is
// persisted.
func New(tasks []model.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*model.Task, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for i := range tasks {
		t := &tasks[i]
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			dep, exists := g.tasks[depID]
			if !exists {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, depID)
			}
			if dep.ProjectID != t.ProjectID {
				return nil, fmt.Errorf("task %s depends on task %s in a different project", t.ID, depID)
			}
			if dep.Status != model.TaskStatusDone {
				g.inDegree[t.ID]++
			}
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles runs Kahn's algorithm over the full edge set. Unlike
// inDegree it ignores completion state: a cycle is structural.
func (g *Graph) detectCycles() error {
	degree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		degree[id] = 0
	}
	for _, t := range g.tasks {
		degree[t.ID] = len(t.DependsOn)
	}

	var queue []string
	for id, deg := range degree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range g.dependents[id] {
			degree[depID]--
			if degree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(g.tasks) {
		return fmt.Errorf("%w: %d tasks could not be ordered", model.ErrCyclicDependency, len(g.tasks)-processed)
	}
	return nil
}

// Ready returns the ids of tasks with no unmet dependencies, excluding
// tasks already past waiting.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for id, deg := range g.inDegree {
		if deg == 0 && g.tasks[id].Status == model.TaskStatusWaiting {
			ready = append(ready, id)
		}
	}
	return ready
}

// Dependents returns the ids of tasks that list taskID as a dependency.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.dependents[taskID]))
	copy(out, g.dependents[taskID])
	return out
}

// MarkDone records completion of taskID and returns the ids of tasks
// whose dependency sets just became fully satisfied.
func (g *Graph) MarkDone(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok || t.Status == model.TaskStatusDone {
		return nil
	}
	t.Status = model.TaskStatusDone

	var unblocked []string
	for _, depID := range g.dependents[taskID] {
		g.inDegree[depID]--
		if g.inDegree[depID] == 0 {
			unblocked = append(unblocked, depID)
		}
	}
	return unblocked
}

// Validate is a convenience wrapper for plan batches: it builds the graph
// purely for its error checking.
func Validate(tasks []model.Task) error {
	_, err := New(tasks)
	return err
}
