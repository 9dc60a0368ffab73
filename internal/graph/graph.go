// Package graph implements a dynamic, serializable dataflow graph: tasks
// declare positional and keyword dependencies on each other's results, may
// spawn new tasks while the graph is running, and the whole graph's
// progress round-trips to JSON at any point.
//
// Each task runs as its own goroutine, guarded by a mutex over the task
// slice and a completion handle (future) per task that dependents block on.
// Nothing in the dependency-ordering or single-assignment contract requires
// single-threaded execution.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/taskgraph/internal/registry"
)

// TaskGraph holds an ordered list of tasks, an optional graph-wide input
// value, and an optional designated output task. It is not safe to call Run
// twice concurrently, and a graph that is already running rejects a second
// Run.
type TaskGraph struct {
	mu         sync.Mutex
	tasks      []Task
	graphInput any
	outputTask *TaskID

	// transient, valid only while started is true
	started   bool
	registry  *registry.Registry
	futures   map[TaskID]*future
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	metrics MetricsRecorder
	sem     *semaphore.Weighted
}

// MetricsRecorder receives one observation per task execution. Satisfied
// structurally by *metrics.Exporter; declared here to avoid this package
// importing metrics.
type MetricsRecorder interface {
	RecordTaskRun(kind string, dur time.Duration, err error)
}

// New returns an empty graph.
func New() *TaskGraph {
	return &TaskGraph{}
}

// SetMetricsRecorder attaches a recorder that observes every task run's
// kind, duration, and outcome. Optional; a nil graph.metrics is a no-op.
func (g *TaskGraph) SetMetricsRecorder(m MetricsRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// SetMaxConcurrency bounds how many tasks may run at once, via a weighted
// semaphore, to keep a wide fan-out from overwhelming downstream APIs. Zero
// or negative disables the bound.
func (g *TaskGraph) SetMaxConcurrency(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 {
		g.sem = nil
		return
	}
	g.sem = semaphore.NewWeighted(n)
}

func (g *TaskGraph) GraphInput() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.graphInput
}

// SetGraphInput assigns the graph's input value. Callers typically do this
// before the first Run, or from a SubgraphTask immediately before running
// its nested graph.
func (g *TaskGraph) SetGraphInput(v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.graphInput = v
}

func (g *TaskGraph) OutputTask() *TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outputTask == nil {
		return nil
	}
	id := *g.outputTask
	return &id
}

func (g *TaskGraph) setOutputTask(id TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputTask = &id
}

func (g *TaskGraph) snapshotTasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Task(nil), g.tasks...)
}

func (g *TaskGraph) contextFor(id TaskID) *GraphContext {
	return &GraphContext{graph: g, task: id}
}

func (g *TaskGraph) activeRegistry() *registry.Registry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry
}

func (g *TaskGraph) futureFor(id TaskID) *future {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.futures[id]
}

func (g *TaskGraph) knownIDs() map[TaskID]bool {
	known := make(map[TaskID]bool, len(g.tasks))
	for _, t := range g.tasks {
		known[t.ID()] = true
	}
	return known
}

// AddTask registers a new task, appended after every currently known task.
// If createdBy is non-empty, it is recorded on the new task as an implicit
// dependency. If the graph is already running, the task is started
// immediately; otherwise it waits for the next Run.
func (g *TaskGraph) AddTask(t Task, createdBy TaskID) (TaskID, error) {
	g.mu.Lock()

	known := g.knownIDs()
	for _, d := range t.Deps() {
		if !known[d] {
			g.mu.Unlock()
			return "", fmt.Errorf("graph: dependency %s not found in task graph", d)
		}
	}
	for _, d := range t.KwDeps() {
		if !known[d] {
			g.mu.Unlock()
			return "", fmt.Errorf("graph: dependency %s not found in task graph", d)
		}
	}

	if createdBy != "" {
		t.setCreatedBy(createdBy)
	}
	g.tasks = append(g.tasks, t)

	started := g.started
	runCtx := g.runCtx
	g.mu.Unlock()

	if started {
		g.spawn(runCtx, t)
	}

	return t.ID(), nil
}

// AddOutputTask is AddTask plus designating t as the graph's output task.
func (g *TaskGraph) AddOutputTask(t Task, createdBy TaskID) (TaskID, error) {
	id, err := g.AddTask(t, createdBy)
	if err != nil {
		return "", err
	}
	g.setOutputTask(id)
	return id, nil
}

func (g *TaskGraph) concurrencySem() *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sem
}

func (g *TaskGraph) spawn(ctx context.Context, t Task) {
	fut := newFuture()
	g.mu.Lock()
	g.futures[t.ID()] = fut
	rec := g.metrics
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		start := time.Now()
		val, err := t.run(ctx, g)
		if rec != nil {
			rec.RecordTaskRun(string(t.Kind()), time.Since(start), err)
		}
		fut.settle(val, err)
	}()
}

// Run merges reg into a copy of the base registry and runs every task to
// completion. It returns the designated output task's result, or an error
// wrapping the first task failure observed. A graph may be run more than
// once (e.g. after being extended with AddTask between runs that never
// start), but not concurrently with itself.
func (g *TaskGraph) Run(ctx context.Context, reg *registry.Registry) (any, error) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil, fmt.Errorf("graph: already running")
	}
	g.started = true
	g.registry = registry.NewBase(nil).Merge(reg)
	g.futures = make(map[TaskID]*future)
	runCtx, cancel := context.WithCancel(ctx)
	g.runCtx = runCtx
	g.runCancel = cancel
	tasksSnapshot := append([]Task(nil), g.tasks...)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.started = false
		g.registry = nil
		g.runCtx = nil
		g.runCancel = nil
		g.mu.Unlock()
		cancel()
	}()

	for _, t := range tasksSnapshot {
		g.spawn(runCtx, t)
	}

	if err := g.pollUntilDoneOrFailed(runCtx); err != nil {
		cancel()
		g.wg.Wait()
		return nil, errors.Wrap(err, "subtask failed")
	}

	outTask := g.OutputTask()
	if outTask == nil {
		return nil, nil
	}
	fut := g.futureFor(*outTask)
	if fut == nil {
		return nil, fmt.Errorf("graph: output task %s never ran", *outTask)
	}
	return fut.wait(ctx)
}

// pollUntilDoneOrFailed waits for every task in the graph to settle, or
// returns the first non-cancellation error seen. Since AddTask may grow the
// task set while this runs, it polls a fresh snapshot at a short fixed
// interval rather than waiting on a fixed set of futures.
func (g *TaskGraph) pollUntilDoneOrFailed(ctx context.Context) error {
	const pollInterval = 10 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tasks := g.snapshotTasks()
		allDone := true
		for _, t := range tasks {
			fut := g.futureFor(t.ID())
			if fut == nil || !fut.isDone() {
				allDone = false
				continue
			}
			if err := fut.errIfDone(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
		if allDone {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// MarshalJSON serializes the graph's current state: tasks in declaration
// order, the graph-wide input, and the output task id (if any).
func (g *TaskGraph) MarshalJSON() ([]byte, error) {
	g.mu.Lock()
	tasks := append([]Task(nil), g.tasks...)
	input := g.graphInput
	var outID any
	if g.outputTask != nil {
		outID = string(*g.outputTask)
	}
	g.mu.Unlock()

	return json.Marshal(map[string]any{
		"tasks":       tasks,
		"graph_input": input,
		"output_task": outID,
	})
}

// FromJSON rehydrates a graph from its serialized form, validating that
// every dep, kwdep, created_by, and output_task id refers to a task present
// in the same payload.
func FromJSON(data []byte) (*TaskGraph, error) {
	var raw struct {
		Tasks      []json.RawMessage `json:"tasks"`
		GraphInput any               `json:"graph_input"`
		OutputTask *string           `json:"output_task"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("graph: decoding graph: %w", err)
	}

	g := New()
	for _, tRaw := range raw.Tasks {
		t, err := TaskFromJSON(tRaw)
		if err != nil {
			return nil, err
		}
		g.tasks = append(g.tasks, t)
	}

	known := g.knownIDs()
	for _, t := range g.tasks {
		for _, d := range t.Deps() {
			if !known[d] {
				return nil, fmt.Errorf("graph: task %s depends on unknown task %s", t.ID(), d)
			}
		}
		for _, d := range t.KwDeps() {
			if !known[d] {
				return nil, fmt.Errorf("graph: task %s depends on unknown task %s", t.ID(), d)
			}
		}
		if cb := t.CreatedBy(); cb != nil && !known[*cb] {
			return nil, fmt.Errorf("graph: task %s created_by unknown task %s", t.ID(), *cb)
		}
	}

	g.graphInput = raw.GraphInput
	if raw.OutputTask != nil {
		id := TaskID(*raw.OutputTask)
		if !known[id] {
			return nil, fmt.Errorf("graph: output_task %s not found", id)
		}
		g.outputTask = &id
	}

	return g, nil
}
