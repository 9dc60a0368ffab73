package graph

// GraphContext is the handle a running task uses to read the graph's input
// and to spawn new tasks. It reads graph_input live rather than caching it
// at construction time, because a SubgraphTask may reassign its subgraph's
// input after earlier GraphContext values for that subgraph already exist.
type GraphContext struct {
	graph *TaskGraph
	task  TaskID
}

// GraphInput satisfies registry.GraphInputProvider.
func (c *GraphContext) GraphInput() any {
	return c.graph.GraphInput()
}

func (c *GraphContext) ListTasks() []Task {
	return c.graph.snapshotTasks()
}

// AddTask registers a new task mid-run, with created_by set to the task
// that owns this context, and — if the graph has already started — starts
// it immediately.
func (c *GraphContext) AddTask(t Task) (TaskID, error) {
	return c.graph.AddTask(t, c.task)
}

// AddOutputTask is AddTask plus designating t as the graph's output task.
func (c *GraphContext) AddOutputTask(t Task) (TaskID, error) {
	id, err := c.graph.AddTask(t, c.task)
	if err != nil {
		return "", err
	}
	c.graph.setOutputTask(id)
	return id, nil
}
