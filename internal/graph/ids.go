package graph

import "github.com/google/uuid"

// TaskID identifies a task within a single TaskGraph. It is the only form in
// which one task refers to another, both in memory and in JSON.
type TaskID string

func newTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// TaskKind discriminates the three task variants on the wire.
type TaskKind string

const (
	KindLLM      TaskKind = "LLMTask"
	KindPython   TaskKind = "PythonTask"
	KindSubgraph TaskKind = "TaskGraphTask"
)
