package graph

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task is implemented by the three task variants: LLMTask, PythonTask, and
// SubgraphTask. There is deliberately no way to add a fourth variant from
// outside the package — callers construct one of the three concrete types.
type Task interface {
	ID() TaskID
	Deps() []TaskID
	KwDeps() map[string]TaskID
	CreatedBy() *TaskID
	Dependencies() []TaskID
	OutputData() (any, bool)
	ErrorText() (string, bool)
	Kind() TaskKind

	json.Marshaler

	setCreatedBy(id TaskID)
	setOutputData(v any)
	setError(err error)
	run(ctx context.Context, g *TaskGraph) (any, error)
}

func isJSONNull(raw json.RawMessage) bool {
	return raw == nil || string(raw) == "null"
}

// decodeCommon parses the fields shared by every task variant out of a raw
// JSON object, leaving variant-specific fields in raw for the caller.
func decodeCommon(raw map[string]json.RawMessage) (base, error) {
	var b base

	var idStr string
	if err := json.Unmarshal(raw["task_id"], &idStr); err != nil {
		return b, fmt.Errorf("graph: decoding task_id: %w", err)
	}
	b.id = TaskID(idStr)

	var depsStr []string
	if v, ok := raw["deps"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &depsStr); err != nil {
			return b, fmt.Errorf("graph: decoding deps: %w", err)
		}
	}
	b.deps = make([]TaskID, len(depsStr))
	for i, d := range depsStr {
		b.deps[i] = TaskID(d)
	}

	kwdepsStr := map[string]string{}
	if v, ok := raw["kwdeps"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &kwdepsStr); err != nil {
			return b, fmt.Errorf("graph: decoding kwdeps: %w", err)
		}
	}
	b.kwdeps = make(map[string]TaskID, len(kwdepsStr))
	for k, v := range kwdepsStr {
		b.kwdeps[k] = TaskID(v)
	}

	if v, ok := raw["created_by"]; ok && !isJSONNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return b, fmt.Errorf("graph: decoding created_by: %w", err)
		}
		id := TaskID(s)
		b.createdBy = &id
	}

	if v, ok := raw["output_data"]; ok && !isJSONNull(v) {
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return b, fmt.Errorf("graph: decoding output_data: %w", err)
		}
		b.outputData = out
		b.hasOutput = true
	}

	if v, ok := raw["error"]; ok && !isJSONNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return b, fmt.Errorf("graph: decoding error: %w", err)
		}
		b.errText = &s
	}

	return b, nil
}

// TaskFromJSON dispatches on the "type" discriminator to the matching
// variant decoder.
func TaskFromJSON(data []byte) (Task, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("graph: decoding task: %w", err)
	}
	var kind string
	if err := json.Unmarshal(raw["type"], &kind); err != nil {
		return nil, fmt.Errorf("graph: decoding task type: %w", err)
	}
	switch TaskKind(kind) {
	case KindLLM:
		return llmTaskFromJSON(raw)
	case KindPython:
		return pythonTaskFromJSON(raw)
	case KindSubgraph:
		return subgraphTaskFromJSON(raw)
	default:
		return nil, fmt.Errorf("graph: unknown task type %q", kind)
	}
}

// runTask implements the execution protocol shared by every variant:
// memoization short-circuit, dependency collection (silently returning null
// if any dependency failed or was cancelled), context construction, and
// recording the outcome. Variant-specific work happens in execute.
//
// Dependencies (deps, kwdeps, and created_by alike) are awaited as one set
// up front via t.Dependencies(), so created_by blocks this task exactly
// like a declared dependency; args and kwargs are then read off the
// already-settled futures named by Deps/KwDeps.
func runTask(ctx context.Context, g *TaskGraph, t Task, execute func(ctx context.Context, gc *GraphContext, args []any, kwargs map[string]any) (any, error)) (any, error) {
	if v, ok := t.OutputData(); ok {
		return v, nil
	}

	for _, depID := range t.Dependencies() {
		fut := g.futureFor(depID)
		if fut == nil {
			continue
		}
		if _, err := fut.wait(ctx); err != nil {
			return nil, nil
		}
	}

	deps := t.Deps()
	args := make([]any, 0, len(deps))
	for _, depID := range deps {
		v, _ := g.futureFor(depID).wait(ctx)
		args = append(args, v)
	}

	kwdeps := t.KwDeps()
	kwargs := make(map[string]any, len(kwdeps))
	for name, depID := range kwdeps {
		v, _ := g.futureFor(depID).wait(ctx)
		kwargs[name] = v
	}

	if sem := g.concurrencySem(); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	gc := g.contextFor(t.ID())
	val, err := execute(ctx, gc, args, kwargs)
	if err != nil {
		t.setError(err)
		return nil, err
	}
	t.setOutputData(val)
	return val, nil
}
