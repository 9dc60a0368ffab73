package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hrygo/taskgraph/internal/registry"
)

// SubgraphTask runs a nested TaskGraph to completion and returns its output
// task's result. The nested graph's input is produced once, by the input
// formatter, the first time this task runs; every run (including resumed
// ones) re-assigns it onto the subgraph before calling Run, since the
// subgraph's own started flag — not this task's memoization — is what
// prevents a double run.
type SubgraphTask struct {
	base

	subgraph         *TaskGraph
	inputFormatterID registry.FunctionID

	graphInput    any
	hasGraphInput bool
}

func NewSubgraphTask(subgraph *TaskGraph, inputFormatterID registry.FunctionID, deps []TaskID, kwdeps map[string]TaskID) *SubgraphTask {
	return &SubgraphTask{
		base:             newBase(deps, kwdeps),
		subgraph:         subgraph,
		inputFormatterID: inputFormatterID,
	}
}

func (t *SubgraphTask) Kind() TaskKind { return KindSubgraph }

func (t *SubgraphTask) run(ctx context.Context, g *TaskGraph) (any, error) {
	return runTask(ctx, g, t, func(ctx context.Context, gc *GraphContext, args []any, kwargs map[string]any) (any, error) {
		reg := g.activeRegistry()

		if !t.hasGraphInput {
			fn, err := reg.LookupContext(t.inputFormatterID)
			if err != nil {
				return nil, err
			}
			input, err := fn(ctx, gc, args, kwargs)
			if err != nil {
				return nil, err
			}
			t.graphInput = input
			t.hasGraphInput = true
		}

		t.subgraph.SetGraphInput(t.graphInput)
		return t.subgraph.Run(ctx, reg)
	})
}

func (t *SubgraphTask) MarshalJSON() ([]byte, error) {
	m := t.commonJSON(KindSubgraph)
	m["input_formatter_id"] = t.inputFormatterID
	m["subgraph"] = t.subgraph

	if t.hasGraphInput {
		m["graph_input"] = t.graphInput
	} else {
		m["graph_input"] = nil
	}

	return json.Marshal(m)
}

func subgraphTaskFromJSON(raw map[string]json.RawMessage) (*SubgraphTask, error) {
	b, err := decodeCommon(raw)
	if err != nil {
		return nil, err
	}

	var ifID string
	if err := json.Unmarshal(raw["input_formatter_id"], &ifID); err != nil {
		return nil, fmt.Errorf("graph: decoding input_formatter_id: %w", err)
	}

	sub, ok := raw["subgraph"]
	if !ok || isJSONNull(sub) {
		return nil, fmt.Errorf("graph: subgraph task %q missing subgraph", b.id)
	}
	subgraph, err := FromJSON(sub)
	if err != nil {
		return nil, fmt.Errorf("graph: decoding nested subgraph: %w", err)
	}

	t := &SubgraphTask{
		base:             b,
		subgraph:         subgraph,
		inputFormatterID: registry.FunctionID(ifID),
	}

	if v, ok := raw["graph_input"]; ok && !isJSONNull(v) {
		var gi any
		if err := json.Unmarshal(v, &gi); err != nil {
			return nil, fmt.Errorf("graph: decoding graph_input: %w", err)
		}
		t.graphInput = gi
		t.hasGraphInput = true
	}

	return t, nil
}
