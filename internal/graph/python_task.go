package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hrygo/taskgraph/internal/registry"
)

// PythonTask runs a single registered callback against its resolved
// dependency values. The callback is an ordinary Go function.
type PythonTask struct {
	base

	callbackID registry.FunctionID
}

func NewPythonTask(callbackID registry.FunctionID, deps []TaskID, kwdeps map[string]TaskID) *PythonTask {
	return &PythonTask{
		base:       newBase(deps, kwdeps),
		callbackID: callbackID,
	}
}

func (t *PythonTask) Kind() TaskKind { return KindPython }

func (t *PythonTask) run(ctx context.Context, g *TaskGraph) (any, error) {
	return runTask(ctx, g, t, func(ctx context.Context, gc *GraphContext, args []any, kwargs map[string]any) (any, error) {
		reg := g.activeRegistry()
		fn, err := reg.LookupContext(t.callbackID)
		if err != nil {
			return nil, err
		}
		return fn(ctx, gc, args, kwargs)
	})
}

func (t *PythonTask) MarshalJSON() ([]byte, error) {
	m := t.commonJSON(KindPython)
	m["callback_id"] = t.callbackID
	return json.Marshal(m)
}

func pythonTaskFromJSON(raw map[string]json.RawMessage) (*PythonTask, error) {
	b, err := decodeCommon(raw)
	if err != nil {
		return nil, err
	}
	var cb string
	if err := json.Unmarshal(raw["callback_id"], &cb); err != nil {
		return nil, fmt.Errorf("graph: decoding callback_id: %w", err)
	}
	return &PythonTask{base: b, callbackID: registry.FunctionID(cb)}, nil
}
