package graph

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taskgraph/internal/registry"
)

func TestLinearChain(t *testing.T) {
	reg := registry.New()
	double := reg.RegisterNoContext(func(args []any, _ map[string]any) (any, error) {
		return args[0].(int) * 2, nil
	})

	g := New()
	aID, err := g.AddTask(NewPythonTask(reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		return 1, nil
	}), nil, nil), "")
	require.NoError(t, err)

	bID, err := g.AddTask(NewPythonTask(double, []TaskID{aID}, nil), "")
	require.NoError(t, err)

	cID, err := g.AddOutputTask(NewPythonTask(double, []TaskID{bID}, nil), "")
	require.NoError(t, err)

	out, err := g.Run(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	assert.Equal(t, cID, *g.OutputTask())
}

func TestFanOutFanIn(t *testing.T) {
	reg := registry.New()
	constFn := func(v int) registry.FunctionID {
		return reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
			return v, nil
		})
	}
	sumFn := reg.RegisterNoContext(func(args []any, kwargs map[string]any) (any, error) {
		total := 0
		for _, a := range args {
			total += a.(int)
		}
		for _, v := range kwargs {
			total += v.(int)
		}
		return total, nil
	})

	g := New()
	aID, _ := g.AddTask(NewPythonTask(constFn(1), nil, nil), "")
	bID, _ := g.AddTask(NewPythonTask(constFn(2), nil, nil), "")
	cID, _ := g.AddTask(NewPythonTask(constFn(3), nil, nil), "")

	sumID, err := g.AddOutputTask(NewPythonTask(sumFn, []TaskID{aID, bID}, map[string]TaskID{"c": cID}), "")
	require.NoError(t, err)

	out, err := g.Run(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, 6, out)
	assert.Equal(t, sumID, *g.OutputTask())
}

func TestDynamicSpawn(t *testing.T) {
	reg := registry.New()
	ran := false

	childFn := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		ran = true
		return "child ran", nil
	})

	spawner := reg.Register(func(ctx context.Context, gc any, _ []any, _ map[string]any) (any, error) {
		graphCtx := gc.(*GraphContext)
		_, err := graphCtx.AddTask(NewPythonTask(childFn, nil, nil))
		// A non-null result lets the spawner itself be memoized; a null
		// output_data reads back as "not yet produced" and would re-spawn.
		return "spawned", err
	})

	g := New()
	spawnerID, err := g.AddTask(NewPythonTask(spawner, nil, nil), "")
	require.NoError(t, err)

	_, err = g.Run(context.Background(), reg)
	require.NoError(t, err)
	require.True(t, ran)

	tasks := g.snapshotTasks()
	require.Len(t, tasks, 2)

	var child Task
	for _, tsk := range tasks {
		if tsk.ID() != spawnerID {
			child = tsk
		}
	}
	require.NotNil(t, child)
	require.NotNil(t, child.CreatedBy())
	assert.Equal(t, spawnerID, *child.CreatedBy())

	// Serialize and re-run: the child is memoized and must not re-execute.
	data, err := json.Marshal(g)
	require.NoError(t, err)

	ran = false
	g2, err := FromJSON(data)
	require.NoError(t, err)

	_, err = g2.Run(context.Background(), reg)
	require.NoError(t, err)
	assert.False(t, ran, "memoized child must not re-run")
}

func TestFailureCancelsSiblingsAndBlamesOneTask(t *testing.T) {
	reg := registry.New()
	failing := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		return nil, assert.AnError
	})
	slow := reg.Register(func(ctx context.Context, _ any, _ []any, _ map[string]any) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	g := New()
	_, err := g.AddTask(NewPythonTask(failing, nil, nil), "")
	require.NoError(t, err)
	bID, err := g.AddTask(NewPythonTask(slow, nil, nil), "")
	require.NoError(t, err)

	_, err = g.Run(context.Background(), reg)
	require.Error(t, err)

	tasks := g.snapshotTasks()
	var b Task
	for _, tsk := range tasks {
		if tsk.ID() == bID {
			b = tsk
		}
	}
	require.NotNil(t, b)
	_, bHasOutput := b.OutputData()
	assert.False(t, bHasOutput)
}

func TestDependencyFailureSilentlyReturnsNull(t *testing.T) {
	reg := registry.New()
	failing := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		return nil, assert.AnError
	})
	identity := reg.RegisterNoContext(func(args []any, _ map[string]any) (any, error) {
		if len(args) == 0 {
			return "no-args", nil
		}
		return args[0], nil
	})

	g := New()
	failID, err := g.AddTask(NewPythonTask(failing, nil, nil), "")
	require.NoError(t, err)
	depID, err := g.AddOutputTask(NewPythonTask(identity, []TaskID{failID}, nil), "")
	require.NoError(t, err)

	_, err = g.Run(context.Background(), reg)
	require.Error(t, err)

	tasks := g.snapshotTasks()
	for _, tsk := range tasks {
		if tsk.ID() == depID {
			_, hasOutput := tsk.OutputData()
			assert.False(t, hasOutput, "a task that silently aborted on a failed dependency has not produced output and is not memoized")
		}
	}
}

func TestSubgraphForwardsGraphInput(t *testing.T) {
	reg := registry.New()

	inner := New()
	_, err := inner.AddOutputTask(NewPythonTask(registry.ForwardGraphInputID, nil, nil), "")
	require.NoError(t, err)

	identityInput := reg.RegisterNoContext(func(args []any, _ map[string]any) (any, error) {
		return args[0], nil
	})

	g := New()
	seedID, err := g.AddTask(NewPythonTask(reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		return "hello subgraph", nil
	}), nil, nil), "")
	require.NoError(t, err)

	subID, err := g.AddOutputTask(NewSubgraphTask(inner, identityInput, []TaskID{seedID}, nil), "")
	require.NoError(t, err)

	out, err := g.Run(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, "hello subgraph", out)
	assert.Equal(t, subID, *g.OutputTask())
}

func TestRoundTripPreservesSerializedGraph(t *testing.T) {
	reg := registry.New()
	constFn := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) { return 7, nil })

	g := New()
	id, err := g.AddOutputTask(NewPythonTask(constFn, nil, nil), "")
	require.NoError(t, err)

	_, err = g.Run(context.Background(), reg)
	require.NoError(t, err)

	data1, err := json.Marshal(g)
	require.NoError(t, err)

	g2, err := FromJSON(data1)
	require.NoError(t, err)

	data2, err := json.Marshal(g2)
	require.NoError(t, err)

	assert.JSONEq(t, string(data1), string(data2))

	out, hasOutput := func() (any, bool) {
		for _, tsk := range g2.snapshotTasks() {
			if tsk.ID() == id {
				return tsk.OutputData()
			}
		}
		return nil, false
	}()
	require.True(t, hasOutput)
	assert.Equal(t, float64(7), out)
}

func TestMaxConcurrencyBoundsParallelExecutes(t *testing.T) {
	reg := registry.New()
	var active int32
	var maxSeen int32

	work := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})

	g := New()
	g.SetMaxConcurrency(2)
	for i := 0; i < 6; i++ {
		_, err := g.AddTask(NewPythonTask(work, nil, nil), "")
		require.NoError(t, err)
	}

	_, err := g.Run(context.Background(), reg)
	require.NoError(t, err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestUnknownDependencyRejected(t *testing.T) {
	g := New()
	_, err := g.AddTask(NewPythonTask("nope", []TaskID{"missing"}, nil), "")
	assert.Error(t, err)
}
