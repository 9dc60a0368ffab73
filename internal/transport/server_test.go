package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taskgraph/internal/graph"
	"github.com/hrygo/taskgraph/internal/registry"
)

func newTestServer(t *testing.T, g *graph.TaskGraph, reg *registry.Registry) (*httptest.Server, func()) {
	t.Helper()
	srv := NewServer(g, reg)

	e := echo.New()
	e.GET("/ws", srv.Handler())

	ts := httptest.NewServer(e)
	return ts, func() { ts.Close() }
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestGreetingOnConnect(t *testing.T) {
	reg := registry.New()
	ts, closeFn := newTestServer(t, graph.New(), reg)
	defer closeFn()

	conn := dial(t, ts)
	defer conn.Close()

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, "connected", greeting["backend_state"])
	require.Contains(t, greeting, "graph")
	require.Contains(t, greeting, "initial_graph")
}

func TestStartRunsGraphAndReturnsToWaiting(t *testing.T) {
	reg := registry.New()
	constFn := reg.RegisterNoContext(func(_ []any, _ map[string]any) (any, error) {
		return "done", nil
	})

	g := graph.New()
	_, err := g.AddOutputTask(graph.NewPythonTask(constFn, nil, nil), "")
	require.NoError(t, err)

	ts, closeFn := newTestServer(t, g, reg)
	defer closeFn()

	conn := dial(t, ts)
	defer conn.Close()

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "START",
		"graph":   greeting["graph"],
	}))

	deadline := time.Now().Add(5 * time.Second)
	var sawCompletion bool
	for time.Now().Before(deadline) {
		var msg map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg["backend_state"] != "running" {
			continue
		}
		graphMsg, _ := msg["graph"].(map[string]any)
		tasks, _ := graphMsg["tasks"].([]any)
		if len(tasks) != 1 {
			continue
		}
		taskMap, _ := tasks[0].(map[string]any)
		if v, ok := taskMap["output_data"]; ok && v != nil {
			sawCompletion = true
			break
		}
	}
	require.True(t, sawCompletion, "expected a running snapshot carrying completed output_data")

	var after map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&after))
	require.Equal(t, "waiting", after["backend_state"], "a graph that completes on its own must return the connection to waiting")
}

func TestStopTransitionsBackToWaiting(t *testing.T) {
	reg := registry.New()
	// A task that only finishes when cancelled keeps the graph running
	// until STOP arrives.
	blockUntilCancelled := reg.Register(func(ctx context.Context, _ any, _ []any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := graph.New()
	_, err := g.AddTask(graph.NewPythonTask(blockUntilCancelled, nil, nil), "")
	require.NoError(t, err)

	ts, closeFn := newTestServer(t, g, reg)
	defer closeFn()

	conn := dial(t, ts)
	defer conn.Close()

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "START",
		"graph":   greeting["graph"],
	}))

	var ran map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&ran))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "STOP",
		"graph":   nil,
	}))

	var after map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&after))
	require.Equal(t, "waiting", after["backend_state"])
}
