// Package transport implements the websocket wire protocol that drives a
// graph from a UI: a greeting on connect, then a waiting/running state
// machine toggled by START and STOP commands, with the running graph
// snapshotted to the client once a second while it executes.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/taskgraph/internal/graph"
	"github.com/hrygo/taskgraph/internal/registry"
)

// tickInterval is how often a running graph's progress is pushed to the
// client, matching the one-second cadence of the loop this protocol
// replaces.
const tickInterval = 1 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type serverState string

const (
	stateWaiting serverState = "waiting"
	stateRunning serverState = "running"
)

type startCommand struct {
	Command string          `json:"command"`
	Graph   json.RawMessage `json:"graph"`
}

type stopCommand struct {
	Command string          `json:"command"`
	Graph   json.RawMessage `json:"graph"`
}

// Server drives one websocket connection's worth of graph execution. A new
// Server is created per connection; it is not safe for concurrent use.
//
// gorilla/websocket allows at most one goroutine reading a connection at a
// time, so a single background reader owns conn.ReadMessage for the whole
// connection lifetime and fans messages out over inbox; awaitStart and
// runGraph both consume from inbox instead of reading the conn directly.
type Server struct {
	registry *registry.Registry
	graph    *graph.TaskGraph
	state    serverState

	inbox chan []byte
	inErr chan error

	metrics        MetricsRecorder
	graphMetrics   graph.MetricsRecorder
	maxConcurrency int64
}

// MetricsRecorder tracks connection lifecycle and message counts.
// Satisfied structurally by *metrics.Exporter; declared here to avoid this
// package importing metrics.
type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordMessage(direction, messageType string)
}

// NewServer seeds a connection with the graph it should run first and the
// registry its tasks resolve callbacks against.
func NewServer(initial *graph.TaskGraph, reg *registry.Registry) *Server {
	return &Server{registry: reg, graph: initial, state: stateWaiting}
}

// SetMaxConcurrency bounds how many tasks each graph this server runs may
// execute at once. Applied to the graph in place whenever it is set or
// replaced.
func (s *Server) SetMaxConcurrency(n int64) {
	s.maxConcurrency = n
	s.graph.SetMaxConcurrency(n)
}

// SetMetricsRecorder attaches an optional metrics sink. A value satisfying
// both MetricsRecorder and graph.MetricsRecorder (as *metrics.Exporter
// does) gets wired into both the connection lifecycle and every graph this
// server runs.
func (s *Server) SetMetricsRecorder(m MetricsRecorder) {
	s.metrics = m
	if gm, ok := m.(graph.MetricsRecorder); ok {
		s.graphMetrics = gm
	}
}

// Handler returns an echo.HandlerFunc that upgrades the request and drives
// the protocol loop until the client disconnects.
func (s *Server) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return errors.Wrap(err, "transport: upgrade failed")
		}
		defer conn.Close()

		if s.metrics != nil {
			s.metrics.ConnectionOpened()
			defer s.metrics.ConnectionClosed()
		}

		s.inbox = make(chan []byte)
		s.inErr = make(chan error, 1)
		go s.readLoop(conn)

		if err := s.greet(conn); err != nil {
			slog.Warn("transport: greeting failed", "error", err)
			return nil
		}

		for {
			if err := s.runOnce(c.Request().Context(), conn); err != nil {
				if isCloseError(err) {
					return nil
				}
				slog.Warn("transport: connection loop error", "error", err)
				return nil
			}
		}
	}
}

// readLoop is the connection's sole reader. It runs until ReadMessage
// fails, which happens once the client disconnects or the conn is closed.
func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.inErr <- err
			return
		}
		s.inbox <- data
	}
}

func (s *Server) greet(conn *websocket.Conn) error {
	payload := map[string]any{
		"backend_state": "connected",
		"graph":         s.graph,
		"initial_graph": s.graph,
	}
	return conn.WriteJSON(payload)
}

// runOnce executes one full waiting-then-running cycle: block for START,
// then race graph execution against client messages until the graph
// finishes or the client sends STOP.
func (s *Server) runOnce(ctx context.Context, conn *websocket.Conn) error {
	if s.state == stateWaiting {
		if err := s.awaitStart(conn); err != nil {
			return err
		}
	}
	return s.runGraph(ctx, conn)
}

func (s *Server) awaitStart(conn *websocket.Conn) error {
	var cmd startCommand
	select {
	case data := <-s.inbox:
		if err := json.Unmarshal(data, &cmd); err != nil {
			return errors.Wrap(err, "transport: decode START message")
		}
	case err := <-s.inErr:
		return err
	}
	if cmd.Command != "START" {
		return errors.Errorf("transport: expected START while waiting, got %q", cmd.Command)
	}
	g, err := graph.FromJSON(cmd.Graph)
	if err != nil {
		return errors.Wrap(err, "transport: decode START graph")
	}
	s.installGraph(g)
	s.state = stateRunning
	return nil
}

func (s *Server) installGraph(g *graph.TaskGraph) {
	if s.maxConcurrency > 0 {
		g.SetMaxConcurrency(s.maxConcurrency)
	}
	s.graph = g
}

// runGraph starts the current graph running, then races its completion
// against a 1-second tick (sending a running snapshot each time) and
// against a client STOP message (cancelling execution immediately).
func (s *Server) runGraph(ctx context.Context, conn *websocket.Conn) error {
	if s.graphMetrics != nil {
		s.graph.SetMetricsRecorder(s.graphMetrics)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.graph.Run(runCtx, s.registry)
		done <- err
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("transport: graph run failed", "error", err)
			}
			if sendErr := s.sendSnapshot(conn, "running"); sendErr != nil {
				return sendErr
			}
			s.state = stateWaiting
			return s.sendSnapshot(conn, "waiting")

		case <-ticker.C:
			if err := s.sendSnapshot(conn, "running"); err != nil {
				return err
			}

		case data := <-s.inbox:
			var cmd stopCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			if cmd.Command != "STOP" {
				continue
			}
			cancel()
			<-done
			if len(cmd.Graph) > 0 && string(cmd.Graph) != "null" {
				g, err := graph.FromJSON(cmd.Graph)
				if err != nil {
					return errors.Wrap(err, "transport: decode STOP graph")
				}
				s.installGraph(g)
			}
			s.state = stateWaiting
			return s.sendSnapshot(conn, "waiting")

		case err := <-s.inErr:
			cancel()
			<-done
			return err
		}
	}
}

func (s *Server) sendSnapshot(conn *websocket.Conn, backendState string) error {
	if s.metrics != nil {
		s.metrics.RecordMessage("out", backendState)
	}
	payload := map[string]any{
		"backend_state": backendState,
		"graph":         s.graph,
	}
	return conn.WriteJSON(payload)
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, context.Canceled)
}
