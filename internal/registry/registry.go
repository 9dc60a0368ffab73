// Package registry maps stable function identifiers to the callables a
// task graph invokes at execution time. Only the identifier crosses the
// JSON serialization boundary; the callable bound to it is a local,
// process-specific concern.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FunctionID is an opaque, serializable handle identifying a callable in a
// FunctionRegistry. Its JSON form is the bare string.
type FunctionID string

// ContextFunc is the general graph-aware callable shape: it receives the
// GraphContext (as an opaque value, to avoid an import cycle with the graph
// package) followed by positional and keyword dependency results.
type ContextFunc func(ctx context.Context, graphCtx any, args []any, kwargs map[string]any) (any, error)

// APIHandlerFunc is the async-call shape used for the LLM API handler: it
// is not given a GraphContext, only a cancellation context, the formatted
// prompt and the call parameters.
type APIHandlerFunc func(ctx context.Context, prompt any, params map[string]any) (string, error)

type entryKind int

const (
	kindContext entryKind = iota
	kindAPIHandler
)

type entry struct {
	kind    entryKind
	ctxFn   ContextFunc
	apiFn   APIHandlerFunc
}

// Registry maps FunctionIDs to callables. The zero value is not usable;
// construct one with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[FunctionID]entry
	seq     int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[FunctionID]entry)}
}

// Register binds fn under a freshly generated FunctionID and returns it.
func (r *Registry) Register(fn ContextFunc) FunctionID {
	id := r.nextID("fn")
	r.mu.Lock()
	r.entries[id] = entry{kind: kindContext, ctxFn: fn}
	r.mu.Unlock()
	return id
}

// RegisterNamed binds fn under an explicit, caller-chosen id, overwriting
// any previous binding. Named registration is what lets a base registry
// and a host's custom bindings agree on well-known ids like "identity".
func (r *Registry) RegisterNamed(id FunctionID, fn ContextFunc) FunctionID {
	r.mu.Lock()
	r.entries[id] = entry{kind: kindContext, ctxFn: fn}
	r.mu.Unlock()
	return id
}

// RegisterNoContext wraps fn to discard the context argument and registers
// the wrapper under a fresh FunctionID.
func (r *Registry) RegisterNoContext(fn func(args []any, kwargs map[string]any) (any, error)) FunctionID {
	wrapped := func(_ context.Context, _ any, args []any, kwargs map[string]any) (any, error) {
		return fn(args, kwargs)
	}
	return r.Register(wrapped)
}

// RegisterAPIHandler registers an async API-handler callable under a fresh
// FunctionID.
func (r *Registry) RegisterAPIHandler(fn APIHandlerFunc) FunctionID {
	id := r.nextID("api")
	r.mu.Lock()
	r.entries[id] = entry{kind: kindAPIHandler, apiFn: fn}
	r.mu.Unlock()
	return id
}

// RegisterAPIHandlerNamed is the named-id counterpart to RegisterAPIHandler.
func (r *Registry) RegisterAPIHandlerNamed(id FunctionID, fn APIHandlerFunc) FunctionID {
	r.mu.Lock()
	r.entries[id] = entry{kind: kindAPIHandler, apiFn: fn}
	r.mu.Unlock()
	return id
}

// LookupContext resolves id to a ContextFunc. It returns an error if id is
// unknown or was registered as an API handler.
func (r *Registry) LookupContext(id FunctionID) (ContextFunc, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown function id %q", id)
	}
	if e.kind != kindContext {
		return nil, fmt.Errorf("registry: function id %q is not a context-taking function", id)
	}
	return e.ctxFn, nil
}

// LookupAPIHandler resolves id to an APIHandlerFunc.
func (r *Registry) LookupAPIHandler(id FunctionID) (APIHandlerFunc, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown function id %q", id)
	}
	if e.kind != kindAPIHandler {
		return nil, fmt.Errorf("registry: function id %q is not an api handler", id)
	}
	return e.apiFn, nil
}

// Copy returns an independent registry with the same bindings.
func (r *Registry) Copy() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := New()
	for id, e := range r.entries {
		out.entries[id] = e
	}
	out.seq = r.seq
	return out
}

// Merge returns a new registry containing r's bindings overwritten by
// other's bindings wherever ids collide (right-biased).
func (r *Registry) Merge(other *Registry) *Registry {
	out := r.Copy()
	if other == nil {
		return out
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	out.mu.Lock()
	defer out.mu.Unlock()
	for id, e := range other.entries {
		out.entries[id] = e
	}
	return out
}

func (r *Registry) nextID(prefix string) FunctionID {
	r.mu.Lock()
	r.seq++
	n := r.seq
	r.mu.Unlock()
	return FunctionID(fmt.Sprintf("%s-%d", prefix, n))
}

// Well-known ids populated by NewBase. Hosts may rely on these
// names when authoring graphs by hand.
const (
	IdentityID          FunctionID = "identity"
	ParseJSONID         FunctionID = "parse_json"
	ForwardGraphInputID FunctionID = "forward_graph_input"
	OpenAIChatID        FunctionID = "openai_chat"
)

// GraphInputProvider is satisfied by a GraphContext. It is declared here,
// rather than imported from the graph package, so that the base registry's
// forward_graph_input binding does not create an import cycle between
// registry and graph.
type GraphInputProvider interface {
	GraphInput() any
}

// NewBase returns a registry pre-populated with identity, parse_json,
// forward_graph_input, and, when apiHandler is non-nil, an openai_chat
// binding backed by it.
// Hosts merge their own bindings on top via Merge; user bindings always win.
func NewBase(apiHandler APIHandlerFunc) *Registry {
	r := New()

	r.RegisterNamed(IdentityID, func(_ context.Context, _ any, args []any, _ map[string]any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	})

	r.RegisterNamed(ParseJSONID, func(_ context.Context, _ any, args []any, _ map[string]any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("registry: parse_json requires one argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("registry: parse_json expects a string argument, got %T", args[0])
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	})

	r.RegisterNamed(ForwardGraphInputID, func(_ context.Context, graphCtx any, _ []any, _ map[string]any) (any, error) {
		provider, ok := graphCtx.(GraphInputProvider)
		if !ok {
			return nil, fmt.Errorf("registry: forward_graph_input requires a GraphInputProvider context")
		}
		return provider.GraphInput(), nil
	})

	if apiHandler != nil {
		r.RegisterAPIHandlerNamed(OpenAIChatID, apiHandler)
	}

	return r
}
