package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	id := r.Register(func(_ context.Context, _ any, args []any, _ map[string]any) (any, error) {
		return args[0], nil
	})

	fn, err := r.LookupContext(id)
	require.NoError(t, err)

	out, err := fn(context.Background(), nil, []any{42}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestLookupUnknownID(t *testing.T) {
	r := New()
	_, err := r.LookupContext("nope")
	assert.Error(t, err)
}

func TestLookupWrongKind(t *testing.T) {
	r := New()
	id := r.Register(func(context.Context, any, []any, map[string]any) (any, error) { return nil, nil })
	_, err := r.LookupAPIHandler(id)
	assert.Error(t, err)
}

func TestMergeIsRightBiased(t *testing.T) {
	base := New()
	base.RegisterNamed("shared", func(context.Context, any, []any, map[string]any) (any, error) {
		return "base", nil
	})

	override := New()
	override.RegisterNamed("shared", func(context.Context, any, []any, map[string]any) (any, error) {
		return "override", nil
	})

	merged := base.Merge(override)
	fn, err := merged.LookupContext("shared")
	require.NoError(t, err)
	out, _ := fn(context.Background(), nil, nil, nil)
	assert.Equal(t, "override", out)

	// Original registries are untouched.
	fn, _ = base.LookupContext("shared")
	out, _ = fn(context.Background(), nil, nil, nil)
	assert.Equal(t, "base", out)
}

func TestCopyIsIndependent(t *testing.T) {
	r := New()
	r.RegisterNamed("x", func(context.Context, any, []any, map[string]any) (any, error) { return 1, nil })
	c := r.Copy()
	c.RegisterNamed("y", func(context.Context, any, []any, map[string]any) (any, error) { return 2, nil })

	_, err := r.LookupContext("y")
	assert.Error(t, err, "mutating the copy must not affect the original")
}

type fakeGraphCtx struct{ input any }

func (f fakeGraphCtx) GraphInput() any { return f.input }

func TestBaseRegistryBindings(t *testing.T) {
	r := NewBase(func(_ context.Context, prompt any, _ map[string]any) (string, error) {
		return "raw response", nil
	})

	identity, err := r.LookupContext(IdentityID)
	require.NoError(t, err)
	out, err := identity(context.Background(), nil, []any{"hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	parse, err := r.LookupContext(ParseJSONID)
	require.NoError(t, err)
	out, err = parse(context.Background(), nil, []any{`{"a":1}`}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, out)

	forward, err := r.LookupContext(ForwardGraphInputID)
	require.NoError(t, err)
	out, err = forward(context.Background(), fakeGraphCtx{input: "gi"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "gi", out)

	api, err := r.LookupAPIHandler(OpenAIChatID)
	require.NoError(t, err)
	resp, err := api(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "raw response", resp)
}
