package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/agora/pkg/schema"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&noopAction{}))

	a, err := reg.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", a.Name())
	assert.True(t, reg.Has("noop"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&noopAction{}))

	err := reg.Register(&noopAction{})
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeConflict, ae.Code)
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeNotFound, ae.Code)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))

	for _, name := range []string{"noop", "sleep", "fail", "jq", "expr.eval", "http.request"} {
		assert.True(t, reg.Has(name), name)
	}

	infos := reg.List()
	require.Len(t, infos, 6)
	assert.Equal(t, "expr.eval", infos[0].Name)
}

func TestNoopEchoesParams(t *testing.T) {
	a := &noopAction{}
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"k": "v"}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &decoded))
	assert.Equal(t, map[string]any{"k": "v"}, decoded["params"])
}

func TestFailActionFails(t *testing.T) {
	a := &failAction{}
	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"message": "boom"}})
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeExecution, ae.Code)
	assert.Equal(t, "boom", ae.Message)
}

func TestSleepValidatesDuration(t *testing.T) {
	a := &sleepAction{}
	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"duration": "soon"}))
	assert.NoError(t, a.Validate(map[string]any{"duration": "10ms"}))
	assert.NoError(t, a.Validate(map[string]any{"duration": 1.5}))
}

func TestSleepHonorsCancellation(t *testing.T) {
	a := &sleepAction{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, ActionInput{Params: map[string]any{"duration": "10s"}})
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeCancelled, ae.Code)
}

func TestJQActionTransforms(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))
	a, err := reg.Get("jq")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{
			"expression": ".data.items | length",
			"data":       map[string]any{"items": []any{1, 2, 3}},
		},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &decoded))
	assert.Equal(t, float64(3), decoded["result"])
}

func TestExprEvalActionUsesScope(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))
	a, err := reg.Get("expr.eval")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"expression": `steps.compile.ok && params.env == "prod"`},
		Scope: map[string]any{
			"steps":  map[string]any{"compile": map[string]any{"ok": true}},
			"params": map[string]any{"env": "prod"},
		},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &decoded))
	assert.Equal(t, true, decoded["result"])
}
