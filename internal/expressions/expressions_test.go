package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avandra/agora/pkg/schema"
)

func TestCELMatchMessageFilter(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	msg := map[string]any{"type": "status_update", "sender": "builder"}
	content := map[string]any{"state": "error"}

	ok, err := e.Match(ctx, `msg.type == "status_update" && content.state == "error"`, msg, content)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Match(ctx, `msg.sender == "reviewer"`, msg, content)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELMatchRejectsNonBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Match(context.Background(), `msg.sender`, map[string]any{"sender": "x"}, nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeValidation, ae.Code)
}

func TestCELCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `msg.==`, nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeValidation, ae.Code)
}

func TestCELMissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(content) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQSingleAndMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.items | length`, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(ctx, `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQNormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.count + 1`, map[string]any{"count": 41})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeValidation, ae.Code)
}

func TestGoJQBlocksEnvAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestExprEvaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `passed && duration < 30`, map[string]any{
		"passed":   true,
		"duration": 12,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `len(filter(results, # > 2))`, map[string]any{
		"results": []any{1, 2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	// Data keys take precedence over same-named builtins.
	out, err = e.Evaluate(ctx, `max + 1`, map[string]any{"max": 9})
	require.NoError(t, err)
	assert.Equal(t, 10, out)
}

func TestExprCompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	var ae *schema.AgoraError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeValidation, ae.Code)
}

func TestEnginesExposeNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", cel.Name())
	assert.Equal(t, "jq", NewGoJQEngine().Name())
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestEmptyExpressionsRejected(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	engines := []Engine{cel, NewGoJQEngine(), NewExprEngine()}
	for _, e := range engines {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.Error(t, err, e.Name())
	}
}
