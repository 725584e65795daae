package interp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runContext() map[string]any {
	return map[string]any{
		"loan": map[string]any{
			"amount":   25000.0,
			"currency": "NGN",
		},
		"applicant": map[string]any{
			"name": "Ada Okafor",
		},
		"score": map[string]any{
			"credit_score": 712.0,
			"flags":        []any{"thin_file"},
		},
	}
}

func TestResolveValue_Path(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	val, err := r.ResolveValue(ctx, "loan.amount", runContext())
	require.NoError(t, err)
	assert.Equal(t, 25000.0, val)

	_, err = r.ResolveValue(ctx, "loan.missing", runContext())
	assert.Error(t, err)
}

func TestResolveValue_JQ(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	val, err := r.ResolveValue(ctx, "jq: .loan.amount / 1000", runContext())
	require.NoError(t, err)
	assert.Equal(t, 25.0, val)

	val, err = r.ResolveValue(ctx, `jq: {name: .applicant.name, amt: .loan.amount}`, runContext())
	require.NoError(t, err)
	m, ok := val.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada Okafor", m["name"])
}

func TestResolveValue_JQParseError(t *testing.T) {
	r := NewRenderer()
	_, err := r.ResolveValue(context.Background(), "jq: .[unclosed", runContext())
	assert.Error(t, err)
}

func TestRenderString(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	out, err := r.RenderString(ctx,
		"Loan of ${{ loan.amount }} ${{ loan.currency }} for ${{ applicant.name }}", runContext())
	require.NoError(t, err)
	assert.Equal(t, "Loan of 25000 NGN for Ada Okafor", out)
}

func TestRenderString_NoTemplates(t *testing.T) {
	r := NewRenderer()
	out, err := r.RenderString(context.Background(), "plain text", runContext())
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRenderString_Unclosed(t *testing.T) {
	r := NewRenderer()
	_, err := r.RenderString(context.Background(), "broken ${{ loan.amount", runContext())
	assert.Error(t, err)
}

func TestRenderString_NestedRejected(t *testing.T) {
	r := NewRenderer()
	_, err := r.RenderString(context.Background(), "${{ ${{ loan.amount }} }}", runContext())
	assert.Error(t, err)
}

func TestRender_JSONBody(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	body := json.RawMessage(`{"amount": ${{ loan.amount }}, "applicant": "${{ applicant.name }}", "flags": ${{ jq: .score.flags }}}`)
	out, err := r.Render(ctx, body, runContext())
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount": 25000, "applicant": "Ada Okafor", "flags": ["thin_file"]}`, string(out))
}

func TestRenderMap(t *testing.T) {
	r := NewRenderer()
	ctx := context.Background()

	out, err := r.RenderMap(ctx, map[string]string{
		"X-Request-For": "${{ applicant.name }}",
		"X-Static":      "fixed",
	}, runContext())
	require.NoError(t, err)
	assert.Equal(t, "Ada Okafor", out["X-Request-For"])
	assert.Equal(t, "fixed", out["X-Static"])
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate(json.RawMessage(`{"a": "${{ x }}"}`)))
	assert.False(t, HasTemplate(json.RawMessage(`{"a": "plain"}`)))
}

func TestJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewJQEngine()
	val, err := e.Evaluate(context.Background(), ".score.flags[]", map[string]any{
		"score": map[string]any{"flags": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, val)
}

func TestJQEngine_IntegerInputsWidened(t *testing.T) {
	e := NewJQEngine()
	val, err := e.Evaluate(context.Background(), ".n * 2", map[string]any{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42.0, val)
}
