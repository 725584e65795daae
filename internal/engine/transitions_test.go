package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func resolverStep(transitions ...schema.Transition) *schema.StepDefinition {
	return &schema.StepDefinition{
		Name:        "route",
		Type:        schema.StepTypeDecision,
		Transitions: transitions,
	}
}

func TestResolve_FirstMatchInDeclaredOrder(t *testing.T) {
	r := NewTransitionResolver(nil)
	output := map[string]any{"outcome": "approved", "score": 90}

	// Both conditionals match; the first declared one must win.
	step := resolverStep(
		when("first", "output.score", schema.OpGreater, 50),
		when("second", "output.outcome", schema.OpEqual, "approved"),
	)
	next, ok := r.Resolve(step, map[string]any{}, output)
	require.True(t, ok)
	assert.Equal(t, "first", next)

	// Reordering flips the result, proving order decides, not specificity.
	step = resolverStep(
		when("second", "output.outcome", schema.OpEqual, "approved"),
		when("first", "output.score", schema.OpGreater, 50),
	)
	next, ok = r.Resolve(step, map[string]any{}, output)
	require.True(t, ok)
	assert.Equal(t, "second", next)
}

func TestResolve_AlwaysShortCircuits(t *testing.T) {
	r := NewTransitionResolver(nil)

	step := resolverStep(
		always("fallback"),
		when("never_reached", "output.outcome", schema.OpEqual, "approved"),
	)
	next, ok := r.Resolve(step, map[string]any{}, map[string]any{"outcome": "approved"})
	require.True(t, ok)
	assert.Equal(t, "fallback", next)
}

func TestResolve_SkipsNonMatchingConditionals(t *testing.T) {
	r := NewTransitionResolver(nil)

	step := resolverStep(
		when("high", "output.score", schema.OpGreater, 700),
		when("medium", "output.score", schema.OpGreater, 500),
		always("low"),
	)

	next, ok := r.Resolve(step, map[string]any{}, map[string]any{"score": 640})
	require.True(t, ok)
	assert.Equal(t, "medium", next)

	next, ok = r.Resolve(step, map[string]any{}, map[string]any{"score": 200})
	require.True(t, ok)
	assert.Equal(t, "low", next)
}

func TestResolve_SeesRunContextAndOutput(t *testing.T) {
	r := NewTransitionResolver(nil)
	runCtx := map[string]any{
		"input": map[string]any{"tier": "gold"},
	}

	step := resolverStep(
		when("vip", "input.tier", schema.OpEqual, "gold"),
		always("standard"),
	)
	next, ok := r.Resolve(step, runCtx, map[string]any{"anything": true})
	require.True(t, ok)
	assert.Equal(t, "vip", next)

	// The output binding must not leak back into the run context.
	_, bound := runCtx["output"]
	assert.False(t, bound)
}

func TestResolve_DefaultTransitionFallback(t *testing.T) {
	r := NewTransitionResolver(nil)

	step := resolverStep(when("high", "output.score", schema.OpGreater, 700))
	step.DefaultTransition = "manual_queue"

	next, ok := r.Resolve(step, map[string]any{}, map[string]any{"score": 100})
	require.True(t, ok)
	assert.Equal(t, "manual_queue", next)
}

func TestResolve_NothingMatches(t *testing.T) {
	r := NewTransitionResolver(nil)

	step := resolverStep(when("high", "output.score", schema.OpGreater, 700))
	next, ok := r.Resolve(step, map[string]any{}, map[string]any{"score": 100})
	assert.False(t, ok)
	assert.Empty(t, next)

	// No transitions at all behaves the same way.
	next, ok = r.Resolve(resolverStep(), map[string]any{}, nil)
	assert.False(t, ok)
	assert.Empty(t, next)
}

func TestResolve_MissingFieldIsNonMatch(t *testing.T) {
	r := NewTransitionResolver(nil)

	step := resolverStep(
		when("has_flag", "output.flag", schema.OpEqual, true),
		always("no_flag"),
	)
	next, ok := r.Resolve(step, map[string]any{}, map[string]any{})
	require.True(t, ok)
	assert.Equal(t, "no_flag", next)
}
