package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)
	return wv
}

func TestPipeline_Valid(t *testing.T) {
	wv := newTestValidator(t)
	result := wv.Validate(validDefinition())
	assert.True(t, result.Valid())
	assert.NoError(t, wv.ValidateDefinition(validDefinition()))
}

func TestPipeline_NilDefinition(t *testing.T) {
	wv := newTestValidator(t)
	result := wv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestPipeline_StructuralErrorsShortCircuit(t *testing.T) {
	wv := newTestValidator(t)

	def := validDefinition()
	def.Steps[0].Type = "bogus"
	// The dangling ref would also fail semantic; only structural errors
	// should be reported.
	def.Steps[0].Transitions[0].To = "nowhere"

	result := wv.Validate(def)
	assert.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "non-existent")
	}
}

func TestPipeline_SemanticErrorsSkipGraph(t *testing.T) {
	wv := newTestValidator(t)

	def := validDefinition()
	def.Steps[1].Transitions = def.Steps[1].Transitions[:1]
	def.Steps[1].Transitions[0].To = "nowhere"

	result := wv.Validate(def)
	assert.False(t, result.Valid())
	// The dead-end graph error for "rejected" being unreachable is not
	// reported while semantic errors stand.
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "unreachable")
	}
}

func TestPipeline_ValidateError(t *testing.T) {
	wv := newTestValidator(t)

	def := validDefinition()
	def.StartStep = "nowhere"
	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}
