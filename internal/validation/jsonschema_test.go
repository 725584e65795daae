package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:      "loan_approval",
		Version:   "1.0.0",
		StartStep: "score",
		Steps: []schema.StepDefinition{
			{
				Name:   "score",
				Type:   schema.StepTypeAgentExecution,
				Config: json.RawMessage(`{"agent_id":"credit_scorer"}`),
				Transitions: []schema.Transition{
					{To: "review", ConditionType: schema.ConditionAlways},
				},
			},
			{
				Name:   "review",
				Type:   schema.StepTypeHumanReview,
				Config: json.RawMessage(`{"assigned_role":"underwriter"}`),
				Transitions: []schema.Transition{
					{
						To:            "approved",
						ConditionType: schema.ConditionConditional,
						ConditionGroup: &schema.ConditionGroup{
							LogicalOperator: schema.LogicalAnd,
							Conditions: []schema.ConditionNode{
								{Single: &schema.SingleCondition{
									Field: "review.outcome", Operator: schema.OpEqual, Value: "approved",
								}},
							},
						},
					},
					{To: "rejected", ConditionType: schema.ConditionAlways},
				},
			},
			{Name: "approved", Type: schema.StepTypeEnd, Config: json.RawMessage(`{"final_status":"approved"}`)},
			{Name: "rejected", Type: schema.StepTypeEnd, Config: json.RawMessage(`{"final_status":"rejected"}`)},
		},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.Error(t, v.ValidateDefinition(nil))
}

func TestValidateDefinition_MissingRequired(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.StartStep = ""
	assert.Error(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_BadStepType(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.Steps[0].Type = "teleport"
	err = v.ValidateDefinition(def)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestValidateDefinition_DuplicateStepNames(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.Steps = append(def.Steps, def.Steps[0])
	err = v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestValidateData(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	rawSchema := []byte(`{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "number", "minimum": 0}}
	}`)

	assert.NoError(t, v.ValidateData(map[string]any{"amount": 5000}, rawSchema))
	assert.Error(t, v.ValidateData(map[string]any{"amount": -1}, rawSchema))
	assert.Error(t, v.ValidateData(map[string]any{}, rawSchema))

	// No schema means no validation.
	assert.NoError(t, v.ValidateData(map[string]any{"anything": true}, nil))
}

func TestValidateData_CachesCompiledSchemas(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	rawSchema := []byte(`{"type":"object"}`)
	require.NoError(t, v.ValidateData(map[string]any{}, rawSchema))
	require.NoError(t, v.ValidateData(map[string]any{}, rawSchema))
	assert.Len(t, v.cache, 1)
}
