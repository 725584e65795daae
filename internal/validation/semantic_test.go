package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

type fakeAgents map[string]bool

func (f fakeAgents) Has(id string) bool { return f[id] }

func issuePaths(issues []schema.ValidationIssue) []string {
	paths := make([]string, len(issues))
	for i, is := range issues {
		paths[i] = is.Path
	}
	return paths
}

func TestSemantic_Valid(t *testing.T) {
	result := validateSemantic(validDefinition(), nil, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_DanglingStartStep(t *testing.T) {
	def := validDefinition()
	def.StartStep = "nowhere"
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
	assert.Contains(t, issuePaths(result.Errors), "start_step")
}

func TestSemantic_DanglingTransitionTarget(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Transitions[0].To = "nowhere"
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_ConditionalWithoutGroup(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Transitions[0].ConditionGroup = nil
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_AlwaysWithGroupWarns(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Transitions[0].ConditionGroup = &schema.ConditionGroup{
		LogicalOperator: schema.LogicalAnd,
	}
	result := validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestSemantic_BadOperator(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Transitions[0].ConditionGroup.Conditions[0].Single.Operator = "~="
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_ValueRequiredByOperator(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Transitions[0].ConditionGroup.Conditions[0].Single.Value = nil
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())

	// exists needs no value.
	def.Steps[1].Transitions[0].ConditionGroup.Conditions[0].Single.Operator = schema.OpExists
	result = validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_UnknownAgent(t *testing.T) {
	def := validDefinition()

	result := validateSemantic(def, fakeAgents{"credit_scorer": true}, nil)
	assert.True(t, result.Valid())

	result = validateSemantic(def, fakeAgents{}, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_HumanTaskNeedsAssignee(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config = json.RawMessage(`{}`)
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_EscalationPolicy(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config = json.RawMessage(`{
		"assigned_role": "underwriter",
		"escalation": {"after_minutes": 0, "action": "reassign_to_role"}
	}`)
	result := validateSemantic(def, nil, nil)
	// after_minutes must be positive and reassign needs a target_role.
	assert.Len(t, result.Errors, 2)

	def.Steps[1].Config = json.RawMessage(`{
		"assigned_role": "underwriter",
		"escalation": {"after_minutes": 15, "action": "custom_event", "custom_event_name": "sla_breach"}
	}`)
	result = validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_ParallelConfig(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:      "parallel_checks",
		Version:   "1",
		StartStep: "fanout",
		Steps: []schema.StepDefinition{
			{
				Name: "fanout",
				Type: schema.StepTypeParallel,
				Config: json.RawMessage(`{
					"branches": [
						{"name": "kyc", "start_step": "kyc_check"},
						{"name": "credit", "start_step": "missing_step"}
					],
					"join_on": "merge"
				}`),
			},
			{
				Name: "kyc_check", Type: schema.StepTypeAgentExecution,
				Config:      json.RawMessage(`{"agent_id":"kyc_bot"}`),
				Transitions: []schema.Transition{{To: "merge", ConditionType: schema.ConditionAlways}},
			},
			{
				Name: "merge", Type: schema.StepTypeJoin,
				Transitions: []schema.Transition{{To: "done", ConditionType: schema.ConditionAlways}},
			},
			{Name: "done", Type: schema.StepTypeEnd, Config: json.RawMessage(`{"final_status":"ok"}`)},
		},
	}

	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
	assert.Len(t, result.Errors, 1) // missing_step

	def.Steps[0].Config = json.RawMessage(`{"branches": [], "join_on": "merge"}`)
	result = validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_EndStepRules(t *testing.T) {
	def := validDefinition()
	def.Steps[2].Config = json.RawMessage(`{}`)
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())

	def = validDefinition()
	def.Steps[2].Transitions = []schema.Transition{{To: "rejected", ConditionType: schema.ConditionAlways}}
	result = validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
}

func TestSemantic_OnFailureTransitionTarget(t *testing.T) {
	def := validDefinition()
	def.Steps[0].OnFailure = &schema.OnFailureAction{
		Action:   schema.FailureTransitionToStep,
		NextStep: "nowhere",
	}
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())

	def.Steps[0].OnFailure.NextStep = "rejected"
	result = validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_HighRetryCountWarns(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 50, DelaySeconds: 1}
	result := validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestSemantic_RetryBounds(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 0, DelaySeconds: 5}
	result := validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
	assert.Contains(t, issuePaths(result.Errors), "steps[0].retry.max_attempts")

	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 3, DelaySeconds: -1}
	result = validateSemantic(def, nil, nil)
	assert.False(t, result.Valid())
	assert.Contains(t, issuePaths(result.Errors), "steps[0].retry.delay_seconds")

	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 3, DelaySeconds: 0}
	result = validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
}

func TestSemantic_NamespaceCollisionWarns(t *testing.T) {
	def := validDefinition()
	def.Steps[1].OutputNamespace = "score"
	result := validateSemantic(def, nil, nil)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}
