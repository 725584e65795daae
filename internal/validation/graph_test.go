package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func TestGraph_Valid(t *testing.T) {
	result := validateGraph(validDefinition())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_UnreachableStepWarns(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, schema.StepDefinition{
		Name:        "orphan",
		Type:        schema.StepTypeAgentExecution,
		Config:      json.RawMessage(`{"agent_id":"x"}`),
		Transitions: []schema.Transition{{To: "approved", ConditionType: schema.ConditionAlways}},
	})
	result := validateGraph(def)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
}

func TestGraph_NoReachableEnd(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:      "loop_forever",
		Version:   "1",
		StartStep: "a",
		Steps: []schema.StepDefinition{
			{
				Name: "a", Type: schema.StepTypeAgentExecution,
				Config:      json.RawMessage(`{"agent_id":"x"}`),
				Transitions: []schema.Transition{{To: "b", ConditionType: schema.ConditionAlways}},
			},
			{
				Name: "b", Type: schema.StepTypeAgentExecution,
				Config:      json.RawMessage(`{"agent_id":"x"}`),
				Transitions: []schema.Transition{{To: "a", ConditionType: schema.ConditionAlways}},
			},
		},
	}
	result := validateGraph(def)
	assert.False(t, result.Valid())
}

func TestGraph_DeadEndStep(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Transitions = nil
	result := validateGraph(def)
	assert.False(t, result.Valid())
}

func TestGraph_ReworkCycleIsLegal(t *testing.T) {
	// review can send the run back to score for rework; cycles are fine as
	// long as an end step stays reachable.
	def := validDefinition()
	def.Steps[1].Transitions = append(def.Steps[1].Transitions,
		schema.Transition{To: "score", ConditionType: schema.ConditionAlways})
	result := validateGraph(def)
	assert.True(t, result.Valid())
}

func TestGraph_ParallelBranchesAreReachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:      "parallel_checks",
		Version:   "1",
		StartStep: "fanout",
		Steps: []schema.StepDefinition{
			{
				Name: "fanout",
				Type: schema.StepTypeParallel,
				Config: json.RawMessage(`{
					"branches": [{"name": "kyc", "start_step": "kyc_check"}],
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
	result := validateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
