package validation

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// AgentLookup resolves agent IDs during validation. Nil skips the check.
type AgentLookup interface {
	Has(agentID string) bool
}

// DefinitionLookup resolves sub-workflow references during validation.
// Nil skips the check.
type DefinitionLookup interface {
	HasDefinition(name, version string) bool
}

// validateSemantic performs reference and config analysis on the definition.
// Checks: start_step and transition targets resolve, condition trees are
// well-formed, per-type configs carry their required fields, retry and
// escalation bounds are sane.
func validateSemantic(def *schema.WorkflowDefinition, agents AgentLookup, defs DefinitionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepNames := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepNames[s.Name] = true
	}

	if !stepNames[def.StartStep] {
		result.AddError("start_step", schema.ErrCodeValidation,
			fmt.Sprintf("start_step references non-existent step %q", def.StartStep))
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepNames, agents, defs, result)
	}

	validateNamespaces(def, result)

	return result
}

// validateStepSemantic checks a single step's references, transitions, and config.
func validateStepSemantic(step *schema.StepDefinition, path string, stepNames map[string]bool, agents AgentLookup, defs DefinitionLookup, result *schema.ValidationResult) {
	for j, tr := range step.Transitions {
		trPath := fmt.Sprintf("%s.transitions[%d]", path, j)
		if !stepNames[tr.To] {
			result.AddError(trPath+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", tr.To))
		}
		switch tr.ConditionType {
		case schema.ConditionConditional:
			if tr.ConditionGroup == nil {
				result.AddError(trPath+".condition_group", schema.ErrCodeValidation,
					"conditional transition requires a condition_group")
			} else {
				validateConditionGroup(tr.ConditionGroup, trPath+".condition_group", result)
			}
		case schema.ConditionAlways:
			if tr.ConditionGroup != nil {
				result.AddWarning(trPath+".condition_group", schema.ErrCodeValidation,
					"condition_group is ignored on an always transition")
			}
		}
	}

	if step.DefaultTransition != "" && !stepNames[step.DefaultTransition] {
		result.AddError(path+".default_transition", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", step.DefaultTransition))
	}

	if step.OnFailure != nil {
		switch step.OnFailure.Action {
		case schema.FailureTransitionToStep:
			if step.OnFailure.NextStep == "" {
				result.AddError(path+".on_failure.next_step", schema.ErrCodeValidation,
					"transition_to_step action requires a next_step")
			} else if !stepNames[step.OnFailure.NextStep] {
				result.AddError(path+".on_failure.next_step", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", step.OnFailure.NextStep))
			}
		}
	}

	if step.Retry != nil {
		if step.Retry.MaxAttempts < 1 {
			result.AddError(path+".retry.max_attempts", schema.ErrCodeValidation,
				"max_attempts must be at least 1")
		} else if step.Retry.MaxAttempts > 10 {
			result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.MaxAttempts))
		}
		if step.Retry.DelaySeconds < 0 {
			result.AddError(path+".retry.delay_seconds", schema.ErrCodeValidation,
				"delay_seconds must not be negative")
		}
		if step.Retry.Backoff != "" &&
			step.Retry.Backoff != schema.BackoffFixed && step.Retry.Backoff != schema.BackoffExponential {
			result.AddError(path+".retry.backoff_strategy", schema.ErrCodeValidation,
				fmt.Sprintf("unknown backoff strategy %q", step.Retry.Backoff))
		}
	}

	validateStepConfig(step, path, stepNames, agents, defs, result)
}

// validateStepConfig decodes and checks the variant config for a step type.
func validateStepConfig(step *schema.StepDefinition, path string, stepNames map[string]bool, agents AgentLookup, defs DefinitionLookup, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeAgentExecution:
		var cfg schema.AgentConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.AgentID == "" {
			result.AddError(path+".config.agent_id", schema.ErrCodeValidation,
				"agent_execution step requires an agent_id")
		} else if agents != nil && !agents.Has(cfg.AgentID) {
			result.AddError(path+".config.agent_id", schema.ErrCodeValidation,
				fmt.Sprintf("agent %q not registered", cfg.AgentID))
		}

	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		var cfg schema.HumanTaskConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.AssignedRole == "" && cfg.AssignedUser == "" {
			result.AddError(path+".config", schema.ErrCodeValidation,
				"human task requires assigned_role or assigned_user")
		}
		if cfg.DeadlineMinutes < 0 {
			result.AddError(path+".config.deadline_minutes", schema.ErrCodeValidation,
				"deadline_minutes must not be negative")
		}
		if cfg.Escalation != nil {
			validateEscalation(cfg.Escalation, path+".config.escalation", result)
		}

	case schema.StepTypeParallel:
		var cfg schema.ParallelConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(path+".config.branches", schema.ErrCodeValidation,
				"parallel step requires at least one branch")
		}
		seen := make(map[string]bool, len(cfg.Branches))
		for bi, br := range cfg.Branches {
			brPath := fmt.Sprintf("%s.config.branches[%d]", path, bi)
			if br.Name == "" {
				result.AddError(brPath+".name", schema.ErrCodeValidation, "branch requires a name")
			} else if seen[br.Name] {
				result.AddError(brPath+".name", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate branch name %q", br.Name))
			}
			seen[br.Name] = true
			if !stepNames[br.StartStep] {
				result.AddError(brPath+".start_step", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", br.StartStep))
			}
		}
		if cfg.JoinOn == "" {
			result.AddError(path+".config.join_on", schema.ErrCodeValidation,
				"parallel step requires a join_on step")
		} else if !stepNames[cfg.JoinOn] {
			result.AddError(path+".config.join_on", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", cfg.JoinOn))
		}

	case schema.StepTypeSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Definition == "" {
			result.AddError(path+".config.definition", schema.ErrCodeValidation,
				"sub_workflow step requires a definition name")
		} else if defs != nil && cfg.Version != "" && !defs.HasDefinition(cfg.Definition, cfg.Version) {
			result.AddError(path+".config.definition", schema.ErrCodeValidation,
				fmt.Sprintf("definition %q version %q not registered", cfg.Definition, cfg.Version))
		}

	case schema.StepTypeExternalAPICall:
		var cfg schema.APICallConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Method == "" {
			result.AddError(path+".config.method", schema.ErrCodeValidation,
				"external_api_call step requires a method")
		}
		if cfg.URL == "" {
			result.AddError(path+".config.url", schema.ErrCodeValidation,
				"external_api_call step requires a url")
		}
		for _, code := range cfg.SuccessCodes {
			if code < 100 || code > 599 {
				result.AddError(path+".config.success_codes", schema.ErrCodeValidation,
					fmt.Sprintf("invalid HTTP status code %d", code))
			}
		}

	case schema.StepTypeEnd:
		var cfg schema.EndConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.FinalStatus == "" {
			result.AddError(path+".config.final_status", schema.ErrCodeValidation,
				"end step requires a final_status")
		}
		if len(step.Transitions) > 0 || step.DefaultTransition != "" {
			result.AddError(path+".transitions", schema.ErrCodeValidation,
				"end step must not declare transitions")
		}
	}
}

// decodeConfig unmarshals the step's config block, recording an error on failure.
// Returns false when the config is missing or malformed.
func decodeConfig(step *schema.StepDefinition, path string, out any, result *schema.ValidationResult) bool {
	if len(step.Config) == 0 {
		if step.Type == schema.StepTypeJoin {
			return false // join takes no config
		}
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("%s step requires a config block", step.Type))
		return false
	}
	if err := json.Unmarshal(step.Config, out); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("malformed config: %v", err))
		return false
	}
	return true
}

// validateConditionGroup recursively checks a condition tree.
func validateConditionGroup(g *schema.ConditionGroup, path string, result *schema.ValidationResult) {
	if g.LogicalOperator != schema.LogicalAnd && g.LogicalOperator != schema.LogicalOr {
		result.AddError(path+".logical_operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown logical operator %q", g.LogicalOperator))
	}
	if len(g.Conditions) == 0 {
		result.AddWarning(path+".conditions", schema.ErrCodeValidation,
			"empty condition group is vacuously true for AND, false for OR")
	}
	for i, node := range g.Conditions {
		nodePath := fmt.Sprintf("%s.conditions[%d]", path, i)
		switch {
		case node.Group != nil:
			validateConditionGroup(node.Group, nodePath, result)
		case node.Single != nil:
			validateSingleCondition(node.Single, nodePath, result)
		default:
			result.AddError(nodePath, schema.ErrCodeValidation,
				"condition node is neither a group nor a single condition")
		}
	}
}

func validateSingleCondition(c *schema.SingleCondition, path string, result *schema.ValidationResult) {
	if c.Field == "" {
		result.AddError(path+".field", schema.ErrCodeValidation, "condition requires a field path")
	}
	if !slices.Contains(schema.Operators, c.Operator) {
		result.AddError(path+".operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown operator %q", c.Operator))
		return
	}
	if c.Operator.TakesValue() && c.Value == nil {
		result.AddError(path+".value", schema.ErrCodeValidation,
			fmt.Sprintf("operator %q requires a value", c.Operator))
	}
	if !c.Operator.TakesValue() && c.Value != nil {
		result.AddWarning(path+".value", schema.ErrCodeValidation,
			fmt.Sprintf("operator %q ignores its value", c.Operator))
	}
}

func validateEscalation(p *schema.EscalationPolicy, path string, result *schema.ValidationResult) {
	if p.AfterMinutes <= 0 {
		result.AddError(path+".after_minutes", schema.ErrCodeValidation,
			"after_minutes must be positive")
	}
	switch p.Action {
	case schema.EscalateReassignToRole, schema.EscalateNotifyManagerRole:
		if p.TargetRole == "" {
			result.AddError(path+".target_role", schema.ErrCodeValidation,
				fmt.Sprintf("%s action requires a target_role", p.Action))
		}
	case schema.EscalateCustomEvent:
		if p.CustomEventName == "" {
			result.AddError(path+".custom_event_name", schema.ErrCodeValidation,
				"custom_event action requires a custom_event_name")
		}
	default:
		result.AddError(path+".action", schema.ErrCodeValidation,
			fmt.Sprintf("unknown escalation action %q", p.Action))
	}
}

// validateNamespaces warns on output namespace collisions. Two steps writing
// the same namespace silently overwrite each other, which matters most when
// they sit on concurrent parallel branches.
func validateNamespaces(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	byNamespace := make(map[string]string, len(def.Steps))
	for _, s := range def.Steps {
		if s.Type == schema.StepTypeEnd || s.Type == schema.StepTypeParallel || s.Type == schema.StepTypeJoin {
			continue
		}
		ns := s.Namespace()
		if prev, ok := byNamespace[ns]; ok {
			result.AddWarning(fmt.Sprintf("steps[%s].output_namespace", s.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("namespace %q is also written by step %q", ns, prev))
			continue
		}
		byNamespace[ns] = s.Name
	}
}
