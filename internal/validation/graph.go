package validation

import (
	"encoding/json"
	"fmt"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// validateGraph performs flow analysis on the step graph:
// reachability from start_step, end-step presence, and dead ends.
// Cycles are legal (rework loops are a normal workflow shape), so only
// reachability is checked.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepNames := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepNames[s.Name] = true
	}

	// edges[name] = successors reachable from step name.
	edges := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		edges[def.Steps[i].Name] = successors(&def.Steps[i], stepNames)
	}

	// BFS from start_step.
	reachable := make(map[string]bool, len(def.Steps))
	if stepNames[def.StartStep] {
		queue := []string{def.StartStep}
		reachable[def.StartStep] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for _, next := range edges[node] {
				if !reachable[next] {
					reachable[next] = true
					queue = append(queue, next)
				}
			}
		}
	}

	hasReachableEnd := false
	for _, s := range def.Steps {
		if !reachable[s.Name] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from start_step", s.Name))
			continue
		}
		if s.Type == schema.StepTypeEnd {
			hasReachableEnd = true
		}
		// A reachable non-end step with no way out strands the run.
		if s.Type != schema.StepTypeEnd && len(edges[s.Name]) == 0 {
			result.AddError(fmt.Sprintf("steps[%s]", s.Name),
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q has no outgoing transitions and is not an end step", s.Name))
		}
	}

	if !hasReachableEnd {
		result.AddError("steps", schema.ErrCodeValidation,
			"no end step is reachable from start_step")
	}

	return result
}

// successors collects every step a given step can hand control to:
// declared transitions, the default transition, the on_failure target,
// and for parallel steps the branch entry points and the join step.
func successors(step *schema.StepDefinition, stepNames map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && stepNames[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, tr := range step.Transitions {
		add(tr.To)
	}
	add(step.DefaultTransition)
	if step.OnFailure != nil && step.OnFailure.Action == schema.FailureTransitionToStep {
		add(step.OnFailure.NextStep)
	}

	if step.Type == schema.StepTypeParallel && len(step.Config) > 0 {
		var cfg schema.ParallelConfig
		if err := json.Unmarshal(step.Config, &cfg); err == nil {
			for _, br := range cfg.Branches {
				add(br.StartStep)
			}
			add(cfg.JoinOn)
		}
	}

	return out
}
