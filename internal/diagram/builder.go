package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Build constructs a Model from a workflow definition, with an optional status
// overlay from a run's replayed step traces (nil for a plain topology diagram).
// Steps appear in declaration order behind a virtual start node.
func Build(def *schema.WorkflowDefinition, traces map[string]*store.StepTrace) (*Model, error) {
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: definition %q has no steps", def.Name)
	}

	model := &Model{Title: titleFor(def)}

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)
	model.Edges = append(model.Edges, Edge{From: start.ID, To: def.StartStep})

	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{ID: step.Name, Label: nodeLabel(step), Kind: kindFor(step.Type)}
		if tr, ok := traces[step.Name]; ok {
			node.Status = &StatusOverlay{
				Status:     tr.Status,
				DurationMs: tr.DurationMs,
				RetryCount: tr.RetryCount,
			}
		}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, stepEdges(step)...)
	}

	return model, nil
}

// stepEdges derives the outgoing edges of one step: declared transitions,
// the default fallback, the on-failure route, and parallel branch fan-out.
func stepEdges(step *schema.StepDefinition) []Edge {
	var edges []Edge

	for _, tr := range step.Transitions {
		edges = append(edges, Edge{From: step.Name, To: tr.To, Label: transitionLabel(tr)})
	}
	if step.DefaultTransition != "" {
		edges = append(edges, Edge{From: step.Name, To: step.DefaultTransition, Label: "default"})
	}
	if step.OnFailure != nil && step.OnFailure.Action == schema.FailureTransitionToStep {
		edges = append(edges, Edge{From: step.Name, To: step.OnFailure.NextStep, Label: "on failure"})
	}

	if step.Type == schema.StepTypeParallel {
		var cfg schema.ParallelConfig
		if err := json.Unmarshal(step.Config, &cfg); err == nil {
			for _, br := range cfg.Branches {
				edges = append(edges, Edge{From: step.Name, To: br.StartStep, Label: br.Name})
			}
		}
	}

	return edges
}

// transitionLabel summarizes a transition's guard. Always transitions are
// unlabeled; a single condition is shown inline, larger trees abbreviated.
func transitionLabel(tr schema.Transition) string {
	if tr.ConditionType != schema.ConditionConditional || tr.ConditionGroup == nil {
		return ""
	}
	if len(tr.ConditionGroup.Conditions) == 1 {
		if single := tr.ConditionGroup.Conditions[0].Single; single != nil {
			if single.Operator.TakesValue() {
				return fmt.Sprintf("%s %s %v", single.Field, single.Operator, single.Value)
			}
			return fmt.Sprintf("%s %s", single.Field, single.Operator)
		}
	}
	return fmt.Sprintf("%d conditions", len(tr.ConditionGroup.Conditions))
}

func kindFor(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeAgentExecution:
		return NodeKindAgent
	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		return NodeKindHuman
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeJoin:
		return NodeKindJoin
	case schema.StepTypeSubWorkflow:
		return NodeKindSubRun
	case schema.StepTypeExternalAPICall:
		return NodeKindAPICall
	case schema.StepTypeEnd:
		return NodeKindEnd
	default:
		return NodeKindAgent
	}
}

// nodeLabel annotates a step name with its collaborator where that reads well
// on a diagram: the agent ID, the assigned role, or the child definition.
func nodeLabel(step *schema.StepDefinition) string {
	switch step.Type {
	case schema.StepTypeAgentExecution:
		var cfg schema.AgentConfig
		if json.Unmarshal(step.Config, &cfg) == nil && cfg.AgentID != "" {
			return fmt.Sprintf("%s\n(%s)", step.Name, cfg.AgentID)
		}
	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		var cfg schema.HumanTaskConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			if cfg.AssignedRole != "" {
				return fmt.Sprintf("%s\n(%s)", step.Name, cfg.AssignedRole)
			}
			if cfg.AssignedUser != "" {
				return fmt.Sprintf("%s\n(%s)", step.Name, cfg.AssignedUser)
			}
		}
	case schema.StepTypeSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if json.Unmarshal(step.Config, &cfg) == nil && cfg.Definition != "" {
			return fmt.Sprintf("%s\n(%s)", step.Name, cfg.Definition)
		}
	case schema.StepTypeEnd:
		var cfg schema.EndConfig
		if json.Unmarshal(step.Config, &cfg) == nil && cfg.FinalStatus != "" {
			return fmt.Sprintf("%s\n(%s)", step.Name, cfg.FinalStatus)
		}
	}
	return step.Name
}

func titleFor(def *schema.WorkflowDefinition) string {
	if def.Version != "" {
		return fmt.Sprintf("%s v%s", def.Name, def.Version)
	}
	return def.Name
}

// firstLine truncates multi-line labels for renderers that need one line.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
