package engine

import (
	"log/slog"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/conditions"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// TransitionResolver picks the next step after a step completes, evaluating
// conditional transitions against the run context.
type TransitionResolver struct {
	eval   *conditions.Evaluator
	logger *slog.Logger
}

// NewTransitionResolver creates a resolver with its own condition evaluator.
func NewTransitionResolver(logger *slog.Logger) *TransitionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionResolver{
		eval:   conditions.New(),
		logger: logger,
	}
}

// Resolve walks the step's transitions in declared order and returns the
// target of the first one that matches: always transitions match
// unconditionally; conditional transitions match when their condition group
// evaluates true. Conditions see the run context plus the just-completed
// step's output under the "output" key. Falls back to default_transition.
// The second return is false when nothing matched, which the caller must
// treat as a structural run failure, not as normal completion.
func (r *TransitionResolver) Resolve(step *schema.StepDefinition, runCtx, output map[string]any) (string, bool) {
	condCtx := make(map[string]any, len(runCtx)+1)
	for k, v := range runCtx {
		condCtx[k] = v
	}
	if output != nil {
		condCtx["output"] = output
	}

	for i := range step.Transitions {
		tr := &step.Transitions[i]
		switch tr.ConditionType {
		case schema.ConditionAlways:
			return tr.To, true
		case schema.ConditionConditional:
			out := r.eval.Evaluate(tr.ConditionGroup, condCtx)
			for _, d := range out.Diagnostics {
				r.logger.Debug("condition diagnostic",
					"step", step.Name, "to", tr.To, "field", d.Field, "reason", d.Reason)
			}
			if out.Match {
				return tr.To, true
			}
		}
	}

	if step.DefaultTransition != "" {
		return step.DefaultTransition, true
	}
	return "", false
}
