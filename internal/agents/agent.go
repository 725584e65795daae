package agents

import (
	"context"
)

// Invocation carries everything an agent needs to execute one step.
type Invocation struct {
	RunID    string
	StepName string
	// Input is the materialized agent input: either the keys named by
	// input_keys or the full run context, plus the step's params.
	Input  map[string]any
	Params map[string]any
}

// Agent executes agent_execution steps. Implementations must be safe for
// concurrent use; the engine invokes the same agent from multiple runs.
type Agent interface {
	ID() string
	Description() string
	Execute(ctx context.Context, inv Invocation) (map[string]any, error)
}

// Info describes a registered agent for listing.
type Info struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}
