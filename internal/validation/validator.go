package validation

import "github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"

// Validator checks workflow definitions and data payloads before execution.
// Uses JSON Schema Draft 2020-12 for data validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateData(data map[string]any, rawSchema []byte) error
}
