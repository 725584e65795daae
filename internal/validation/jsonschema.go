package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchestrator.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "version", "start_step", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "start_step": { "type": "string", "minLength": 1 },
    "input_schema": {},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["agent_execution", "human_review", "data_input", "decision", "parallel", "join", "sub_workflow", "external_api_call", "end"]
        },
        "description": { "type": "string" },
        "output_namespace": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "on_failure": { "$ref": "#/$defs/on_failure" },
        "transitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        },
        "default_transition": { "type": "string" },
        "config": {}
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["to", "condition_type"],
      "properties": {
        "to": { "type": "string", "minLength": 1 },
        "condition_type": {
          "type": "string",
          "enum": ["always", "conditional"]
        },
        "condition_group": { "$ref": "#/$defs/condition_group" }
      },
      "additionalProperties": false
    },
    "condition_group": {
      "type": "object",
      "required": ["logical_operator", "conditions"],
      "properties": {
        "logical_operator": { "type": "string", "enum": ["AND", "OR"] },
        "conditions": {
          "type": "array",
          "items": {
            "anyOf": [
              { "$ref": "#/$defs/condition_group" },
              { "$ref": "#/$defs/single_condition" }
            ]
          }
        }
      },
      "additionalProperties": false
    },
    "single_condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "type": "string",
          "enum": ["==", "!=", ">", "<", ">=", "<=", "contains", "not_contains", "exists", "not_exists", "regex"]
        },
        "value": {}
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts", "delay_seconds"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "delay_seconds": { "type": "integer", "minimum": 0 },
        "backoff_strategy": { "type": "string", "enum": ["fixed", "exponential"] },
        "jitter": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "on_failure": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {
          "type": "string",
          "enum": ["fail_workflow", "transition_to_step", "continue_with_error", "manual_intervention"]
        },
        "next_step": { "type": "string" },
        "error_output_namespace": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements structural validation using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://orchestrator.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://orchestrator.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	// Structural checks that JSON Schema cannot express: duplicate step names.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := seen[step.Name]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}
	}

	return nil
}

// ValidateData validates arbitrary data against a JSON Schema provided as raw
// bytes. Used for run input (definition input_schema) and human task output
// (form_schema). The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateData(data map[string]any, rawSchema []byte) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "data is nil")
	}
	if len(rawSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	// Convert data to a JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("orchestrator://data-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
