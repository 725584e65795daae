package schema

import "encoding/json"

// WorkflowDefinition is the declarative, immutable description of a workflow
// graph. A definition is identified by (Name, Version); a run is bound to one
// definition version for its whole lifetime.
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Version     string           `json:"version" yaml:"version"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	StartStep   string           `json:"start_step" yaml:"start_step"`
	InputSchema json.RawMessage  `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step returns the step with the given name, or nil.
func (d *WorkflowDefinition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepDefinition describes a single node in the workflow graph. Type selects
// the variant; Config carries the variant-specific fields.
type StepDefinition struct {
	Name            string           `json:"name" yaml:"name"`
	Type            StepType         `json:"type" yaml:"type"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	OutputNamespace string           `json:"output_namespace,omitempty" yaml:"output_namespace,omitempty"`
	Retry           *RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnFailure       *OnFailureAction `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Transitions     []Transition     `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	// DefaultTransition is taken when no declared transition matches,
	// instead of failing the run with NO_TRANSITION.
	DefaultTransition string          `json:"default_transition,omitempty" yaml:"default_transition,omitempty"`
	Config            json.RawMessage `json:"config,omitempty" yaml:"config,omitempty"`
}

// Namespace returns the key under which this step's output is nested in the
// run context. Defaults to the step name.
func (s *StepDefinition) Namespace() string {
	if s.OutputNamespace != "" {
		return s.OutputNamespace
	}
	return s.Name
}

// StepType enumerates the step variants.
type StepType string

const (
	StepTypeAgentExecution  StepType = "agent_execution"
	StepTypeHumanReview     StepType = "human_review"
	StepTypeDataInput       StepType = "data_input"
	StepTypeDecision        StepType = "decision"
	StepTypeParallel        StepType = "parallel"
	StepTypeJoin            StepType = "join"
	StepTypeSubWorkflow     StepType = "sub_workflow"
	StepTypeExternalAPICall StepType = "external_api_call"
	StepTypeEnd             StepType = "end"
)

// IsHumanTask reports whether the step type suspends the run on a task that a
// person must complete.
func (t StepType) IsHumanTask() bool {
	return t == StepTypeHumanReview || t == StepTypeDataInput || t == StepTypeDecision
}

// Transition is a directed, optionally conditional edge between steps.
// Transitions are evaluated in declared order; the first satisfied one wins.
type Transition struct {
	To             string          `json:"to" yaml:"to"`
	ConditionType  ConditionType   `json:"condition_type" yaml:"condition_type"`
	ConditionGroup *ConditionGroup `json:"condition_group,omitempty" yaml:"condition_group,omitempty"`
}

// ConditionType selects between unconditional and guarded transitions.
type ConditionType string

const (
	ConditionAlways      ConditionType = "always"
	ConditionConditional ConditionType = "conditional"
)

// --- Variant configs, decoded from StepDefinition.Config ---

// AgentConfig is the config block for agent_execution steps.
type AgentConfig struct {
	AgentID string          `json:"agent_id"`
	Params  json.RawMessage `json:"params,omitempty"`
	// InputKeys limits the context slice passed to the agent. Empty means
	// the whole run context.
	InputKeys []string `json:"input_keys,omitempty"`
}

// HumanTaskConfig is the config block for human_review, data_input, and
// decision steps.
type HumanTaskConfig struct {
	AssignedRole    string            `json:"assigned_role,omitempty"`
	AssignedUser    string            `json:"assigned_user,omitempty"`
	FormSchema      json.RawMessage   `json:"form_schema,omitempty"`
	DeadlineMinutes int               `json:"deadline_minutes,omitempty"`
	Escalation      *EscalationPolicy `json:"escalation,omitempty"`
}

// ParallelConfig is the config block for parallel steps.
type ParallelConfig struct {
	Branches []Branch `json:"branches"`
	JoinOn   string   `json:"join_on"`
}

// Branch is one independent path inside a parallel region.
type Branch struct {
	Name      string `json:"name"`
	StartStep string `json:"start_step"`
}

// SubWorkflowConfig is the config block for sub_workflow steps.
type SubWorkflowConfig struct {
	Definition string `json:"definition"`
	Version    string `json:"version,omitempty"`
	// InputMap maps child input keys to parent context paths (dotted paths
	// or `jq:` expressions).
	InputMap map[string]string `json:"input_map,omitempty"`
}

// APICallConfig is the config block for external_api_call steps. URL, header
// values, query values, and Body may contain ${{ }} templates rendered
// against the run context.
type APICallConfig struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	// SuccessCodes classifies the response. Empty means any 2xx.
	SuccessCodes []int `json:"success_codes,omitempty"`
}

// EndConfig is the config block for end steps.
type EndConfig struct {
	FinalStatus string `json:"final_status"`
}
