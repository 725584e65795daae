package schema

// RetryPolicy configures re-attempt behavior for a failed step.
type RetryPolicy struct {
	MaxAttempts  int             `json:"max_attempts" yaml:"max_attempts"`
	DelaySeconds int             `json:"delay_seconds" yaml:"delay_seconds"`
	Backoff      BackoffStrategy `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	Jitter       bool            `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// BackoffStrategy selects how the retry delay grows across attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// OnFailureAction determines what happens once a step's retries are exhausted.
type OnFailureAction struct {
	Action FailureAction `json:"action" yaml:"action"`
	// NextStep is required for transition_to_step.
	NextStep string `json:"next_step,omitempty" yaml:"next_step,omitempty"`
	// ErrorOutputNamespace is the context key the error payload is stored
	// under for continue_with_error. Defaults to the step's namespace.
	ErrorOutputNamespace string `json:"error_output_namespace,omitempty" yaml:"error_output_namespace,omitempty"`
}

// FailureAction enumerates the exhausted-retry outcomes.
type FailureAction string

const (
	FailureFailWorkflow       FailureAction = "fail_workflow"
	FailureTransitionToStep   FailureAction = "transition_to_step"
	FailureContinueWithError  FailureAction = "continue_with_error"
	FailureManualIntervention FailureAction = "manual_intervention"
)

// EscalationPolicy is a timed action applied when a human task outlives its
// window. The window is always relative: deadline_at + after_minutes, or
// creation + after_minutes when the task has no deadline.
type EscalationPolicy struct {
	AfterMinutes int              `json:"after_minutes" yaml:"after_minutes"`
	Action       EscalationAction `json:"action" yaml:"action"`
	TargetRole   string           `json:"target_role,omitempty" yaml:"target_role,omitempty"`
	// CustomEventName is required for the custom_event action.
	CustomEventName string `json:"custom_event_name,omitempty" yaml:"custom_event_name,omitempty"`
}

// EscalationAction enumerates the escalation outcomes.
type EscalationAction string

const (
	EscalateReassignToRole    EscalationAction = "reassign_to_role"
	EscalateNotifyManagerRole EscalationAction = "notify_manager_role"
	EscalateCustomEvent       EscalationAction = "custom_event"
)
