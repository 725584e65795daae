package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending            TaskStatus = "pending"
	TaskStatusAssigned           TaskStatus = "assigned"
	TaskStatusInProgress         TaskStatus = "in_progress"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusFailed             TaskStatus = "failed"
	TaskStatusSkipped            TaskStatus = "skipped"
	TaskStatusRequiresEscalation TaskStatus = "requires_escalation"
)

// Terminal reports whether the task is immutable.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// TaskType distinguishes who acts on a task.
type TaskType string

const (
	TaskTypeAgent              TaskType = "agent"
	TaskTypeHumanReview        TaskType = "human_review"
	TaskTypeDataInput          TaskType = "data_input"
	TaskTypeDecision           TaskType = "decision"
	TaskTypeManualIntervention TaskType = "manual_intervention"
)

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepEntered   = "step_entered"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventTaskCreated   = "task_created"
	EventTaskCompleted = "task_completed"
	EventTaskDelegated = "task_delegated"
	EventTaskEscalated = "task_escalated"
	EventTaskSkipped   = "task_skipped"

	EventTransitionTaken     = "transition_taken"
	EventNoTransitionMatched = "no_transition_matched"
	EventRetryScheduled      = "retry_scheduled"

	EventBranchStarted   = "branch_started"
	EventBranchCompleted = "branch_completed"
	EventJoinSatisfied   = "join_satisfied"

	EventSubRunStarted   = "subrun_started"
	EventSubRunCompleted = "subrun_completed"

	EventEscalationCustom = "escalation_custom_event"
)
