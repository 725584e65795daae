package store

import (
	"encoding/json"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// DefinitionRecord is a versioned workflow definition registered in the catalog.
type DefinitionRecord struct {
	Name        string                    `json:"name"`
	Version     string                    `json:"version"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	InputSchema json.RawMessage           `json:"input_schema,omitempty"`
	Source      string                    `json:"source,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Run is the persisted state of a workflow execution.
type Run struct {
	ID                string           `json:"id"`
	DefinitionName    string           `json:"definition_name"`
	DefinitionVersion string           `json:"definition_version"`
	Status            schema.RunStatus `json:"status"`
	Result            string           `json:"result,omitempty"`
	CurrentStep       string           `json:"current_step,omitempty"`
	Context           map[string]any   `json:"context,omitempty"`
	ActiveBranches    json.RawMessage  `json:"active_branches,omitempty"`
	ParentRunID       string           `json:"parent_run_id,omitempty"`
	ParentStep        string           `json:"parent_step,omitempty"`
	TriggeredBy       string           `json:"triggered_by,omitempty"`
	Error             json.RawMessage  `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Task is a unit of work surfaced to an agent or a human.
type Task struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	StepName         string            `json:"step_name"`
	Type             schema.TaskType   `json:"type"`
	Status           schema.TaskStatus `json:"status"`
	AssignedRole     string            `json:"assigned_role,omitempty"`
	AssignedUser     string            `json:"assigned_user,omitempty"`
	InputData        json.RawMessage   `json:"input_data,omitempty"`
	OutputData       json.RawMessage   `json:"output_data,omitempty"`
	FormSchema       json.RawMessage   `json:"form_schema,omitempty"`
	DeadlineAt       *time.Time        `json:"deadline_at,omitempty"`
	EscalationPolicy json.RawMessage   `json:"escalation_policy,omitempty"`
	IsDelegated      bool              `json:"is_delegated"`
	DelegatedBy      string            `json:"delegated_by,omitempty"`
	RetryCount       int               `json:"retry_count"`
	Error            json.RawMessage   `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// TaskComment is a threaded note attached to a task.
type TaskComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// RunEvent is an immutable entry in the per-run audit log.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EscalationEntry is a persisted timer for an overdue human task.
type EscalationEntry struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id"`
	DueAt     time.Time       `json:"due_at"`
	Policy    json.RawMessage `json:"policy"`
	CreatedAt time.Time       `json:"created_at"`
}

// RetryEntry is a persisted timer for a delayed step retry.
type RetryEntry struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name"`
	Attempt   int             `json:"attempt"`
	RetryAt   time.Time       `json:"retry_at"`
	LastError json.RawMessage `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduledTrigger starts a run of a definition on a cron schedule.
type ScheduledTrigger struct {
	ID                string          `json:"id"`
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	CronExpression    string          `json:"cron_expression"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           bool            `json:"enabled"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus     string          `json:"last_run_status,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	DefinitionName string            `json:"definition_name,omitempty"`
	ParentRunID    string            `json:"parent_run_id,omitempty"`
	Since          *time.Time        `json:"since,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	Offset         int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left untouched.
type RunUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	Result         *string           `json:"result,omitempty"`
	CurrentStep    *string           `json:"current_step,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	ActiveBranches json.RawMessage   `json:"active_branches,omitempty"`
	Error          json.RawMessage   `json:"error,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	RunID        string             `json:"run_id,omitempty"`
	StepName     string             `json:"step_name,omitempty"`
	Status       *schema.TaskStatus `json:"status,omitempty"`
	AssignedRole string             `json:"assigned_role,omitempty"`
	AssignedUser string             `json:"assigned_user,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// TaskUpdate specifies mutable fields of a task. Nil fields are left untouched.
type TaskUpdate struct {
	Status       *schema.TaskStatus `json:"status,omitempty"`
	AssignedRole *string            `json:"assigned_role,omitempty"`
	AssignedUser *string            `json:"assigned_user,omitempty"`
	OutputData   json.RawMessage    `json:"output_data,omitempty"`
	Error        json.RawMessage    `json:"error,omitempty"`
	IsDelegated  *bool              `json:"is_delegated,omitempty"`
	DelegatedBy  *string            `json:"delegated_by,omitempty"`
	RetryCount   *int               `json:"retry_count,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a scheduled trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
