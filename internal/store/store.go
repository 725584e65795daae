package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	StoreDefinition(ctx context.Context, rec *DefinitionRecord) error
	GetDefinition(ctx context.Context, name, version string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Task Comments
	AddTaskComment(ctx context.Context, comment *TaskComment) error
	ListTaskComments(ctx context.Context, taskID string) ([]*TaskComment, error)

	// Run Events (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Escalation timers
	CreateEscalation(ctx context.Context, entry *EscalationEntry) error
	DueEscalations(ctx context.Context, now time.Time) ([]*EscalationEntry, error)
	DeleteEscalation(ctx context.Context, id string) error
	DeleteEscalationsForTask(ctx context.Context, taskID string) error

	// Retry timers
	CreateRetry(ctx context.Context, entry *RetryEntry) error
	DueRetries(ctx context.Context, now time.Time) ([]*RetryEntry, error)
	DeleteRetry(ctx context.Context, id string) error
	DeleteRetriesForRun(ctx context.Context, runID string) error

	// Scheduled triggers
	CreateTrigger(ctx context.Context, trigger *ScheduledTrigger) error
	ListTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
