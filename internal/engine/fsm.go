package engine

import (
	"context"
	"sync"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the EventLog; FSMs emit lifecycle events on
// every transition that maps to an event type.
type EventAppender interface {
	Append(ctx context.Context, event *store.RunEvent) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages workflow run lifecycle transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event. The caller is responsible for persisting the new
// status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.RunEvent{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInProgress:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task lifecycle transitions.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting the
// corresponding event.
func (f *TaskFSM) Transition(ctx context.Context, runID, stepName string, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithStep(stepName).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := taskEventType(to)
	if eventType != "" {
		event := &store.RunEvent{
			RunID:    runID,
			StepName: stepName,
			Type:     eventType,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).
				WithStep(stepName).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusSkipped:
		return schema.EventTaskSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
// Terminal statuses have no outgoing transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:    {schema.RunStatusInProgress, schema.RunStatusCancelled},
	schema.RunStatusInProgress: {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:  {},
	schema.RunStatusFailed:     {},
	schema.RunStatusCancelled:  {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// A task is immutable once completed, failed, or skipped.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:            {schema.TaskStatusAssigned, schema.TaskStatusSkipped},
	schema.TaskStatusAssigned:           {schema.TaskStatusInProgress, schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusSkipped, schema.TaskStatusRequiresEscalation, schema.TaskStatusAssigned},
	schema.TaskStatusInProgress:         {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusSkipped, schema.TaskStatusRequiresEscalation},
	schema.TaskStatusRequiresEscalation: {schema.TaskStatusAssigned, schema.TaskStatusInProgress, schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusSkipped},
	schema.TaskStatusCompleted:          {},
	schema.TaskStatusFailed:             {},
	schema.TaskStatusSkipped:            {},
}
