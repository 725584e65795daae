package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/agents"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/apicall"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/interp"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/validation"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Notifier delivers escalation and assignment events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, target, event string, payload map[string]any) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, string, map[string]any) error { return nil }

// DefaultPoolSize is the default branch worker concurrency.
const DefaultPoolSize = 10

// Config holds engine tunables.
type Config struct {
	PoolSize int
}

// Engine drives workflow runs: it advances them step by step, suspends on
// human tasks, schedules retries and escalations through persisted timers,
// and serializes all mutations per run.
type Engine struct {
	store     store.Store
	eventLog  *store.EventLog
	runFSM    *RunFSM
	taskFSM   *TaskFSM
	resolver  *TransitionResolver
	validator *validation.WorkflowValidator
	agents    *agents.Registry
	caller    *apicall.Caller
	renderer  *interp.Renderer
	pool      *WorkerPool
	notifier  Notifier
	logger    *slog.Logger

	// locks serializes advancement per run.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Engine. notifier may be nil to discard notifications.
func New(s store.Store, el *store.EventLog, registry *agents.Registry, caller *apicall.Caller, validator *validation.WorkflowValidator, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		eventLog:  el,
		runFSM:    NewRunFSM(el),
		taskFSM:   NewTaskFSM(el),
		resolver:  NewTransitionResolver(logger),
		validator: validator,
		agents:    registry,
		caller:    caller,
		renderer:  interp.NewRenderer(),
		pool:      NewWorkerPool(cfg.PoolSize),
		notifier:  notifier,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// runLock returns the per-run mutex, creating it on first use. All context
// mutations for a run happen while holding it, so advancement operations for
// the same run never interleave.
func (e *Engine) runLock(runID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[runID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[runID] = mu
	}
	return mu
}

// Shutdown stops the branch worker pool.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// StartRun validates the triggering input against the definition's input
// schema, creates a run, and advances it until it parks or terminates.
// Version may be empty to use the latest registered version.
func (e *Engine) StartRun(ctx context.Context, definitionName, version string, input map[string]any, triggeredBy string) (*store.Run, error) {
	rec, err := e.loadDefinition(ctx, definitionName, version)
	if err != nil {
		return nil, err
	}
	def := &rec.Definition

	if len(rec.InputSchema) > 0 {
		if err := e.validator.ValidateData(input, rec.InputSchema); err != nil {
			return nil, err
		}
	}

	runCtx := make(map[string]any, len(input)+1)
	if input != nil {
		runCtx["input"] = input
	}

	run := &store.Run{
		ID:                uuid.NewString(),
		DefinitionName:    rec.Name,
		DefinitionVersion: rec.Version,
		Status:            schema.RunStatusPending,
		CurrentStep:       def.StartStep,
		Context:           runCtx,
		TriggeredBy:       triggeredBy,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, run.ID)
	if err := e.beginRun(ctx, run); err != nil {
		return nil, err
	}

	if err := e.Advance(ctx, run.ID); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, run.ID)
}

// beginRun transitions a pending run to in_progress and persists it.
func (e *Engine) beginRun(ctx context.Context, run *store.Run) error {
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusInProgress); err != nil {
		return err
	}
	now := time.Now().UTC()
	inProgress := schema.RunStatusInProgress
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &inProgress,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = inProgress
	logging.LogWith(ctx, e.logger).Info("run started", "definition", run.DefinitionName)
	return nil
}

// CancelRun terminates a run: no further advancement, open tasks skipped,
// pending escalation and retry timers removed, child runs cancelled.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()
	return e.cancelLocked(ctx, runID, reason)
}

func (e *Engine) cancelLocked(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.Status)
	}
	ctx = logging.WithRunID(ctx, runID)

	if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}

	cancelled := schema.RunStatusCancelled
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(map[string]any{"code": schema.ErrCodeCancelled, "message": reason})
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &cancelled,
		Error:       errPayload,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	// Skip open tasks and drop their escalation timers.
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{RunID: runID})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		if err := e.taskFSM.Transition(ctx, runID, task.StepName, task.Status, schema.TaskStatusSkipped); err != nil {
			return err
		}
		skipped := schema.TaskStatusSkipped
		if err := e.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &skipped, CompletedAt: &now}); err != nil {
			return err
		}
		if err := e.store.DeleteEscalationsForTask(ctx, task.ID); err != nil {
			return err
		}
	}

	if err := e.store.DeleteRetriesForRun(ctx, runID); err != nil {
		return err
	}

	// Cascade to child runs.
	children, err := e.store.ListRuns(ctx, store.RunFilter{ParentRunID: runID})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := e.CancelRun(ctx, child.ID, "parent run cancelled"); err != nil {
			return err
		}
	}

	logging.LogWith(ctx, e.logger).Info("run cancelled", "reason", reason)
	return nil
}

// RunStatus is a queryable snapshot of a run: its record, open and closed
// tasks, and the per-step trace reconstructed from the event log.
type RunStatus struct {
	Run    *store.Run                  `json:"run"`
	Tasks  []*store.Task               `json:"tasks,omitempty"`
	Steps  map[string]*store.StepTrace `json:"steps,omitempty"`
	Events []*store.RunEvent           `json:"events,omitempty"`
}

// Status reports the current state of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	traces, err := e.eventLog.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{
		Run:   run,
		Tasks: tasks,
		Steps: traces,
	}, nil
}

// loadDefinition fetches a definition record, resolving an empty version to
// the latest registered one.
func (e *Engine) loadDefinition(ctx context.Context, name, version string) (*store.DefinitionRecord, error) {
	if version != "" {
		return e.store.GetDefinition(ctx, name, version)
	}
	if latest, ok := e.store.(interface {
		LatestDefinition(ctx context.Context, name string) (*store.DefinitionRecord, error)
	}); ok {
		return latest.LatestDefinition(ctx, name)
	}
	return e.store.GetDefinition(ctx, name, version)
}

// RegisterDefinition validates a definition through the full pipeline and
// persists it in the catalog.
func (e *Engine) RegisterDefinition(ctx context.Context, rec *store.DefinitionRecord) (*schema.ValidationResult, error) {
	result := e.validator.Validate(&rec.Definition)
	if !result.Valid() {
		return result, result.ToError()
	}
	rec.Name = rec.Definition.Name
	rec.Version = rec.Definition.Version
	if rec.Description == "" {
		rec.Description = rec.Definition.Description
	}
	if len(rec.InputSchema) == 0 && len(rec.Definition.InputSchema) > 0 {
		rec.InputSchema = rec.Definition.InputSchema
	}
	if err := e.store.StoreDefinition(ctx, rec); err != nil {
		return result, err
	}
	return result, nil
}
