package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func taskTypeFor(stepType schema.StepType) schema.TaskType {
	switch stepType {
	case schema.StepTypeHumanReview:
		return schema.TaskTypeHumanReview
	case schema.StepTypeDataInput:
		return schema.TaskTypeDataInput
	default:
		return schema.TaskTypeDecision
	}
}

// createHumanTask parks the run on a task a person must act on. The task is
// created already assigned (role or explicit user per the step config), its
// deadline derived from deadline_minutes, and an escalation timer registered
// when the step carries an escalation policy.
func (e *Engine) createHumanTask(ctx context.Context, run *store.Run, step *schema.StepDefinition) error {
	var cfg schema.HumanTaskConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return e.failRun(ctx, run, schema.NewError(schema.ErrCodeValidation, "invalid human task config").WithStep(step.Name).WithCause(err))
	}

	e.appendEvent(ctx, run.ID, step.Name, schema.EventStepEntered, nil)

	now := time.Now().UTC()
	task := &store.Task{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		StepName:     step.Name,
		Type:         taskTypeFor(step.Type),
		Status:       schema.TaskStatusAssigned,
		AssignedRole: cfg.AssignedRole,
		AssignedUser: cfg.AssignedUser,
		FormSchema:   cfg.FormSchema,
	}
	if cfg.AssignedRole == "" && cfg.AssignedUser == "" {
		task.Status = schema.TaskStatusPending
	}
	if inputJSON, err := json.Marshal(run.Context); err == nil {
		task.InputData = inputJSON
	}
	if cfg.DeadlineMinutes > 0 {
		deadline := now.Add(time.Duration(cfg.DeadlineMinutes) * time.Minute)
		task.DeadlineAt = &deadline
	}
	if cfg.Escalation != nil {
		if policyJSON, err := json.Marshal(cfg.Escalation); err == nil {
			task.EscalationPolicy = policyJSON
		}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}
	e.appendEvent(ctx, run.ID, step.Name, schema.EventTaskCreated, map[string]any{
		"task_id": task.ID, "type": string(task.Type),
	})

	// Escalation is always relative: deadline plus the offset, or now plus
	// the offset when the task has no deadline.
	if cfg.Escalation != nil && cfg.Escalation.AfterMinutes > 0 {
		due := now.Add(time.Duration(cfg.Escalation.AfterMinutes) * time.Minute)
		if task.DeadlineAt != nil {
			due = task.DeadlineAt.Add(time.Duration(cfg.Escalation.AfterMinutes) * time.Minute)
		}
		entry := &store.EscalationEntry{
			ID:     uuid.NewString(),
			TaskID: task.ID,
			RunID:  run.ID,
			DueAt:  due,
			Policy: task.EscalationPolicy,
		}
		if err := e.store.CreateEscalation(ctx, entry); err != nil {
			return err
		}
	}

	target := cfg.AssignedUser
	if target == "" {
		target = cfg.AssignedRole
	}
	if target != "" {
		if err := e.notifier.Notify(ctx, target, "task_assigned", map[string]any{
			"task_id": task.ID, "run_id": run.ID, "step": step.Name,
		}); err != nil {
			logging.LogWith(ctx, e.logger).Warn("assignment notification failed", "error", err)
		}
	}

	logging.LogWith(ctx, e.logger).Info("human task created", "task_id", task.ID, "assignee", target)
	return nil
}

// createManualInterventionTask parks a run whose step exhausted its retries
// with on_failure.action=manual_intervention. The task is created assigned so
// an operator can complete it directly.
func (e *Engine) createManualInterventionTask(ctx context.Context, run *store.Run, step *schema.StepDefinition, execErr error) error {
	task := &store.Task{
		ID:       uuid.NewString(),
		RunID:    run.ID,
		StepName: step.Name,
		Type:     schema.TaskTypeManualIntervention,
		Status:   schema.TaskStatusAssigned,
		Error:    errorPayload(execErr),
	}
	if inputJSON, err := json.Marshal(run.Context); err == nil {
		task.InputData = inputJSON
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}
	e.appendEvent(ctx, run.ID, step.Name, schema.EventTaskCreated, map[string]any{
		"task_id": task.ID, "type": string(schema.TaskTypeManualIntervention),
	})
	logging.LogWith(ctx, e.logger).Warn("manual intervention required", "task_id", task.ID, "error", execErr)
	return nil
}

// CompleteTask records a task's output, validates it against the task's form
// schema when one is set, stores it under the step's namespace, cancels the
// task's escalation timers, and resumes run advancement.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, output map[string]any, actor string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", taskID, task.Status)
	}

	if len(task.FormSchema) > 0 {
		if err := e.validator.ValidateData(output, task.FormSchema); err != nil {
			return err
		}
	}

	mu := e.runLock(task.RunID)
	mu.Lock()

	run, err := e.store.GetRun(ctx, task.RunID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if run.Status.Terminal() {
		mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", run.ID, run.Status)
	}

	ctx = logging.WithRunID(logging.WithTaskID(ctx, taskID), run.ID)

	// Acting on a still-pending task claims it first.
	status := task.Status
	if status == schema.TaskStatusPending {
		if err := e.taskFSM.Transition(ctx, run.ID, task.StepName, status, schema.TaskStatusAssigned); err != nil {
			mu.Unlock()
			return err
		}
		status = schema.TaskStatusAssigned
	}
	if err := e.taskFSM.Transition(ctx, run.ID, task.StepName, status, schema.TaskStatusCompleted); err != nil {
		mu.Unlock()
		return err
	}

	completed := schema.TaskStatusCompleted
	now := time.Now().UTC()
	update := store.TaskUpdate{Status: &completed, CompletedAt: &now}
	if output != nil {
		if raw, mErr := json.Marshal(output); mErr == nil {
			update.OutputData = raw
		}
	}
	if err := e.store.UpdateTask(ctx, taskID, update); err != nil {
		mu.Unlock()
		return err
	}
	if err := e.store.DeleteEscalationsForTask(ctx, taskID); err != nil {
		mu.Unlock()
		return err
	}

	rec, err := e.store.GetDefinition(ctx, run.DefinitionName, run.DefinitionVersion)
	if err != nil {
		mu.Unlock()
		return err
	}
	step := rec.Definition.Step(task.StepName)
	if step == nil {
		mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", task.StepName)
	}

	logging.LogWith(ctx, e.logger).Info("task completed", "actor", actor)

	// Manual intervention resumes the failed step from scratch rather than
	// treating the operator's output as step output.
	if task.Type == schema.TaskTypeManualIntervention {
		parked, err := e.executeSyncStep(ctx, run, step, 1)
		if err != nil || parked {
			mu.Unlock()
			if err != nil {
				return err
			}
			return e.maybeResumeParent(ctx, run.ID)
		}
	} else {
		parked, err := e.finishStep(ctx, run, step, output)
		if err != nil || parked {
			mu.Unlock()
			if err != nil {
				return err
			}
			return e.maybeResumeParent(ctx, run.ID)
		}
	}

	err = e.advanceLoop(ctx, run.ID)
	mu.Unlock()
	if err != nil {
		return err
	}
	return e.maybeResumeParent(ctx, run.ID)
}

// DelegateTask hands a non-terminal task to another user. The original
// assignee is recorded and the deadline and escalation timers stay untouched:
// delegation changes who acts, not the SLA clock.
func (e *Engine) DelegateTask(ctx context.Context, taskID, targetUser, actor string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", taskID, task.Status)
	}
	if targetUser == "" {
		return schema.NewError(schema.ErrCodeValidation, "delegation target user is empty")
	}

	delegatedBy := task.AssignedUser
	if delegatedBy == "" {
		delegatedBy = task.AssignedRole
	}

	isDelegated := true
	if err := e.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		AssignedUser: &targetUser,
		IsDelegated:  &isDelegated,
		DelegatedBy:  &delegatedBy,
	}); err != nil {
		return err
	}

	event := &store.RunEvent{
		RunID:    task.RunID,
		StepName: task.StepName,
		Type:     schema.EventTaskDelegated,
		Actor:    actor,
	}
	if raw, mErr := json.Marshal(map[string]any{"task_id": taskID, "from": delegatedBy, "to": targetUser}); mErr == nil {
		event.Payload = raw
	}
	if err := e.eventLog.Append(ctx, event); err != nil {
		return err
	}

	if err := e.notifier.Notify(ctx, targetUser, "task_delegated", map[string]any{
		"task_id": taskID, "run_id": task.RunID, "from": delegatedBy,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("delegation notification failed", "error", err)
	}
	return nil
}

// AddTaskComment appends a user-attributed note to a task. Comments are
// append-only.
func (e *Engine) AddTaskComment(ctx context.Context, taskID, author, body string) (*store.TaskComment, error) {
	if body == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "comment body is empty")
	}
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	comment := &store.TaskComment{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Author: author,
		Body:   body,
	}
	if err := e.store.AddTaskComment(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}
