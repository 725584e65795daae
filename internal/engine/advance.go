package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/agents"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Advance drives a run forward under its lock until it parks (human task,
// scheduled retry, suspended sub-workflow) or reaches a terminal status.
// If the run terminates and has a parent parked on a sub_workflow step, the
// parent is resumed afterwards, outside this run's lock.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	if err := e.advanceOnly(ctx, runID); err != nil {
		return err
	}
	return e.maybeResumeParent(ctx, runID)
}

func (e *Engine) advanceOnly(ctx context.Context, runID string) error {
	mu := e.runLock(runID)
	mu.Lock()
	defer mu.Unlock()
	return e.advanceLoop(ctx, runID)
}

// advanceLoop executes steps until the run parks or terminates. The caller
// must hold the run's lock.
func (e *Engine) advanceLoop(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		rec, err := e.store.GetDefinition(ctx, run.DefinitionName, run.DefinitionVersion)
		if err != nil {
			return err
		}
		def := &rec.Definition

		step := def.Step(run.CurrentStep)
		if step == nil {
			return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeNotFound,
				"step %q not found in definition %s@%s", run.CurrentStep, run.DefinitionName, run.DefinitionVersion))
		}

		parked, err := e.executeStep(ctx, run, def, step)
		if err != nil {
			return err
		}
		if parked {
			return nil
		}
	}
}

// executeStep dispatches one step. It returns parked=true when the run must
// wait for an external event (task completion, retry timer, child run).
// Step-level failures are consumed by the retry and on_failure machinery;
// only engine-fatal errors propagate.
func (e *Engine) executeStep(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition, step *schema.StepDefinition) (bool, error) {
	ctx = logging.WithStepName(ctx, step.Name)

	switch step.Type {
	case schema.StepTypeEnd:
		return true, e.completeRun(ctx, run, step)

	case schema.StepTypeAgentExecution, schema.StepTypeExternalAPICall:
		return e.executeSyncStep(ctx, run, step, 1)

	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		return true, e.createHumanTask(ctx, run, step)

	case schema.StepTypeParallel:
		return e.executeParallel(ctx, run, def, step, 1)

	case schema.StepTypeJoin:
		// A join reached directly (resume after crash, or a definition that
		// routes through it) is a pass-through.
		return e.finishStep(ctx, run, step, nil)

	case schema.StepTypeSubWorkflow:
		return e.executeSubWorkflow(ctx, run, step, 1)

	default:
		return true, e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported step type %q", step.Type).WithStep(step.Name))
	}
}

// executeSyncStep runs an agent_execution or external_api_call step with the
// given 1-based attempt number. Failures route through the retry controller.
func (e *Engine) executeSyncStep(ctx context.Context, run *store.Run, step *schema.StepDefinition, attempt int) (bool, error) {
	if attempt == 1 {
		e.appendEvent(ctx, run.ID, step.Name, schema.EventStepEntered, nil)
	}

	output, execErr := e.invokeStep(ctx, run, step)
	if execErr != nil {
		return e.handleStepFailure(ctx, run, step, attempt, execErr)
	}

	e.appendEvent(ctx, run.ID, step.Name, schema.EventStepCompleted, map[string]any{"output": output})
	return e.finishStep(ctx, run, step, output)
}

// invokeStep performs the side effect of a synchronous step.
func (e *Engine) invokeStep(ctx context.Context, run *store.Run, step *schema.StepDefinition) (map[string]any, error) {
	switch step.Type {
	case schema.StepTypeAgentExecution:
		var cfg schema.AgentConfig
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid agent config").WithStep(step.Name).WithCause(err)
		}
		agent, err := e.agents.Get(cfg.AgentID)
		if err != nil {
			return nil, err
		}
		var params map[string]any
		if len(cfg.Params) > 0 {
			if err := json.Unmarshal(cfg.Params, &params); err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "invalid agent params").WithStep(step.Name).WithCause(err)
			}
		}
		return agent.Execute(ctx, agents.Invocation{
			RunID:    run.ID,
			StepName: step.Name,
			Input:    contextSlice(run.Context, cfg.InputKeys),
			Params:   params,
		})

	case schema.StepTypeExternalAPICall:
		var cfg schema.APICallConfig
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid api call config").WithStep(step.Name).WithCause(err)
		}
		return e.caller.Call(ctx, cfg, run.Context)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step type %q is not synchronous", step.Type).WithStep(step.Name)
	}
}

// contextSlice returns the subset of the run context named by keys, or the
// full context when keys is empty.
func contextSlice(runCtx map[string]any, keys []string) map[string]any {
	if len(keys) == 0 {
		return runCtx
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := runCtx[k]; ok {
			out[k] = v
		}
	}
	return out
}

// finishStep stores the step's output under its namespace, resolves the next
// transition, and persists the moved cursor. No matching transition is a
// structural run failure, distinct from a step execution failure.
func (e *Engine) finishStep(ctx context.Context, run *store.Run, step *schema.StepDefinition, output map[string]any) (bool, error) {
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	if output != nil {
		run.Context[step.Namespace()] = output
	}

	next, ok := e.resolver.Resolve(step, run.Context, output)
	if !ok {
		e.appendEvent(ctx, run.ID, step.Name, schema.EventNoTransitionMatched, nil)
		return true, e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeNoTransition,
			"no transition matched after step %q", step.Name).WithStep(step.Name))
	}

	e.appendEvent(ctx, run.ID, step.Name, schema.EventTransitionTaken, map[string]any{"to": next})
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		CurrentStep: &next,
		Context:     run.Context,
	}); err != nil {
		return true, err
	}
	run.CurrentStep = next
	return false, nil
}

// handleStepFailure applies the retry policy, then the on_failure action once
// attempts are exhausted or the error is not retryable.
func (e *Engine) handleStepFailure(ctx context.Context, run *store.Run, step *schema.StepDefinition, attempt int, execErr error) (bool, error) {
	logging.LogWith(ctx, e.logger).Warn("step failed", "attempt", attempt, "error", execErr)
	e.appendEvent(ctx, run.ID, step.Name, schema.EventStepFailed, map[string]any{
		"attempt": attempt,
		"error":   execErr.Error(),
	})

	if IsRetryableError(execErr) {
		if delay, ok := NextAttempt(step.Retry, attempt); ok {
			entry := &store.RetryEntry{
				ID:        uuid.NewString(),
				RunID:     run.ID,
				StepName:  step.Name,
				Attempt:   attempt,
				RetryAt:   time.Now().UTC().Add(delay),
				LastError: errorPayload(execErr),
			}
			if err := e.store.CreateRetry(ctx, entry); err != nil {
				return true, err
			}
			e.appendEvent(ctx, run.ID, step.Name, schema.EventRetryScheduled, map[string]any{
				"attempt":     attempt,
				"retry_after": delay.Seconds(),
			})
			return true, nil
		}
	}

	action := schema.FailureFailWorkflow
	if step.OnFailure != nil {
		action = step.OnFailure.Action
	}

	switch action {
	case schema.FailureTransitionToStep:
		next := step.OnFailure.NextStep
		e.appendEvent(ctx, run.ID, step.Name, schema.EventTransitionTaken, map[string]any{"to": next, "on_failure": true})
		if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{CurrentStep: &next}); err != nil {
			return true, err
		}
		run.CurrentStep = next
		return false, nil

	case schema.FailureContinueWithError:
		payload := errorAsOutput(execErr)
		ns := step.Namespace()
		if step.OnFailure.ErrorOutputNamespace != "" {
			ns = step.OnFailure.ErrorOutputNamespace
		}
		if run.Context == nil {
			run.Context = make(map[string]any)
		}
		run.Context[ns] = payload

		next, ok := e.resolver.Resolve(step, run.Context, payload)
		if !ok {
			return true, e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeNoTransition,
				"no transition matched after step %q", step.Name).WithStep(step.Name))
		}
		e.appendEvent(ctx, run.ID, step.Name, schema.EventTransitionTaken, map[string]any{"to": next})
		if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{CurrentStep: &next, Context: run.Context}); err != nil {
			return true, err
		}
		run.CurrentStep = next
		return false, nil

	case schema.FailureManualIntervention:
		return true, e.createManualInterventionTask(ctx, run, step, execErr)

	default: // fail_workflow
		return true, e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %q failed after %d attempt(s): %s", step.Name, attempt, execErr.Error()).
			WithStep(step.Name).WithCause(execErr))
	}
}

// completeRun terminates a run at an end step, recording the final status as
// the run's result.
func (e *Engine) completeRun(ctx context.Context, run *store.Run, step *schema.StepDefinition) error {
	var cfg schema.EndConfig
	if len(step.Config) > 0 {
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return e.failRun(ctx, run, schema.NewError(schema.ErrCodeValidation, "invalid end config").WithStep(step.Name).WithCause(err))
		}
	}
	if cfg.FinalStatus == "" {
		cfg.FinalStatus = "completed"
	}

	e.appendEvent(ctx, run.ID, step.Name, schema.EventStepCompleted, map[string]any{"final_status": cfg.FinalStatus})
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusCompleted); err != nil {
		return err
	}

	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	current := step.Name
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &completed,
		Result:      &cfg.FinalStatus,
		CurrentStep: &current,
		Context:     run.Context,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = completed
	logging.LogWith(ctx, e.logger).Info("run completed", "result", cfg.FinalStatus)
	return nil
}

// failRun terminates a run as failed with a structured error payload.
func (e *Engine) failRun(ctx context.Context, run *store.Run, runErr error) error {
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusFailed); err != nil {
		return err
	}
	failed := schema.RunStatusFailed
	now := time.Now().UTC()
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &failed,
		Error:       errorPayload(runErr),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	run.Status = failed
	logging.LogWith(ctx, e.logger).Error("run failed", "error", runErr)
	return nil
}

// executeSubWorkflow starts a nested run with the given 1-based attempt
// number. If the child terminates synchronously its result is mapped back
// inline; otherwise the parent parks until the child reaches a terminal
// status. A retried attempt starts a fresh child run.
func (e *Engine) executeSubWorkflow(ctx context.Context, run *store.Run, step *schema.StepDefinition, attempt int) (bool, error) {
	var cfg schema.SubWorkflowConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return true, e.failRun(ctx, run, schema.NewError(schema.ErrCodeValidation, "invalid sub_workflow config").WithStep(step.Name).WithCause(err))
	}

	input := make(map[string]any, len(cfg.InputMap))
	for key, expr := range cfg.InputMap {
		v, err := e.renderer.ResolveValue(ctx, expr, run.Context)
		if err != nil {
			return e.handleStepFailure(ctx, run, step, attempt, err)
		}
		input[key] = v
	}

	if attempt == 1 {
		e.appendEvent(ctx, run.ID, step.Name, schema.EventStepEntered, nil)
	}

	child, err := e.startChildRun(ctx, cfg.Definition, cfg.Version, input, run.ID, step.Name)
	if err != nil {
		return e.handleStepFailure(ctx, run, step, attempt, err)
	}
	e.appendEvent(ctx, run.ID, step.Name, schema.EventSubRunStarted, map[string]any{"child_run_id": child.ID})

	if !child.Status.Terminal() {
		// Parked on a human task inside the child. The parent resumes when
		// the child terminates.
		return true, nil
	}

	e.appendEvent(ctx, run.ID, step.Name, schema.EventSubRunCompleted, map[string]any{
		"child_run_id": child.ID, "status": string(child.Status),
	})
	if child.Status != schema.RunStatusCompleted {
		return e.handleStepFailure(ctx, run, step, attempt, schema.NewErrorf(schema.ErrCodeStepFailed,
			"sub-workflow run %s ended %s", child.ID, child.Status).WithStep(step.Name))
	}
	return e.finishStep(ctx, run, step, childOutput(child))
}

// startChildRun creates and advances a nested run without triggering the
// parent-resume path; the caller handles the child's outcome inline.
func (e *Engine) startChildRun(ctx context.Context, definitionName, version string, input map[string]any, parentRunID, parentStep string) (*store.Run, error) {
	rec, err := e.loadDefinition(ctx, definitionName, version)
	if err != nil {
		return nil, err
	}
	if len(rec.InputSchema) > 0 {
		if err := e.validator.ValidateData(input, rec.InputSchema); err != nil {
			return nil, err
		}
	}

	child := &store.Run{
		ID:                uuid.NewString(),
		DefinitionName:    rec.Name,
		DefinitionVersion: rec.Version,
		Status:            schema.RunStatusPending,
		CurrentStep:       rec.Definition.StartStep,
		Context:           map[string]any{"input": input},
		ParentRunID:       parentRunID,
		ParentStep:        parentStep,
		TriggeredBy:       "run:" + parentRunID,
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		return nil, err
	}

	childCtx := logging.WithRunID(ctx, child.ID)
	if err := e.beginRun(childCtx, child); err != nil {
		return nil, err
	}
	if err := e.advanceOnly(childCtx, child.ID); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, child.ID)
}

// maybeResumeParent walks up the parent chain once the given run has
// terminated, resuming each ancestor parked on a sub_workflow step. Resuming
// a parent can drive it to a terminal status in turn, so the walk repeats
// until a run is still live or has no parent. Must be called without holding
// any run lock.
func (e *Engine) maybeResumeParent(ctx context.Context, runID string) error {
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			var engErr *schema.EngineError
			if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
				return nil
			}
			return err
		}
		if !run.Status.Terminal() || run.ParentRunID == "" {
			return nil
		}
		if err := e.resumeParent(ctx, run); err != nil {
			return err
		}
		runID = run.ParentRunID
	}
}

// resumeParent applies a terminated child's outcome to the sub_workflow step
// its parent is parked on, under the parent's lock.
func (e *Engine) resumeParent(ctx context.Context, run *store.Run) error {
	mu := e.runLock(run.ParentRunID)
	mu.Lock()
	defer mu.Unlock()

	parent, err := e.store.GetRun(ctx, run.ParentRunID)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}
	if parent.Status.Terminal() || parent.CurrentStep != run.ParentStep {
		return nil
	}

	rec, err := e.store.GetDefinition(ctx, parent.DefinitionName, parent.DefinitionVersion)
	if err != nil {
		return err
	}
	step := rec.Definition.Step(parent.CurrentStep)
	if step == nil || step.Type != schema.StepTypeSubWorkflow {
		return nil
	}

	pctx := logging.WithRunID(ctx, parent.ID)
	e.appendEvent(pctx, parent.ID, step.Name, schema.EventSubRunCompleted, map[string]any{
		"child_run_id": run.ID, "status": string(run.Status),
	})

	var parked bool
	if run.Status == schema.RunStatusCompleted {
		parked, err = e.finishStep(pctx, parent, step, childOutput(run))
	} else {
		parked, err = e.handleStepFailure(pctx, parent, step, 1, schema.NewErrorf(schema.ErrCodeStepFailed,
			"sub-workflow run %s ended %s", run.ID, run.Status).WithStep(step.Name))
	}
	if err != nil || parked {
		return err
	}
	return e.advanceLoop(pctx, parent.ID)
}

// childOutput is what a completed sub-workflow contributes to the parent
// step's namespace.
func childOutput(child *store.Run) map[string]any {
	out := map[string]any{
		"run_id": child.ID,
		"status": string(child.Status),
	}
	if child.Result != "" {
		out["result"] = child.Result
	}
	if len(child.Context) > 0 {
		out["context"] = child.Context
	}
	return out
}

// SweepRetries executes all retry timers due at now. Each due entry re-runs
// its step with the next attempt number, then continues run advancement.
func (e *Engine) SweepRetries(ctx context.Context, now time.Time) error {
	entries, err := e.store.DueRetries(ctx, now)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.resumeRetry(ctx, entry); err != nil {
			return err
		}
		if err := e.maybeResumeParent(ctx, entry.RunID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resumeRetry(ctx context.Context, entry *store.RetryEntry) error {
	if err := e.store.DeleteRetry(ctx, entry.ID); err != nil {
		return err
	}

	mu := e.runLock(entry.RunID)
	mu.Lock()
	defer mu.Unlock()

	run, err := e.store.GetRun(ctx, entry.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() || run.CurrentStep != entry.StepName {
		return nil
	}

	rec, err := e.store.GetDefinition(ctx, run.DefinitionName, run.DefinitionVersion)
	if err != nil {
		return err
	}
	step := rec.Definition.Step(entry.StepName)
	if step == nil {
		return nil
	}

	ctx = logging.WithRunID(ctx, run.ID)

	// Re-dispatch by step type: parallel and sub_workflow steps carry retry
	// policies too and cannot go through the synchronous invoker.
	var parked bool
	switch step.Type {
	case schema.StepTypeParallel:
		parked, err = e.executeParallel(ctx, run, &rec.Definition, step, entry.Attempt+1)
	case schema.StepTypeSubWorkflow:
		parked, err = e.executeSubWorkflow(ctx, run, step, entry.Attempt+1)
	default:
		parked, err = e.executeSyncStep(ctx, run, step, entry.Attempt+1)
	}
	if err != nil || parked {
		return err
	}
	return e.advanceLoop(ctx, run.ID)
}

// appendEvent writes a run event, logging rather than failing on error: the
// audit log must not abort advancement that has already committed.
func (e *Engine) appendEvent(ctx context.Context, runID, stepName, eventType string, payload map[string]any) {
	event := &store.RunEvent{
		RunID:    runID,
		StepName: stepName,
		Type:     eventType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			event.Payload = raw
		}
	}
	if err := e.eventLog.Append(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).Error("append event failed", "event_type", eventType, "error", err)
	}
}

// errorPayload serializes an error for persistence.
func errorPayload(err error) json.RawMessage {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		raw, mErr := json.Marshal(engErr)
		if mErr == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(map[string]any{"code": schema.ErrCodeExecution, "message": err.Error()})
	return raw
}

// errorAsOutput converts an error into a context payload for
// continue_with_error.
func errorAsOutput(err error) map[string]any {
	out := map[string]any{"error": true, "message": err.Error()}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		out["code"] = engErr.Code
		if engErr.Step != "" {
			out["step"] = engErr.Step
		}
		if len(engErr.Details) > 0 {
			out["details"] = engErr.Details
		}
	}
	return out
}
