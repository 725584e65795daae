package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// SweepEscalations fires all escalation timers due at now. Entries whose
// task already reached a terminal status are dropped without firing.
func (e *Engine) SweepEscalations(ctx context.Context, now time.Time) error {
	entries, err := e.store.DueEscalations(ctx, now)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.fireEscalation(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fireEscalation(ctx context.Context, entry *store.EscalationEntry) error {
	// Remove first so a crash mid-fire cannot replay the same entry forever.
	if err := e.store.DeleteEscalation(ctx, entry.ID); err != nil {
		return err
	}

	task, err := e.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	var policy schema.EscalationPolicy
	if err := json.Unmarshal(entry.Policy, &policy); err != nil {
		return schema.NewError(schema.ErrCodeStore, "invalid persisted escalation policy").WithCause(err)
	}

	ctx = logging.WithRunID(logging.WithTaskID(ctx, task.ID), task.RunID)
	logger := logging.LogWith(ctx, e.logger)

	switch policy.Action {
	case schema.EscalateReassignToRole:
		// Reassignment clears any delegation: the task starts over with the
		// escalation role.
		isDelegated := false
		emptyUser := ""
		if err := e.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			AssignedRole: &policy.TargetRole,
			AssignedUser: &emptyUser,
			IsDelegated:  &isDelegated,
		}); err != nil {
			return err
		}
		e.appendEvent(ctx, task.RunID, task.StepName, schema.EventTaskEscalated, map[string]any{
			"task_id": task.ID, "action": string(policy.Action), "target_role": policy.TargetRole,
		})
		if err := e.notifier.Notify(ctx, policy.TargetRole, "task_reassigned", map[string]any{
			"task_id": task.ID, "run_id": task.RunID,
		}); err != nil {
			logger.Warn("escalation notification failed", "error", err)
		}
		logger.Info("task reassigned by escalation", "target_role", policy.TargetRole)

	case schema.EscalateNotifyManagerRole:
		// Assignment stays as-is; the task is flagged until someone acts.
		if err := e.taskFSM.Transition(ctx, task.RunID, task.StepName, task.Status, schema.TaskStatusRequiresEscalation); err != nil {
			return err
		}
		requires := schema.TaskStatusRequiresEscalation
		if err := e.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &requires}); err != nil {
			return err
		}
		e.appendEvent(ctx, task.RunID, task.StepName, schema.EventTaskEscalated, map[string]any{
			"task_id": task.ID, "action": string(policy.Action), "target_role": policy.TargetRole,
		})
		if err := e.notifier.Notify(ctx, policy.TargetRole, "task_overdue", map[string]any{
			"task_id": task.ID, "run_id": task.RunID, "assignee": task.AssignedUser,
		}); err != nil {
			logger.Warn("escalation notification failed", "error", err)
		}
		logger.Info("manager notified by escalation", "target_role", policy.TargetRole)

	case schema.EscalateCustomEvent:
		e.appendEvent(ctx, task.RunID, task.StepName, schema.EventEscalationCustom, map[string]any{
			"task_id": task.ID, "event": policy.CustomEventName,
		})
		logger.Info("custom escalation event emitted", "event", policy.CustomEventName)

	default:
		return schema.NewErrorf(schema.ErrCodeStore, "unknown escalation action %q", policy.Action)
	}

	return nil
}
