package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func TestSweepEscalations_NotDueYet(t *testing.T) {
	h := newTestHarness(t)
	h.reviewDefinition(t, "patient", schema.HumanTaskConfig{
		AssignedUser: "alice",
		Escalation: &schema.EscalationPolicy{
			AfterMinutes: 60,
			Action:       schema.EscalateReassignToRole,
			TargetRole:   "senior",
		},
	})

	run, err := h.engine.StartRun(context.Background(), "patient", "", nil, "tester")
	require.NoError(t, err)
	task := h.openTask(t, run.ID)

	// A sweep before the due time is a no-op.
	require.NoError(t, h.engine.SweepEscalations(context.Background(), time.Now().UTC().Add(30*time.Minute)))

	task, err = h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", task.AssignedUser)

	due, err := h.store.DueEscalations(context.Background(), time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSweepEscalations_ReassignToRole(t *testing.T) {
	h := newTestHarness(t)
	h.reviewDefinition(t, "reassigned", schema.HumanTaskConfig{
		AssignedUser: "alice",
		Escalation: &schema.EscalationPolicy{
			AfterMinutes: 15,
			Action:       schema.EscalateReassignToRole,
			TargetRole:   "senior_underwriter",
		},
	})

	run, err := h.engine.StartRun(context.Background(), "reassigned", "", nil, "tester")
	require.NoError(t, err)
	task := h.openTask(t, run.ID)

	require.NoError(t, h.engine.SweepEscalations(context.Background(), time.Now().UTC().Add(time.Hour)))

	task, err = h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "senior_underwriter", task.AssignedRole)
	assert.Empty(t, task.AssignedUser)
	assert.False(t, task.IsDelegated)

	// The timer fires once.
	due, err := h.store.DueEscalations(context.Background(), time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, 1, h.notifier.count("task_reassigned"))

	// The reassigned task is still completable by the new role.
	require.NoError(t, h.engine.CompleteTask(context.Background(), task.ID, map[string]any{"ok": true}, "bob"))
	run, err = h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestSweepEscalations_NotifyManagerRole(t *testing.T) {
	h := newTestHarness(t)
	h.reviewDefinition(t, "overdue", schema.HumanTaskConfig{
		AssignedUser: "alice",
		Escalation: &schema.EscalationPolicy{
			AfterMinutes: 15,
			Action:       schema.EscalateNotifyManagerRole,
			TargetRole:   "team_lead",
		},
	})

	run, err := h.engine.StartRun(context.Background(), "overdue", "", nil, "tester")
	require.NoError(t, err)
	task := h.openTask(t, run.ID)

	require.NoError(t, h.engine.SweepEscalations(context.Background(), time.Now().UTC().Add(time.Hour)))

	task, err = h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRequiresEscalation, task.Status)
	assert.Equal(t, "alice", task.AssignedUser, "assignee keeps the task")
	assert.Equal(t, 1, h.notifier.count("task_overdue"))

	// An escalated task can still be finished by its assignee.
	require.NoError(t, h.engine.CompleteTask(context.Background(), task.ID, map[string]any{"ok": true}, "alice"))
	run, err = h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestSweepEscalations_CustomEvent(t *testing.T) {
	h := newTestHarness(t)
	h.reviewDefinition(t, "custom_escalation", schema.HumanTaskConfig{
		AssignedUser: "alice",
		Escalation: &schema.EscalationPolicy{
			AfterMinutes:    15,
			Action:          schema.EscalateCustomEvent,
			CustomEventName: "sla_breach_loans",
		},
	})

	run, err := h.engine.StartRun(context.Background(), "custom_escalation", "", nil, "tester")
	require.NoError(t, err)
	task := h.openTask(t, run.ID)

	require.NoError(t, h.engine.SweepEscalations(context.Background(), time.Now().UTC().Add(time.Hour)))

	// Task assignment and status are untouched.
	task, err = h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", task.AssignedUser)
	assert.False(t, task.Status.Terminal())

	status, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	var custom *store.RunEvent
	for _, ev := range status.Events {
		if ev.Type == schema.EventEscalationCustom {
			custom = ev
		}
	}
	require.NotNil(t, custom, "custom escalation event recorded")
}

func TestSweepEscalations_SkipsCompletedTask(t *testing.T) {
	h := newTestHarness(t)
	h.reviewDefinition(t, "finished_first", schema.HumanTaskConfig{
		AssignedUser: "alice",
		Escalation: &schema.EscalationPolicy{
			AfterMinutes: 15,
			Action:       schema.EscalateReassignToRole,
			TargetRole:   "senior",
		},
	})

	run, err := h.engine.StartRun(context.Background(), "finished_first", "", nil, "tester")
	require.NoError(t, err)
	task := h.openTask(t, run.ID)

	require.NoError(t, h.engine.CompleteTask(context.Background(), task.ID, map[string]any{"ok": true}, "alice"))

	// Completing the task already removed its timer; a late sweep finds
	// nothing and changes nothing.
	require.NoError(t, h.engine.SweepEscalations(context.Background(), time.Now().UTC().Add(time.Hour)))

	task, err = h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, task.Status)
	assert.Equal(t, "alice", task.AssignedUser)
	assert.Zero(t, h.notifier.count("task_reassigned"))
}
