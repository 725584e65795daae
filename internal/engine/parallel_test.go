package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/agents"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func parallelStep(t *testing.T, name, joinOn string, branches ...schema.Branch) schema.StepDefinition {
	t.Helper()
	return schema.StepDefinition{
		Name:   name,
		Type:   schema.StepTypeParallel,
		Config: mustRaw(t, schema.ParallelConfig{Branches: branches, JoinOn: joinOn}),
	}
}

func joinStep(t *testing.T, name string, transitions ...schema.Transition) schema.StepDefinition {
	t.Helper()
	return schema.StepDefinition{
		Name:        name,
		Type:        schema.StepTypeJoin,
		Transitions: transitions,
	}
}

func TestParallel_BranchOutputsMergeUnderNamespaces(t *testing.T) {
	h := newTestHarness(t)
	h.registerAgent(t, "credit", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"score": float64(710)}, nil
	})
	h.registerAgent(t, "fraud", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"risk": "low"}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "dual_check",
		StartStep: "checks",
		Steps: []schema.StepDefinition{
			parallelStep(t, "checks", "merge",
				schema.Branch{Name: "credit_path", StartStep: "credit_check"},
				schema.Branch{Name: "fraud_path", StartStep: "fraud_check"},
			),
			agentStep(t, "credit_check", "credit", always("merge")),
			agentStep(t, "fraud_check", "fraud", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "dual_check", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	credit, ok := run.Context["credit_check"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(710), credit["score"])

	fraud, ok := run.Context["fraud_check"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "low", fraud["risk"])

	// Branch cursors are cleared once the barrier is satisfied.
	assert.Nil(t, run.ActiveBranches)
}

func TestParallel_EarlierBranchWinsOnKeyCollision(t *testing.T) {
	h := newTestHarness(t)

	// The later-declared branch finishes first, but the merge order follows
	// declaration order, so the first branch keeps the contested key.
	firstMayRun := make(chan struct{})
	h.registerAgent(t, "slow_first", func(context.Context, agents.Invocation) (map[string]any, error) {
		<-firstMayRun
		return map[string]any{"verdict": "first"}, nil
	})
	h.registerAgent(t, "fast_second", func(context.Context, agents.Invocation) (map[string]any, error) {
		close(firstMayRun)
		return map[string]any{"verdict": "second"}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "contested",
		StartStep: "race",
		Steps: []schema.StepDefinition{
			parallelStep(t, "race", "merge",
				schema.Branch{Name: "a", StartStep: "step_a"},
				schema.Branch{Name: "b", StartStep: "step_b"},
			),
			{
				Name:            "step_a",
				Type:            schema.StepTypeAgentExecution,
				OutputNamespace: "shared",
				Config:          mustRaw(t, schema.AgentConfig{AgentID: "slow_first"}),
				Transitions:     []schema.Transition{always("merge")},
			},
			{
				Name:            "step_b",
				Type:            schema.StepTypeAgentExecution,
				OutputNamespace: "shared",
				Config:          mustRaw(t, schema.AgentConfig{AgentID: "fast_second"}),
				Transitions:     []schema.Transition{always("merge")},
			},
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "contested", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	shared, ok := run.Context["shared"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "first", shared["verdict"])
}

func TestParallel_JoinWaitsForAllBranches(t *testing.T) {
	h := newTestHarness(t)

	release := make(chan struct{})
	fastDone := make(chan struct{})
	h.registerAgent(t, "fast", func(context.Context, agents.Invocation) (map[string]any, error) {
		defer close(fastDone)
		return map[string]any{"ok": true}, nil
	})
	h.registerAgent(t, "blocked", func(context.Context, agents.Invocation) (map[string]any, error) {
		<-release
		return map[string]any{"ok": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "barrier",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			parallelStep(t, "fan_out", "merge",
				schema.Branch{Name: "quick", StartStep: "quick_step"},
				schema.Branch{Name: "slow", StartStep: "slow_step"},
			),
			agentStep(t, "quick_step", "fast", always("merge")),
			agentStep(t, "slow_step", "blocked", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	started := make(chan *store.Run, 1)
	errs := make(chan error, 1)
	go func() {
		run, err := h.engine.StartRun(context.Background(), "barrier", "", nil, "tester")
		started <- run
		errs <- err
	}()

	<-fastDone

	// One branch finished but the barrier still holds. The run stays at the
	// parallel step; no StartRun return yet.
	require.Eventually(t, func() bool {
		runs, err := h.store.ListRuns(context.Background(), store.RunFilter{})
		return err == nil && len(runs) == 1 && runs[0].Status == schema.RunStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-started:
		t.Fatal("run completed before the blocked branch was released")
	default:
	}

	close(release)

	run := <-started
	require.NoError(t, <-errs)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	quick, ok := run.Context["quick_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, quick["ok"])
	slow, ok := run.Context["slow_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, slow["ok"])
}

func TestParallel_MultiStepBranchChains(t *testing.T) {
	h := newTestHarness(t)
	h.registerAgent(t, "fetch", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"statements": 3}, nil
	})
	h.registerAgent(t, "summarize", func(_ context.Context, inv agents.Invocation) (map[string]any, error) {
		fetched, _ := inv.Input["fetch_docs"].(map[string]any)
		return map[string]any{"summary": fetched["statements"]}, nil
	})
	h.registerAgent(t, "ping", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"alive": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "chained_branches",
		StartStep: "gather",
		Steps: []schema.StepDefinition{
			parallelStep(t, "gather", "merge",
				schema.Branch{Name: "docs", StartStep: "fetch_docs"},
				schema.Branch{Name: "health", StartStep: "health_check"},
			),
			agentStep(t, "fetch_docs", "fetch", always("summarize_docs")),
			agentStep(t, "summarize_docs", "summarize", always("merge")),
			agentStep(t, "health_check", "ping", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "chained_branches", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	// The second step of the docs branch saw the first step's output through
	// the branch-local context.
	summary, ok := run.Context["summarize_docs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), summary["summary"])
}

func TestParallel_DisallowedStepTypeFailsRun(t *testing.T) {
	h := newTestHarness(t)

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "bad_branch",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			parallelStep(t, "fan_out", "merge",
				schema.Branch{Name: "human", StartStep: "ask_human"},
			),
			{
				Name:        "ask_human",
				Type:        schema.StepTypeHumanReview,
				Config:      mustRaw(t, schema.HumanTaskConfig{AssignedRole: "ops"}),
				Transitions: []schema.Transition{always("merge")},
			},
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "bad_branch", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestParallel_BranchFailureUsesStepFailureHandling(t *testing.T) {
	h := newTestHarness(t)
	h.registerAgent(t, "ok", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	h.registerAgent(t, "boom", func(context.Context, agents.Invocation) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "branch exploded")
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "failing_branch",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			{
				Name: "fan_out",
				Type: schema.StepTypeParallel,
				Config: mustRaw(t, schema.ParallelConfig{
					Branches: []schema.Branch{
						{Name: "good", StartStep: "good_step"},
						{Name: "bad", StartStep: "bad_step"},
					},
					JoinOn: "merge",
				}),
				OnFailure: &schema.OnFailureAction{Action: schema.FailureFailWorkflow},
			},
			agentStep(t, "good_step", "ok", always("merge")),
			agentStep(t, "bad_step", "boom", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "failing_branch", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestParallel_BranchStepRetriesInline(t *testing.T) {
	h := newTestHarness(t)

	var calls int32
	h.registerAgent(t, "flaky_branch", func(context.Context, agents.Invocation) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		return map[string]any{"ok": true}, nil
	})
	h.registerAgent(t, "steady", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "branch_retry",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			parallelStep(t, "fan_out", "merge",
				schema.Branch{Name: "flaky", StartStep: "flaky_step"},
				schema.Branch{Name: "steady", StartStep: "steady_step"},
			),
			{
				Name:        "flaky_step",
				Type:        schema.StepTypeAgentExecution,
				Config:      mustRaw(t, schema.AgentConfig{AgentID: "flaky_branch"}),
				Retry:       &schema.RetryPolicy{MaxAttempts: 3, DelaySeconds: 0},
				Transitions: []schema.Transition{always("merge")},
			},
			agentStep(t, "steady_step", "steady", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "branch_retry", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	flaky, ok := run.Context["flaky_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, flaky["ok"])

	// Branch retries wait in place; nothing is parked on a timer.
	due, err := h.store.DueRetries(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestParallel_BranchContinueWithError(t *testing.T) {
	h := newTestHarness(t)
	h.registerAgent(t, "fragile", func(context.Context, agents.Invocation) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "lookup unavailable")
	})
	h.registerAgent(t, "steady", func(context.Context, agents.Invocation) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "tolerant_branch",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			parallelStep(t, "fan_out", "merge",
				schema.Branch{Name: "fragile", StartStep: "fragile_step"},
				schema.Branch{Name: "steady", StartStep: "steady_step"},
			),
			{
				Name:   "fragile_step",
				Type:   schema.StepTypeAgentExecution,
				Config: mustRaw(t, schema.AgentConfig{AgentID: "fragile"}),
				OnFailure: &schema.OnFailureAction{
					Action:               schema.FailureContinueWithError,
					ErrorOutputNamespace: "fragile_error",
				},
				Transitions: []schema.Transition{always("merge")},
			},
			agentStep(t, "steady_step", "steady", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "tolerant_branch", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	errOut, ok := run.Context["fragile_error"].(map[string]any)
	require.True(t, ok, "error payload merged at the join")
	assert.Equal(t, true, errOut["error"])
	assert.Equal(t, schema.ErrCodeExecution, errOut["code"])

	steady, ok := run.Context["steady_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, steady["ok"])
}

func TestParallel_ResumeSkipsCompletedBranchSteps(t *testing.T) {
	h := newTestHarness(t)

	var doneCalls, todoCalls int32
	h.registerAgent(t, "done_side", func(context.Context, agents.Invocation) (map[string]any, error) {
		atomic.AddInt32(&doneCalls, 1)
		return map[string]any{"count": float64(2)}, nil
	})
	h.registerAgent(t, "todo_side", func(context.Context, agents.Invocation) (map[string]any, error) {
		atomic.AddInt32(&todoCalls, 1)
		return map[string]any{"checked": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "resumable",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			parallelStep(t, "fan_out", "merge",
				schema.Branch{Name: "done_path", StartStep: "step_done"},
				schema.Branch{Name: "todo_path", StartStep: "step_todo"},
			),
			agentStep(t, "step_done", "done_side", always("merge")),
			agentStep(t, "step_todo", "todo_side", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	// A run persisted mid-region: the first branch already reached the join
	// with its output checkpointed, the second is still at its start step.
	require.NoError(t, h.store.CreateRun(context.Background(), &store.Run{
		ID:                "resume-1",
		DefinitionName:    "resumable",
		DefinitionVersion: "1.0.0",
		Status:            schema.RunStatusInProgress,
		CurrentStep:       "fan_out",
		Context:           map[string]any{"input": map[string]any{}},
		ActiveBranches: mustRaw(t, map[string]branchCheckpoint{
			"done_path": {Cursor: "merge", Delta: map[string]any{"step_done": map[string]any{"count": float64(1)}}},
			"todo_path": {Cursor: "step_todo"},
		}),
		TriggeredBy: "tester",
	}))

	require.NoError(t, h.engine.Advance(context.Background(), "resume-1"))

	run, err := h.store.GetRun(context.Background(), "resume-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	// The completed branch was not re-invoked; its checkpointed output made
	// it into the merged context.
	assert.Equal(t, int32(0), atomic.LoadInt32(&doneCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&todoCalls))

	done, ok := run.Context["step_done"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), done["count"])
	todo, ok := run.Context["step_todo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, todo["checked"])
	assert.Nil(t, run.ActiveBranches)
}

func TestParallel_StepRetryResumesOnlyFailedBranch(t *testing.T) {
	h := newTestHarness(t)

	var flakyCalls, steadyCalls int32
	h.registerAgent(t, "flaky_check", func(context.Context, agents.Invocation) (map[string]any, error) {
		if atomic.AddInt32(&flakyCalls, 1) == 1 {
			return nil, schema.NewError(schema.ErrCodeTimeout, "upstream timeout")
		}
		return map[string]any{"ok": true}, nil
	})
	h.registerAgent(t, "steady_check", func(context.Context, agents.Invocation) (map[string]any, error) {
		atomic.AddInt32(&steadyCalls, 1)
		return map[string]any{"ok": true}, nil
	})

	h.storeDefinition(t, schema.WorkflowDefinition{
		Name:      "retry_region",
		StartStep: "fan_out",
		Steps: []schema.StepDefinition{
			{
				Name: "fan_out",
				Type: schema.StepTypeParallel,
				Config: mustRaw(t, schema.ParallelConfig{
					Branches: []schema.Branch{
						{Name: "flaky", StartStep: "flaky_step"},
						{Name: "steady", StartStep: "steady_step"},
					},
					JoinOn: "merge",
				}),
				Retry: &schema.RetryPolicy{MaxAttempts: 2, DelaySeconds: 0},
			},
			agentStep(t, "flaky_step", "flaky_check", always("merge")),
			agentStep(t, "steady_step", "steady_check", always("merge")),
			joinStep(t, "merge", always("done")),
			endStep(t, "done", "completed"),
		},
	})

	run, err := h.engine.StartRun(context.Background(), "retry_region", "", nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInProgress, run.Status)

	sweepUntilSettled(t, h)

	run, err = h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	// The second attempt re-ran only the branch that had not reached the join.
	assert.Equal(t, int32(2), atomic.LoadInt32(&flakyCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&steadyCalls))

	flaky, ok := run.Context["flaky_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, flaky["ok"])
	steady, ok := run.Context["steady_step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, steady["ok"])
}
