package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/logging"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/store"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// branchResult collects what one branch contributed before reaching the join.
type branchResult struct {
	name  string
	delta map[string]any
	err   error
}

// branchCheckpoint is the persisted position and accumulated output of one
// branch, keyed by branch name in the run's active_parallel_branches column.
// A crash or scheduled retry re-enters the region from these checkpoints, so
// steps a branch already completed are not invoked again.
type branchCheckpoint struct {
	Cursor string         `json:"cursor"`
	Delta  map[string]any `json:"delta,omitempty"`
}

// executeParallel fans the run out into its branches, waits for the join
// barrier, merges branch contexts in declared order (earlier branches win on
// key collision), and advances from the join step. The run's lock is held
// for the whole region, so branch completions cannot interleave with other
// advancement operations; per-branch checkpoints are persisted as branches
// move so a restart resumes each branch where it was. attempt is 1-based and
// carries the step's retry count across resumed attempts.
func (e *Engine) executeParallel(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition, step *schema.StepDefinition, attempt int) (bool, error) {
	var cfg schema.ParallelConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return true, e.failRun(ctx, run, schema.NewError(schema.ErrCodeValidation, "invalid parallel config").WithStep(step.Name).WithCause(err))
	}
	if len(cfg.Branches) == 0 {
		return true, e.failRun(ctx, run, schema.NewError(schema.ErrCodeValidation, "parallel step has no branches").WithStep(step.Name))
	}

	if attempt == 1 {
		e.appendEvent(ctx, run.ID, step.Name, schema.EventStepEntered, nil)
	}

	checkpoints := make(map[string]branchCheckpoint, len(cfg.Branches))
	if len(run.ActiveBranches) > 0 {
		if err := json.Unmarshal(run.ActiveBranches, &checkpoints); err != nil {
			checkpoints = make(map[string]branchCheckpoint, len(cfg.Branches))
		}
	}
	for _, b := range cfg.Branches {
		if _, ok := checkpoints[b.Name]; !ok {
			checkpoints[b.Name] = branchCheckpoint{Cursor: b.StartStep}
		}
	}
	var cursorMu sync.Mutex
	if err := e.persistBranchState(ctx, run.ID, checkpoints); err != nil {
		return true, err
	}

	results := make([]branchResult, len(cfg.Branches))
	var wg sync.WaitGroup
	for i, branch := range cfg.Branches {
		i, branch := i, branch
		e.appendEvent(ctx, run.ID, step.Name, schema.EventBranchStarted, map[string]any{"branch": branch.Name})

		wg.Add(1)
		work := func(ctx context.Context) error {
			defer wg.Done()
			results[i] = e.runBranch(ctx, run, def, branch, cfg.JoinOn, checkpoints, &cursorMu)
			return results[i].err
		}
		if err := e.pool.Submit(ctx, work); err != nil {
			wg.Done()
			results[i] = branchResult{name: branch.Name, err: err}
		}
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			return e.handleStepFailure(ctx, run, step, attempt, res.err)
		}
	}

	// Barrier closed: merge in declared order. Keys already present, whether
	// from the pre-fork context or an earlier branch, are not overwritten.
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	for _, res := range results {
		for k, v := range res.delta {
			if _, exists := run.Context[k]; !exists {
				run.Context[k] = v
			}
		}
		e.appendEvent(ctx, run.ID, step.Name, schema.EventBranchCompleted, map[string]any{"branch": res.name})
	}
	e.appendEvent(ctx, run.ID, cfg.JoinOn, schema.EventJoinSatisfied, map[string]any{"branches": len(results)})

	joinStep := def.Step(cfg.JoinOn)
	if joinStep == nil {
		return true, e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeNotFound,
			"join step %q not found", cfg.JoinOn).WithStep(step.Name))
	}

	next := cfg.JoinOn
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		CurrentStep:    &next,
		Context:        run.Context,
		ActiveBranches: json.RawMessage{},
	}); err != nil {
		return true, err
	}
	run.CurrentStep = next

	return e.finishStep(ctx, run, joinStep, nil)
}

// runBranch advances one branch from its checkpoint to the join. Branches
// evaluate conditions against a branch-local copy of the run context; their
// step outputs are recorded in the delta and merged only at the join.
// Only synchronous step types may appear inside a branch.
func (e *Engine) runBranch(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition, branch schema.Branch, joinOn string, checkpoints map[string]branchCheckpoint, cursorMu *sync.Mutex) branchResult {
	res := branchResult{name: branch.Name, delta: make(map[string]any)}

	local := make(map[string]any, len(run.Context))
	for k, v := range run.Context {
		local[k] = v
	}

	cursorMu.Lock()
	cp := checkpoints[branch.Name]
	cursorMu.Unlock()
	for k, v := range cp.Delta {
		local[k] = v
		res.delta[k] = v
	}

	cur := cp.Cursor
	// Each visit consumes one step; the bound catches accidental loops that
	// never reach the join.
	maxHops := len(def.Steps)*4 + 1
	for hops := 0; cur != joinOn; hops++ {
		if hops >= maxHops {
			res.err = schema.NewErrorf(schema.ErrCodeExecution,
				"branch %q did not reach join %q", branch.Name, joinOn)
			return res
		}

		step := def.Step(cur)
		if step == nil {
			res.err = schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", cur)
			return res
		}
		if step.Type != schema.StepTypeAgentExecution && step.Type != schema.StepTypeExternalAPICall {
			res.err = schema.NewErrorf(schema.ErrCodeValidation,
				"step type %q is not allowed inside a parallel branch", step.Type).WithStep(cur)
			return res
		}

		stepCtx := logging.WithStepName(ctx, cur)
		output, ns, err := e.runBranchStep(stepCtx, run, step, local, branch.Name)
		if err != nil {
			res.err = err
			return res
		}

		local[ns] = output
		res.delta[ns] = output
		e.appendEvent(stepCtx, run.ID, cur, schema.EventStepCompleted, map[string]any{"branch": branch.Name, "output": output})

		next, ok := e.resolver.Resolve(step, local, output)
		if !ok {
			res.err = schema.NewErrorf(schema.ErrCodeNoTransition,
				"no transition matched in branch %q after step %q", branch.Name, cur).WithStep(cur)
			return res
		}
		cur = next

		delta := make(map[string]any, len(res.delta))
		for k, v := range res.delta {
			delta[k] = v
		}
		cursorMu.Lock()
		checkpoints[branch.Name] = branchCheckpoint{Cursor: cur, Delta: delta}
		err = e.persistBranchState(ctx, run.ID, checkpoints)
		cursorMu.Unlock()
		if err != nil {
			res.err = err
			return res
		}
	}

	return res
}

// runBranchStep invokes one branch step under its own retry policy. Retries
// inside a branch wait in place rather than parking the run; the whole region
// holds the run's lock. On exhaustion, continue_with_error resolves to the
// error payload so the branch can still reach the join; every other failure
// action fails the branch and is handled at the parallel step. Returns the
// output and the namespace to record it under.
func (e *Engine) runBranchStep(ctx context.Context, run *store.Run, step *schema.StepDefinition, local map[string]any, branchName string) (map[string]any, string, error) {
	branchRun := &store.Run{ID: run.ID, Context: local}
	for attempt := 1; ; attempt++ {
		output, err := e.invokeStep(ctx, branchRun, step)
		if err == nil {
			return output, step.Namespace(), nil
		}

		logging.LogWith(ctx, e.logger).Warn("branch step failed",
			"branch", branchName, "attempt", attempt, "error", err)
		e.appendEvent(ctx, run.ID, step.Name, schema.EventStepFailed, map[string]any{
			"branch":  branchName,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if IsRetryableError(err) {
			if delay, ok := NextAttempt(step.Retry, attempt); ok {
				if delay > 0 {
					select {
					case <-ctx.Done():
						return nil, "", ctx.Err()
					case <-time.After(delay):
					}
				}
				continue
			}
		}

		if step.OnFailure != nil && step.OnFailure.Action == schema.FailureContinueWithError {
			ns := step.Namespace()
			if step.OnFailure.ErrorOutputNamespace != "" {
				ns = step.OnFailure.ErrorOutputNamespace
			}
			return errorAsOutput(err), ns, nil
		}
		return nil, "", err
	}
}

// persistBranchState stores the per-branch checkpoints on the run record.
func (e *Engine) persistBranchState(ctx context.Context, runID string, checkpoints map[string]branchCheckpoint) error {
	raw, err := json.Marshal(checkpoints)
	if err != nil {
		return err
	}
	return e.store.UpdateRun(ctx, runID, store.RunUpdate{ActiveBranches: raw})
}
