package engine

import (
	"context"
	"fmt"

	"github.com/rendis/bankflow/pkg/schema"
)

// runParallel drives every branch on its own fork of the context through
// the worker pool. Forks are absorbed in declaration order whatever order
// the branches finished in, so the merged context is deterministic.
func (e *Engine) runParallel(ctx context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	rs.results.ResetJoin(step.JoinOn)

	forks := make([]*runState, len(step.Branches))
	errs := make([]error, len(step.Branches))
	batch := e.pool.Batch(ctx)
	for i, br := range step.Branches {
		fork := rs.fork(schema.BranchRef{Parallel: step.Name, Branch: br.Name, JoinOn: step.JoinOn})
		forks[i] = fork
		if err := batch.Go(func(ctx context.Context) {
			defer recoverAs(&errs[i])
			_, errs[i] = e.drive(ctx, fork, enter(br.StartStep, nil))
		}); err != nil {
			errs[i] = err
		}
	}
	batch.Wait()

	for _, f := range forks {
		rs.results.Absorb(f.results)
		rs.events = append(rs.events, f.events...)
	}

	for i, err := range errs {
		if err != nil {
			br := step.Branches[i].Name
			e.log(ctx).Error("branch aborted", "branch", br, "error", err)
			return rs.terminate(outcome{
				status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeExecution,
				reason: fmt.Sprintf("branch %q: %s", br, err), kind: kindStepFailed,
			}), nil
		}
	}
	for i, f := range forks {
		if f.outcome != nil {
			e.log(ctx).Info("branch ended the run", "branch", step.Branches[i].Name, "status", string(f.outcome.status))
			return rs.terminate(*f.outcome), nil
		}
	}
	return enter(step.JoinOn, nil), nil
}

// evaluateJoin releases the barrier once every branch of the owning
// parallel step has arrived. It fires at most once per parallel entry.
func (e *Engine) evaluateJoin(ctx context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	owners := rs.idx.JoinOwners(step.Name)
	if len(owners) == 0 {
		return rs.terminate(outcome{
			status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeValidation,
			reason: fmt.Sprintf("join %q is not the join_on of any parallel step", step.Name), kind: kindStepFailed,
		}), nil
	}
	parallel, _ := rs.idx.Step(owners[0])

	var waiting []string
	for _, br := range parallel.Branches {
		if !rs.results.HasArrived(step.Name, br.Name) {
			waiting = append(waiting, br.Name)
		}
	}
	if len(waiting) > 0 {
		e.log(ctx).Info("join waiting on branches", "waiting", waiting)
		return halt(haltSuspended), nil
	}
	if !rs.results.MarkReleased(step.Name) {
		return halt(haltStale), nil
	}

	arrivals := rs.results.Arrivals(step.Name)
	rs.emit(schema.EventJoinReleased, step.Name, "", map[string]any{"parallel": parallel.Name, "branches": len(arrivals)})
	return stepOutput(step.Name, arrivals, nil), nil
}
