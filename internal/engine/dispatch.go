package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/bankflow/internal/agents"
	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/httpcall"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/internal/telemetry"
	"github.com/rendis/bankflow/pkg/schema"
)

// attemptFunc performs one attempt of a fallible step.
type attemptFunc func(ctx context.Context, attempt int) (map[string]any, error)

// withRetry runs call under the step's retry policy. The task carries the
// attempt count across suspensions, so a deferred retry resumes the count
// where it stopped. breakerKey selects the circuit breaker; empty skips it.
func (e *Engine) withRetry(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task, breakerKey string, call attemptFunc) (stepEvent, error) {
	policy := step.ErrorHandling.Policy()
	ctx = logging.WithTaskID(ctx, task.ID)

	for {
		attempt := task.RetryCount + 1
		out, callErr := e.attempt(ctx, rs, step, task, breakerKey, attempt, call)
		if callErr == nil {
			norm, err := execctx.NormalizeMap(out)
			if err == nil {
				if err := e.closeTask(ctx, rs, task, schema.TaskStatusCompleted, norm, map[string]any{"attempts": attempt}); err != nil {
					return stepEvent{}, err
				}
				return stepOutput(step.Name, norm, task), nil
			}
			callErr = schema.NewErrorf(schema.ErrCodeValidation, "step output is not JSON: %s", err).WithCause(err)
		}

		serr := stepError(step.Name, callErr)
		task.RetryCount = attempt
		task.Error = errorObject(step.Name, serr, attempt)

		if !IsRetryableError(serr) || attempt >= policy.MaxAttempts {
			rs.emit(schema.EventStepFailed, step.Name, task.ID, map[string]any{
				"code": serr.Code, "message": serr.Message, "attempts": attempt,
			})
			if err := e.updateTask(ctx, task); err != nil {
				return stepEvent{}, err
			}
			return stepFailure(step.Name, serr, task), nil
		}

		delay := ComputeBackoff(policy, attempt, e.jitter)
		e.metrics.RecordRetry(ctx, string(step.Type))
		deferred := delay > e.cfg.MaxInlineBackoff
		rs.emit(schema.EventStepRetrying, step.Name, task.ID, map[string]any{
			"attempt": attempt, "code": serr.Code, "delay_ms": delay.Milliseconds(), "deferred": deferred,
		})
		e.log(ctx).Info("retrying step", "attempt", attempt, "max_attempts", policy.MaxAttempts,
			"delay", delay, "deferred", deferred, "error", serr.Message)

		if deferred {
			at := e.now().Add(delay)
			task.RetryAt = &at
			if err := e.updateTask(ctx, task); err != nil {
				return stepEvent{}, err
			}
			return halt(haltSuspended), nil
		}
		if err := e.updateTask(ctx, task); err != nil {
			return stepEvent{}, err
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			cerr := schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").WithStep(step.Name).WithCause(err)
			return stepFailure(step.Name, cerr, task), nil
		}
	}
}

func (e *Engine) attempt(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task, breakerKey string, attempt int, call attemptFunc) (map[string]any, error) {
	ctx, span := telemetry.StartSpan(ctx, "attempt "+step.Name,
		telemetry.AttrRunID.String(rs.run.ID),
		telemetry.AttrTaskID.String(task.ID),
		telemetry.AttrAttempt.Int(attempt),
	)
	var (
		out map[string]any
		err error
	)
	defer func() { telemetry.EndSpanWithError(span, err) }()

	if breakerKey != "" {
		if err = e.breakers.Allow(breakerKey); err != nil {
			return nil, err
		}
	}
	out, err = call(ctx, attempt)
	if breakerKey != "" {
		switch {
		case err == nil:
			e.breakers.Success(breakerKey)
		case IsRetryableError(err):
			if e.breakers.Failure(breakerKey) == CircuitOpen {
				e.log(ctx).Warn("circuit opened", "agent_id", breakerKey)
			}
		}
	}
	return out, err
}

// runAgent executes an agent_execution step. A retried or recovered attempt
// reuses the open task it is entered with.
func (e *Engine) runAgent(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task) (stepEvent, error) {
	if task == nil || !task.Status.IsOpen() {
		task = &store.Task{
			StepName: step.Name,
			Type:     store.TaskTypeAgent,
			Status:   schema.TaskStatusInProgress,
			Input:    rs.results.Snapshot(),
		}
		if err := e.createTask(ctx, rs, task); err != nil {
			return stepEvent{}, err
		}
	}

	agent, resolveErr := e.agents.Resolve(step.Agent)
	var key string
	if resolveErr == nil {
		key = agent.Info().ID
		task.AgentID = key
	}

	return e.withRetry(ctx, rs, step, task, key, func(ctx context.Context, attempt int) (map[string]any, error) {
		if resolveErr != nil {
			return nil, resolveErr
		}
		params, err := e.agentParameters(step, rs.results.Data())
		if err != nil {
			return nil, err
		}
		return invokeAgent(ctx, agent, agents.Request{
			RunID:      rs.run.ID,
			StepName:   step.Name,
			TaskID:     task.ID,
			Attempt:    attempt,
			Context:    rs.results.Snapshot(),
			Parameters: params,
		})
	})
}

func (e *Engine) agentParameters(step *schema.StepDefinition, data map[string]any) (map[string]any, error) {
	if step.Agent == nil || len(step.Agent.Parameters) == 0 {
		return nil, nil
	}
	rendered, err := e.interp.Render(step.Agent.Parameters, data)
	if err != nil {
		return nil, err
	}
	params, _ := rendered.(map[string]any)
	return params, nil
}

func invokeAgent(ctx context.Context, a agents.Agent, req agents.Request) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "agent %s panicked: %v", a.Info().ID, r)
		}
	}()
	return a.Execute(ctx, req)
}

// runAPICall executes an external_api_call step. Templates are rendered on
// every attempt so a retry sees the current context.
func (e *Engine) runAPICall(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task) (stepEvent, error) {
	cfg := step.APICall
	if cfg == nil {
		serr := schema.NewError(schema.ErrCodeValidation, "external_api_call step has no api_call block").WithStep(step.Name)
		return stepFailure(step.Name, serr, task), nil
	}
	if task == nil || !task.Status.IsOpen() {
		task = &store.Task{
			StepName: step.Name,
			Type:     store.TaskTypeAPICall,
			Status:   schema.TaskStatusInProgress,
		}
		if err := e.createTask(ctx, rs, task); err != nil {
			return stepEvent{}, err
		}
	}

	return e.withRetry(ctx, rs, step, task, "", func(ctx context.Context, _ int) (map[string]any, error) {
		req, err := e.renderRequest(cfg, rs.results.Data())
		if err != nil {
			return nil, err
		}
		task.Input = map[string]any{"method": req.Method, "url": req.URL}

		resp, err := e.http.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		out := resp.Output()
		if !cfg.IsSuccess(resp.StatusCode) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s %s returned status %d", req.Method, req.URL, resp.StatusCode).
				WithDetails(map[string]any{"status_code": resp.StatusCode, "body": resp.Body})
		}
		if cfg.ResponseTransform != "" {
			body, err := e.jq.Transform(ctx, cfg.ResponseTransform, out)
			if err != nil {
				return nil, err
			}
			out["body"] = body
		}
		return out, nil
	})
}

func (e *Engine) renderRequest(cfg *schema.APICallConfig, data map[string]any) (httpcall.Request, error) {
	url, err := e.interp.RenderText(cfg.URL, data)
	if err != nil {
		return httpcall.Request{}, err
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if headers[k], err = e.interp.RenderText(v, data); err != nil {
			return httpcall.Request{}, err
		}
	}
	var body any
	if cfg.Body != nil {
		if body, err = e.interp.Render(cfg.Body, data); err != nil {
			return httpcall.Request{}, err
		}
	}
	method := cfg.Method
	if method == "" {
		method = "GET"
	}
	return httpcall.Request{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: cfg.Timeout(0),
	}, nil
}

// openHumanTask parks the run on a human_review, data_input or decision
// task. Decisions with auto_resolve skip the task when the expression
// yields a decision.
func (e *Engine) openHumanTask(ctx context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	cfg := step.Task
	if cfg == nil {
		cfg = &schema.TaskConfig{}
	}

	if step.Type == schema.StepTypeDecision && cfg.AutoResolve != "" {
		v, resolved, err := e.expr.ResolveDecision(ctx, cfg.AutoResolve, rs.results.Snapshot())
		if err != nil {
			return stepFailure(step.Name, stepError(step.Name, err), nil), nil
		}
		if resolved {
			e.log(ctx).Info("decision auto-resolved", "decision", v)
			return stepOutput(step.Name, map[string]any{"decision": v}, nil), nil
		}
	}

	task := &store.Task{
		StepName:         step.Name,
		Type:             taskTypeOf(step.Type),
		Status:           schema.TaskStatusPending,
		UserID:           cfg.AssignToUser,
		Role:             cfg.AssignToRole,
		Instructions:     cfg.Instructions,
		EscalationPolicy: cfg.EscalationPolicy,
		Input:            rs.results.Snapshot(),
	}
	if task.UserID != "" || task.Role != "" {
		task.Status = schema.TaskStatusAssigned
	}
	if cfg.DeadlineMinutes > 0 {
		deadline := e.now().Add(time.Duration(cfg.DeadlineMinutes) * time.Minute)
		task.DeadlineAt = &deadline
	}
	if err := e.createTask(ctx, rs, task); err != nil {
		return stepEvent{}, err
	}
	e.log(ctx).Info("waiting on human task", "task_id", task.ID, "type", string(task.Type), "user_id", task.UserID, "role", task.Role)
	return halt(haltSuspended), nil
}

// reachEnd finishes the run with the step's final_status.
func (e *Engine) reachEnd(_ context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	switch step.FinalStatus {
	case "", schema.RunStatusCompleted:
		return rs.terminate(outcome{status: schema.RunStatusCompleted, step: step.Name}), nil
	case schema.RunStatusFailed:
		return rs.terminate(outcome{
			status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeStepFailed,
			reason: fmt.Sprintf("workflow ended at %q with status failed", step.Name), kind: kindEndFailed,
		}), nil
	case schema.RunStatusCancelled:
		return rs.terminate(outcome{
			status: schema.RunStatusCancelled, step: step.Name,
			reason: fmt.Sprintf("workflow ended at %q with status cancelled", step.Name), kind: kindCancelled,
		}), nil
	}
	return rs.terminate(outcome{
		status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeValidation,
		reason: fmt.Sprintf("end step %q has invalid final_status %q", step.Name, step.FinalStatus), kind: kindEndFailed,
	}), nil
}
