package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bankflow/internal/agents"
	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// --- harness ---

type harness struct {
	t     *testing.T
	ctx   context.Context
	eng   *Engine
	st    *store.MemoryStore
	reg   *agents.Registry
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		st:    store.NewMemoryStore(),
		reg:   agents.NewRegistry(),
		clock: newFakeClock(),
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.MaxInlineBackoff == 0 {
		cfg.MaxInlineBackoff = time.Second
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithJitter(func(d time.Duration) time.Duration { return d }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	eng, err := New(h.st, h.reg, cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	h.eng = eng
	return h
}

func (h *harness) agent(id string, fn func(context.Context, agents.Request) (map[string]any, error)) {
	h.t.Helper()
	require.NoError(h.t, h.reg.Register(agents.Func(agents.Info{ID: id, Kind: agents.KindSystem, Identifier: id}, fn)))
}

// flaky fails the first n calls and then returns out.
func (h *harness) flaky(id string, n int32, out map[string]any) *atomic.Int32 {
	var calls atomic.Int32
	h.agent(id, func(context.Context, agents.Request) (map[string]any, error) {
		if calls.Add(1) <= n {
			return nil, errors.New("bureau unavailable")
		}
		return out, nil
	})
	return &calls
}

func (h *harness) define(def schema.WorkflowDefinition) *schema.WorkflowDefinition {
	h.t.Helper()
	res, err := h.eng.RegisterDefinition(h.ctx, &def)
	require.NoError(h.t, err, "%+v", res)
	return &def
}

func (h *harness) start(name string, input map[string]any) *store.Run {
	h.t.Helper()
	run, err := h.eng.StartRun(h.ctx, schema.DefinitionRef{Name: name}, input)
	require.NoError(h.t, err)
	return run
}

func (h *harness) run(id string) *store.Run {
	h.t.Helper()
	run, err := h.st.GetRun(h.ctx, id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) task(runID, step string) *store.Task {
	h.t.Helper()
	tasks, err := h.st.ListTasks(h.ctx, store.TaskFilter{RunID: runID, StepName: step})
	require.NoError(h.t, err)
	require.Len(h.t, tasks, 1, "tasks of step %s", step)
	return tasks[0]
}

func (h *harness) events(runID string) []string {
	h.t.Helper()
	evs, err := h.st.ListEvents(h.ctx, runID, 0)
	require.NoError(h.t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func field(t *testing.T, results map[string]any, path string) any {
	t.Helper()
	v, ok := execctx.Lookup(results, path)
	require.True(t, ok, "path %s missing in %v", path, results)
	return v
}

func always(to string) []schema.Transition {
	return []schema.Transition{{To: to}}
}

func endStep(name string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Type: schema.StepTypeEnd}
}

func agentStep(name, agentID string, to string) schema.StepDefinition {
	return schema.StepDefinition{
		Name:        name,
		Type:        schema.StepTypeAgentExecution,
		Agent:       &schema.AgentSelector{AgentID: agentID},
		Transitions: always(to),
	}
}

func retrying(maxAttempts int, delay float64, onFailure *schema.OnFailure, ns string) *schema.ErrorHandling {
	return &schema.ErrorHandling{
		RetryPolicy:          &schema.RetryPolicy{MaxAttempts: maxAttempts, DelaySeconds: delay},
		OnFailure:            onFailure,
		ErrorOutputNamespace: ns,
	}
}

// --- definitions ---

func TestEngine_RegisterDefinition(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.eng.RegisterDefinition(h.ctx, &schema.WorkflowDefinition{
		Name:      "broken",
		StartStep: "a",
		Steps: []schema.StepDefinition{
			{Name: "a", Type: schema.StepTypeHumanReview, Task: &schema.TaskConfig{AssignToRole: "ops"}, Transitions: always("missing")},
		},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, res.Valid())
	assert.True(t, res.Mentions("missing"))

	defs, err := h.st.ListDefinitions(h.ctx, store.DefinitionFilter{})
	require.NoError(t, err)
	assert.Empty(t, defs)

	v1 := h.define(schema.WorkflowDefinition{Name: "onboard", StartStep: "done", Steps: []schema.StepDefinition{endStep("done")}})
	v2 := h.define(schema.WorkflowDefinition{Name: "onboard", StartStep: "fin", Steps: []schema.StepDefinition{endStep("fin")}})
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.NotEmpty(t, v2.ID)

	run := h.start("onboard", nil)
	assert.Equal(t, 2, run.WorkflowVersion)
	assert.Equal(t, "fin", run.CurrentStep)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestEngine_StartRunValidatesInput(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "payment",
		StartStep: "done",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"amount"},
			"properties": map[string]any{
				"amount": map[string]any{"type": "number"},
			},
		},
		Steps: []schema.StepDefinition{endStep("done")},
	})

	_, err := h.eng.StartRun(h.ctx, schema.DefinitionRef{Name: "payment"}, map[string]any{"currency": "EUR"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	runs, err := h.st.ListRuns(h.ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	run := h.start("payment", map[string]any{"amount": 120})
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, 120.0, field(t, run.Results, "context.amount"))
}

func TestEngine_StartRunUnknownDefinition(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.eng.StartRun(h.ctx, schema.DefinitionRef{Name: "nope"}, nil)
	assert.True(t, schema.IsNotFound(err))
}

// --- transitions ---

func creditCheck(h *harness) {
	h.agent("scorer", func(_ context.Context, req agents.Request) (map[string]any, error) {
		trigger := req.Context["context"].(map[string]any)
		return map[string]any{"score": trigger["score"]}, nil
	})
	h.define(schema.WorkflowDefinition{
		Name:      "credit-check",
		StartStep: "score",
		Steps: []schema.StepDefinition{
			{
				Name:  "score",
				Type:  schema.StepTypeAgentExecution,
				Agent: &schema.AgentSelector{AgentID: "scorer"},
				Transitions: []schema.Transition{
					{To: "approve", ConditionType: schema.ConditionConditional, ConditionGroup: schema.All(schema.Cond("score", schema.OpGreaterEq, 700))},
					{To: "reject"},
				},
			},
			endStep("approve"),
			{Name: "reject", Type: schema.StepTypeEnd, FinalStatus: schema.RunStatusFailed},
		},
	})
}

func TestEngine_ConditionalBranch(t *testing.T) {
	h := newHarness(t, Config{})
	creditCheck(h)

	approved := h.start("credit-check", map[string]any{"score": 750})
	assert.Equal(t, schema.RunStatusCompleted, approved.Status)
	assert.Equal(t, "approve", approved.CurrentStep)
	assert.Equal(t, 750.0, approved.Results["score"])
	assert.NotNil(t, approved.StartTime)
	assert.NotNil(t, approved.EndTime)
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepEntered, schema.EventTaskCreated, schema.EventTaskCompleted, schema.EventStepCompleted,
		schema.EventStepEntered,
		schema.EventRunCompleted,
	}, h.events(approved.ID))

	rejected := h.start("credit-check", map[string]any{"score": 500})
	assert.Equal(t, schema.RunStatusFailed, rejected.Status)
	assert.Equal(t, "reject", rejected.FailedStep)
	assert.Equal(t, kindEndFailed, field(t, rejected.Results, "__failure__.kind"))
	assert.Equal(t, "reject", field(t, rejected.Results, "__failure__.step"))

	stored := h.run(rejected.ID)
	assert.Equal(t, schema.RunStatusFailed, stored.Status)
	assert.Equal(t, rejected.Version, stored.Version)
}

func TestEngine_ExpressionTransition(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "limits",
		StartStep: "route",
		Steps: []schema.StepDefinition{
			{
				Name: "route",
				Type: schema.StepTypeDecision,
				Task: &schema.TaskConfig{AutoResolve: `context.amount > 10000 ? "manual" : "auto"`},
				Transitions: []schema.Transition{
					{To: "manual", ConditionType: schema.ConditionExpression, Expression: `results.decision == "manual"`},
					{To: "auto"},
				},
			},
			endStep("manual"),
			endStep("auto"),
		},
	})

	assert.Equal(t, "manual", h.start("limits", map[string]any{"amount": 25000}).CurrentStep)
	assert.Equal(t, "auto", h.start("limits", map[string]any{"amount": 20}).CurrentStep)
}

func TestEngine_WorkflowStall(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "stall",
		StartStep: "gate",
		Steps: []schema.StepDefinition{
			{
				Name: "gate",
				Type: schema.StepTypeDecision,
				Task: &schema.TaskConfig{AutoResolve: "context.amount > 100"},
				Transitions: []schema.Transition{
					{To: "done", ConditionType: schema.ConditionConditional, ConditionGroup: schema.All(schema.Cond("decision", schema.OpEqual, true))},
				},
			},
			endStep("done"),
		},
	})

	run := h.start("stall", map[string]any{"amount": 50})
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "gate", run.FailedStep)
	assert.Equal(t, false, run.Results["decision"])
	assert.Equal(t, kindWorkflowStall, field(t, run.Results, "__failure__.kind"))
	assert.Equal(t, "gate", field(t, run.Results, "__failure__.step"))
	assert.Contains(t, run.Error, "no transition")
}

// --- retries and failure routing ---

func TestEngine_RetryThenFail(t *testing.T) {
	h := newHarness(t, Config{})
	calls := h.flaky("bureau", 100, nil)

	step := agentStep("score", "bureau", "done")
	step.ErrorHandling = retrying(3, 0, nil, "")
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "score", run.FailedStep)
	assert.EqualValues(t, 3, calls.Load())

	assert.Equal(t, 3.0, field(t, run.Results, "error.attempts"))
	assert.Equal(t, 2.0, field(t, run.Results, "error.retry_attempts_made"))
	assert.Equal(t, schema.ErrCodeExecution, field(t, run.Results, "error.code"))
	assert.Equal(t, kindStepFailed, field(t, run.Results, "__failure__.kind"))

	task := h.task(run.ID, "score")
	assert.Equal(t, schema.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)

	evs := h.events(run.ID)
	assert.Equal(t, 2, count(evs, schema.EventStepRetrying))
	assert.Equal(t, 1, count(evs, schema.EventStepFailed))
	assert.Equal(t, schema.EventRunFailed, evs[len(evs)-1])
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, Config{})
	calls := h.flaky("bureau", 1, map[string]any{"score": 640})

	step := agentStep("score", "bureau", "done")
	step.ErrorHandling = retrying(3, 0.001, nil, "")
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 640.0, run.Results["score"])

	task := h.task(run.ID, "score")
	assert.Equal(t, schema.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "bureau", task.AgentID)
}

func TestEngine_RetryThenFallback(t *testing.T) {
	h := newHarness(t, Config{})
	calls := h.flaky("bureau", 100, nil)
	h.agent("manual-score", func(context.Context, agents.Request) (map[string]any, error) {
		return map[string]any{"score": 600, "source": "manual"}, nil
	})

	step := agentStep("score", "bureau", "done")
	step.ErrorHandling = retrying(2, 0, &schema.OnFailure{Action: schema.FailureTransitionToStep, NextStep: "fallback"}, "score_error")
	h.define(schema.WorkflowDefinition{
		Name:      "score",
		StartStep: "score",
		Steps:     []schema.StepDefinition{step, agentStep("fallback", "manual-score", "done"), endStep("done")},
	})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "manual", run.Results["source"])
	assert.Equal(t, 2.0, field(t, run.Results, "score_error.attempts"))
	assert.Equal(t, "score", field(t, run.Results, "score_error.step"))
	assert.Equal(t, 1, count(h.events(run.ID), schema.EventStepRouted))
}

func TestEngine_NonRetryableErrorSkipsAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	h.agent("kyc", func(context.Context, agents.Request) (map[string]any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "document number malformed")
	})
	step := agentStep("kyc", "kyc", "done")
	step.ErrorHandling = retrying(5, 0, nil, "")
	h.define(schema.WorkflowDefinition{Name: "kyc", StartStep: "kyc", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("kyc", nil)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, schema.ErrCodeValidation, field(t, run.Results, "error.code"))
}

func TestEngine_ContinueWithError(t *testing.T) {
	h := newHarness(t, Config{})
	h.flaky("bureau", 100, nil)

	step := agentStep("score", "bureau", "")
	step.ErrorHandling = retrying(1, 0, &schema.OnFailure{Action: schema.FailureContinueWithError}, "")
	step.Transitions = []schema.Transition{
		{To: "degraded", ConditionType: schema.ConditionConditional, ConditionGroup: schema.All(schema.Cond("error.code", schema.OpExists, nil))},
		{To: "done"},
	}
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("degraded"), endStep("done")}})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "degraded", run.CurrentStep)
	assert.Equal(t, schema.ErrCodeExecution, field(t, run.Results, "output.code"))
}

func TestEngine_ManualIntervention(t *testing.T) {
	h := newHarness(t, Config{})
	h.flaky("bureau", 100, nil)

	step := agentStep("score", "bureau", "done")
	step.ErrorHandling = retrying(2, 0, &schema.OnFailure{Action: schema.FailureManualIntervention}, "")
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusInProgress, run.Status)
	assert.Equal(t, "score", run.CurrentStep)
	assert.Equal(t, schema.ErrCodeExecution, field(t, run.Results, "error.code"))

	task := h.task(run.ID, "score")
	assert.Equal(t, schema.TaskStatusRequiresEscalation, task.Status)
	assert.Equal(t, schema.ErrCodeExecution, task.Error["code"])
	assert.NotNil(t, task.EscalatedAt)

	resumed, err := h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, map[string]any{"score": 710}, "ops-lead")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Equal(t, 710.0, resumed.Results["score"])
	assert.Equal(t, "ops-lead", h.task(run.ID, "score").CompletedBy)
}

func TestEngine_DeferredRetry(t *testing.T) {
	h := newHarness(t, Config{MaxInlineBackoff: time.Second})
	calls := h.flaky("bureau", 1, map[string]any{"score": 680})

	step := agentStep("score", "bureau", "done")
	step.ErrorHandling = retrying(3, 60, nil, "")
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusInProgress, run.Status)
	task := h.task(run.ID, "score")
	assert.Equal(t, schema.TaskStatusInProgress, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.RetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *task.RetryAt)
	assert.Contains(t, h.events(run.ID), schema.EventRunSuspended)

	n, err := h.eng.ProcessDueRetries(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(61 * time.Second)
	n, err = h.eng.ProcessDueRetries(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.EqualValues(t, 2, calls.Load())
	done := h.run(run.ID)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)
	assert.Equal(t, 680.0, done.Results["score"])
	assert.Equal(t, schema.TaskStatusCompleted, h.task(run.ID, "score").Status)
}

func TestEngine_CircuitBreaker(t *testing.T) {
	h := newHarness(t, Config{BreakerThreshold: 2, BreakerCooldown: time.Minute})
	calls := h.flaky("bureau", 100, nil)
	h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{agentStep("score", "bureau", "done"), endStep("done")}})

	for range 2 {
		assert.Equal(t, schema.RunStatusFailed, h.start("score", nil).Status)
	}
	run := h.start("score", nil)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, schema.ErrCodeCircuitOpen, field(t, run.Results, "error.code"))
	assert.EqualValues(t, 2, calls.Load())

	h.clock.Advance(2 * time.Minute)
	h.start("score", nil)
	assert.EqualValues(t, 3, calls.Load())
}

func TestEngine_AgentPanicIsAStepFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.agent("buggy", func(context.Context, agents.Request) (map[string]any, error) {
		panic("nil ledger")
	})
	h.define(schema.WorkflowDefinition{Name: "p", StartStep: "a", Steps: []schema.StepDefinition{agentStep("a", "buggy", "done"), endStep("done")}})

	run := h.start("p", nil)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, field(t, run.Results, "error.message"), "panicked")
}

func TestEngine_AgentParametersAreRendered(t *testing.T) {
	h := newHarness(t, Config{})
	var got agents.Request
	h.agent("notify", func(_ context.Context, req agents.Request) (map[string]any, error) {
		got = req
		return map[string]any{"sent": true}, nil
	})
	step := agentStep("notify", "notify", "done")
	step.Agent.Parameters = map[string]any{
		"to":      "${{ context.email }}",
		"subject": "Loan ${{ context.loan_id }} approved",
	}
	h.define(schema.WorkflowDefinition{Name: "n", StartStep: "notify", Steps: []schema.StepDefinition{step, endStep("done")}})

	run := h.start("n", map[string]any{"email": "ana@example.com", "loan_id": "L-9"})
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "ana@example.com", got.Parameters["to"])
	assert.Equal(t, "Loan L-9 approved", got.Parameters["subject"])
	assert.Equal(t, run.ID, got.RunID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "ana@example.com", field(t, got.Context, "context.email"))
}

// --- external api calls ---

func TestEngine_ExternalAPICall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/rates/EUR":
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"rate": 4.5, "currency": "EUR"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "fx",
		StartStep: "rate",
		Steps: []schema.StepDefinition{
			{
				Name: "rate",
				Type: schema.StepTypeExternalAPICall,
				APICall: &schema.APICallConfig{
					URL:               srv.URL + "/rates/${{ context.currency }}",
					Headers:           map[string]string{"X-Api-Key": "${{ context.key }}"},
					ResponseTransform: ".body.rate",
				},
				OutputNamespace: "fx",
				ErrorHandling:   retrying(2, 0, nil, ""),
				Transitions:     always("done"),
			},
			endStep("done"),
		},
	})

	run := h.start("fx", map[string]any{"currency": "EUR", "key": "k-1"})
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, 4.5, field(t, run.Results, "fx.body"))
	assert.Equal(t, 200.0, field(t, run.Results, "fx.status_code"))

	failed := h.start("fx", map[string]any{"currency": "XXX", "key": "k-1"})
	assert.Equal(t, schema.RunStatusFailed, failed.Status)
	assert.Equal(t, 404.0, field(t, failed.Results, "error.status_code"))
	assert.Equal(t, 2.0, field(t, failed.Results, "error.attempts"))
}

// --- human tasks ---

func TestEngine_DataInputTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "collect",
		StartStep: "income",
		Steps: []schema.StepDefinition{
			{
				Name: "income",
				Type: schema.StepTypeDataInput,
				Task: &schema.TaskConfig{
					AssignToRole: "ops",
					Instructions: "Enter the declared monthly income",
					OutputSchema: map[string]any{
						"type":       "object",
						"required":   []any{"income"},
						"properties": map[string]any{"income": map[string]any{"type": "number"}},
					},
				},
				OutputNamespace: "applicant",
				Transitions:     always("done"),
			},
			endStep("done"),
		},
	})

	run := h.start("collect", map[string]any{"customer": "c-1"})
	assert.Equal(t, schema.RunStatusInProgress, run.Status)
	assert.Equal(t, "income", run.CurrentStep)

	task := h.task(run.ID, "income")
	assert.Equal(t, schema.TaskStatusAssigned, task.Status)
	assert.Equal(t, "ops", task.Role)
	assert.Equal(t, store.TaskTypeDataInput, task.Type)
	assert.Equal(t, "Enter the declared monthly income", task.Instructions)
	assert.Equal(t, "c-1", field(t, task.Input, "context.customer"))
	assert.Nil(t, task.DeadlineAt)

	_, err := h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, map[string]any{"income": "lots"}, "alice")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.True(t, h.task(run.ID, "income").Status.IsOpen())

	done, err := h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, map[string]any{"income": 5200}, "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)
	assert.Equal(t, 5200.0, field(t, done.Results, "applicant.income"))

	closed := h.task(run.ID, "income")
	assert.Equal(t, schema.TaskStatusCompleted, closed.Status)
	assert.Equal(t, "alice", closed.CompletedBy)
	assert.NotNil(t, closed.CompletedAt)

	_, err = h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, map[string]any{"income": 1}, "alice")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestEngine_AssignTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "review",
		StartStep: "review",
		Steps: []schema.StepDefinition{
			{Name: "review", Type: schema.StepTypeHumanReview, Task: &schema.TaskConfig{Instructions: "check"}, Transitions: always("done")},
			endStep("done"),
		},
	})
	run := h.start("review", nil)
	task := h.task(run.ID, "review")
	assert.Equal(t, schema.TaskStatusPending, task.Status)

	assigned, err := h.eng.AssignTask(h.ctx, task.ID, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusAssigned, assigned.Status)
	assert.Equal(t, "carol", h.task(run.ID, "review").UserID)
	assert.Contains(t, h.events(run.ID), schema.EventTaskAssigned)

	_, err = h.eng.AssignTask(h.ctx, task.ID, "", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func escalationWorkflow(h *harness, name string, policy *schema.EscalationPolicy) {
	h.define(schema.WorkflowDefinition{
		Name:      name,
		StartStep: "approve",
		Steps: []schema.StepDefinition{
			{
				Name: "approve",
				Type: schema.StepTypeHumanReview,
				Task: &schema.TaskConfig{
					AssignToUser:     "dave",
					DeadlineMinutes:  30,
					EscalationPolicy: policy,
				},
				Transitions: always("done"),
			},
			endStep("done"),
		},
	})
}

func TestEngine_Escalation(t *testing.T) {
	t.Run("escalate", func(t *testing.T) {
		h := newHarness(t, Config{})
		escalationWorkflow(h, "esc", &schema.EscalationPolicy{Action: schema.EscalationEscalate, EscalateToRole: "supervisor", ExtendMinutes: 60})
		run := h.start("esc", nil)

		task := h.task(run.ID, "approve")
		require.NotNil(t, task.DeadlineAt)
		assert.Equal(t, h.clock.Now().Add(30*time.Minute), *task.DeadlineAt)

		n, err := h.eng.ProcessOverdueTasks(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		h.clock.Advance(31 * time.Minute)
		n, err = h.eng.ProcessOverdueTasks(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		task = h.task(run.ID, "approve")
		assert.Equal(t, schema.TaskStatusRequiresEscalation, task.Status)
		assert.Equal(t, "supervisor", task.Role)
		require.NotNil(t, task.EscalatedAt)
		require.NotNil(t, task.DeadlineAt)
		assert.Equal(t, h.clock.Now().Add(time.Hour), *task.DeadlineAt)
		assert.Contains(t, h.events(run.ID), schema.EventTaskEscalated)
		assert.Equal(t, schema.RunStatusInProgress, h.run(run.ID).Status)
	})

	t.Run("reassign", func(t *testing.T) {
		h := newHarness(t, Config{})
		escalationWorkflow(h, "re", &schema.EscalationPolicy{Action: schema.EscalationReassign, ReassignToUser: "erin"})
		run := h.start("re", nil)

		h.clock.Advance(time.Hour)
		n, err := h.eng.ProcessOverdueTasks(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		task := h.task(run.ID, "approve")
		assert.Equal(t, schema.TaskStatusAssigned, task.Status)
		assert.Equal(t, "erin", task.UserID)
		assert.Nil(t, task.DeadlineAt)

		n, err = h.eng.ProcessOverdueTasks(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("auto_complete", func(t *testing.T) {
		h := newHarness(t, Config{})
		escalationWorkflow(h, "auto", &schema.EscalationPolicy{Action: schema.EscalationAutoComplete, DefaultOutput: map[string]any{"approved": false}})
		run := h.start("auto", nil)

		h.clock.Advance(31 * time.Minute)
		n, err := h.eng.ProcessOverdueTasks(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		done := h.run(run.ID)
		assert.Equal(t, schema.RunStatusCompleted, done.Status)
		assert.Equal(t, false, done.Results["approved"])
		assert.Equal(t, systemActor, h.task(run.ID, "approve").CompletedBy)
	})
}

// --- parallel and join ---

func reviewsWorkflow(h *harness) {
	review := func(name, role, ns string) schema.StepDefinition {
		return schema.StepDefinition{
			Name:            name,
			Type:            schema.StepTypeHumanReview,
			Task:            &schema.TaskConfig{AssignToRole: role},
			OutputNamespace: ns,
			Transitions:     always("merge"),
		}
	}
	h.define(schema.WorkflowDefinition{
		Name:      "reviews",
		StartStep: "reviews",
		Steps: []schema.StepDefinition{
			{
				Name:   "reviews",
				Type:   schema.StepTypeParallel,
				JoinOn: "merge",
				Branches: []schema.Branch{
					{Name: "credit", StartStep: "credit_review", Steps: []schema.StepDefinition{review("credit_review", "credit", "credit")}},
					{Name: "risk", StartStep: "risk_review", Steps: []schema.StepDefinition{review("risk_review", "risk", "risk")}},
				},
			},
			{Name: "merge", Type: schema.StepTypeJoin, Transitions: always("done")},
			endStep("done"),
		},
	})
}

func TestEngine_ParallelCompletionOrder(t *testing.T) {
	outputs := map[string]map[string]any{
		"credit_review": {"approved": true, "limit": 15000},
		"risk_review":   {"approved": true, "rating": "B"},
	}

	runOrder := func(t *testing.T, order ...string) *store.Run {
		h := newHarness(t, Config{})
		reviewsWorkflow(h)

		run := h.start("reviews", nil)
		assert.Equal(t, schema.RunStatusInProgress, run.Status)
		assert.Equal(t, "merge", run.CurrentStep)

		for i, step := range order {
			task := h.task(run.ID, step)
			got, err := h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, outputs[step], "reviewer")
			require.NoError(t, err)
			if i < len(order)-1 {
				assert.Equal(t, schema.RunStatusInProgress, got.Status)
			}
		}
		done := h.run(run.ID)
		require.Equal(t, schema.RunStatusCompleted, done.Status)
		evs := h.events(run.ID)
		assert.Equal(t, 2, count(evs, schema.EventJoinArrived))
		assert.Equal(t, 1, count(evs, schema.EventJoinReleased))
		return done
	}

	creditFirst := runOrder(t, "credit_review", "risk_review")
	riskFirst := runOrder(t, "risk_review", "credit_review")

	delete(creditFirst.Results, execctx.KeyContext)
	delete(riskFirst.Results, execctx.KeyContext)
	assert.Equal(t, creditFirst.Results, riskFirst.Results)
	assert.Equal(t, 15000.0, field(t, creditFirst.Results, "credit.limit"))
	assert.Equal(t, "B", field(t, creditFirst.Results, "risk.rating"))
}

func TestEngine_ParallelConcurrentCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	reviewsWorkflow(h)
	run := h.start("reviews", nil)

	var wg sync.WaitGroup
	for _, step := range []string{"credit_review", "risk_review"} {
		task := h.task(run.ID, step)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.ResumeOnTaskCompletion(h.ctx, task.ID, map[string]any{"approved": true}, "reviewer")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, schema.RunStatusCompleted, h.run(run.ID).Status)
	assert.Equal(t, 1, count(h.events(run.ID), schema.EventJoinReleased))
}

func TestEngine_ParallelAgentsAndIdempotentArrival(t *testing.T) {
	h := newHarness(t, Config{})
	h.agent("kyc", func(context.Context, agents.Request) (map[string]any, error) {
		return map[string]any{"verified": true}, nil
	})
	h.agent("aml", func(context.Context, agents.Request) (map[string]any, error) {
		return map[string]any{"hits": 0}, nil
	})

	branch := func(name, agentID string) schema.Branch {
		step := agentStep(name+"_check", agentID, "merge")
		step.OutputNamespace = name
		return schema.Branch{Name: name, StartStep: step.Name, Steps: []schema.StepDefinition{step}}
	}
	h.define(schema.WorkflowDefinition{
		Name:      "screening",
		StartStep: "screen",
		Steps: []schema.StepDefinition{
			{Name: "screen", Type: schema.StepTypeParallel, JoinOn: "merge", Branches: []schema.Branch{branch("kyc", "kyc"), branch("aml", "aml")}},
			{Name: "merge", Type: schema.StepTypeJoin, OutputNamespace: "screening", Transitions: always("done")},
			endStep("done"),
		},
	})

	run := h.start("screening", nil)
	require.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, true, field(t, run.Results, "screening.kyc.verified"))
	assert.Equal(t, 0.0, field(t, run.Results, "screening.aml.hits"))
	assert.Equal(t, 1, count(h.events(run.ID), schema.EventJoinReleased))

	results := execctx.From(run.Results)
	fresh, err := results.RecordArrival("merge", "kyc", map[string]any{"verified": false})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.True(t, results.Released("merge"))
	assert.Equal(t, true, field(t, results.Arrivals("merge"), "kyc.verified"))
}

func TestEngine_ParallelBranchFailureFailsRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.agent("ok", func(context.Context, agents.Request) (map[string]any, error) { return map[string]any{}, nil })
	h.flaky("down", 100, nil)

	h.define(schema.WorkflowDefinition{
		Name:      "p",
		StartStep: "fan",
		Steps: []schema.StepDefinition{
			{Name: "fan", Type: schema.StepTypeParallel, JoinOn: "merge", Branches: []schema.Branch{
				{Name: "a", StartStep: "a1", Steps: []schema.StepDefinition{agentStep("a1", "ok", "merge")}},
				{Name: "b", StartStep: "b1", Steps: []schema.StepDefinition{agentStep("b1", "down", "merge")}},
			}},
			{Name: "merge", Type: schema.StepTypeJoin, Transitions: always("done")},
			endStep("done"),
		},
	})

	run := h.start("p", nil)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "b1", run.FailedStep)
	assert.False(t, execctx.From(run.Results).Released("merge"))
}

// --- sub-workflows ---

func TestEngine_SubWorkflowSync(t *testing.T) {
	h := newHarness(t, Config{})
	var childInput map[string]any
	h.agent("verify", func(_ context.Context, req agents.Request) (map[string]any, error) {
		childInput, _ = req.Context["context"].(map[string]any)
		return map[string]any{"verified": true}, nil
	})
	h.define(schema.WorkflowDefinition{Name: "kyc-child", StartStep: "verify", Steps: []schema.StepDefinition{agentStep("verify", "verify", "done"), endStep("done")}})
	h.define(schema.WorkflowDefinition{
		Name:      "onboarding",
		StartStep: "kyc",
		Steps: []schema.StepDefinition{
			{
				Name:            "kyc",
				Type:            schema.StepTypeSubWorkflow,
				SubWorkflow:     &schema.SubWorkflowConfig{WorkflowName: "kyc-child", InputMapping: map[string]string{"customer": "context.customer", "missing": "context.nope"}},
				OutputNamespace: "kyc",
				Transitions:     always("done"),
			},
			endStep("done"),
		},
	})

	run := h.start("onboarding", map[string]any{"customer": map[string]any{"id": "c-7"}})
	require.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "completed", field(t, run.Results, "kyc.status"))
	assert.Equal(t, true, field(t, run.Results, "kyc.output.verified"))
	assert.Equal(t, map[string]any{"customer": map[string]any{"id": "c-7"}}, childInput)

	children, err := h.st.ListRuns(h.ctx, store.RunFilter{ParentRunID: run.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "kyc", children[0].ParentStepName)
	assert.Equal(t, field(t, run.Results, "kyc.run_id"), children[0].ID)

	task := h.task(run.ID, "kyc")
	assert.Equal(t, store.TaskTypeSubWorkflow, task.Type)
	assert.Equal(t, children[0].ID, task.ChildRunID)
	assert.Equal(t, schema.TaskStatusCompleted, task.Status)
}

func TestEngine_SubWorkflowChildFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "child",
		StartStep: "deny",
		Steps:     []schema.StepDefinition{{Name: "deny", Type: schema.StepTypeEnd, FinalStatus: schema.RunStatusFailed}},
	})
	h.define(schema.WorkflowDefinition{
		Name:      "parent",
		StartStep: "sub",
		Steps: []schema.StepDefinition{
			{Name: "sub", Type: schema.StepTypeSubWorkflow, SubWorkflow: &schema.SubWorkflowConfig{WorkflowName: "child"}, Transitions: always("done")},
			endStep("done"),
		},
	})

	run := h.start("parent", map[string]any{"x": 1})
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, "sub", run.FailedStep)
	assert.Equal(t, schema.ErrCodeStepFailed, field(t, run.Results, "error.code"))
}

func TestEngine_SubWorkflowAsync(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "signoff",
		StartStep: "sign",
		Steps: []schema.StepDefinition{
			{Name: "sign", Type: schema.StepTypeHumanReview, Task: &schema.TaskConfig{AssignToRole: "legal"}, Transitions: always("done")},
			endStep("done"),
		},
	})
	h.define(schema.WorkflowDefinition{
		Name:      "loan",
		StartStep: "legal",
		Steps: []schema.StepDefinition{
			{Name: "legal", Type: schema.StepTypeSubWorkflow, SubWorkflow: &schema.SubWorkflowConfig{WorkflowName: "signoff"}, OutputNamespace: "legal", Transitions: always("done")},
			endStep("done"),
		},
	})

	parent := h.start("loan", map[string]any{"loan_id": "L-1"})
	assert.Equal(t, schema.RunStatusInProgress, parent.Status)
	subTask := h.task(parent.ID, "legal")
	require.NotEmpty(t, subTask.ChildRunID)

	child := h.run(subTask.ChildRunID)
	assert.Equal(t, schema.RunStatusInProgress, child.Status)
	assert.Equal(t, "L-1", field(t, child.Results, "context.loan_id"))

	_, err := h.eng.ResumeOnTaskCompletion(h.ctx, subTask.ID, map[string]any{}, "someone")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	sign := h.task(child.ID, "sign")
	finished, err := h.eng.ResumeOnTaskCompletion(h.ctx, sign.ID, map[string]any{"signed": true}, "lawyer")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, finished.Status)

	done := h.run(parent.ID)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)
	assert.Equal(t, true, field(t, done.Results, "legal.output.signed"))

	_, err = h.eng.ResumeOnSubRunCompletion(h.ctx, parent.ID, ResultOf(h.run(child.ID)))
	assert.NoError(t, err, "resuming a terminal parent is a no-op")
}

// --- cancellation and recovery ---

func TestEngine_CancelRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.define(schema.WorkflowDefinition{
		Name:      "signoff",
		StartStep: "sign",
		Steps: []schema.StepDefinition{
			{Name: "sign", Type: schema.StepTypeHumanReview, Task: &schema.TaskConfig{AssignToRole: "legal"}, Transitions: always("done")},
			endStep("done"),
		},
	})
	h.define(schema.WorkflowDefinition{
		Name:      "loan",
		StartStep: "legal",
		Steps: []schema.StepDefinition{
			{Name: "legal", Type: schema.StepTypeSubWorkflow, SubWorkflow: &schema.SubWorkflowConfig{WorkflowName: "signoff"}, Transitions: always("done")},
			endStep("done"),
		},
	})

	parent := h.start("loan", nil)
	childID := h.task(parent.ID, "legal").ChildRunID

	cancelled, err := h.eng.CancelRun(h.ctx, parent.ID, "customer withdrew")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, "customer withdrew", cancelled.Error)
	assert.Equal(t, schema.TaskStatusSkipped, h.task(parent.ID, "legal").Status)
	assert.Contains(t, h.events(parent.ID), schema.EventRunCancelled)
	assert.Contains(t, h.events(parent.ID), schema.EventTaskSkipped)

	child := h.run(childID)
	assert.Equal(t, schema.RunStatusCancelled, child.Status)
	sign := h.task(childID, "sign")
	assert.Equal(t, schema.TaskStatusSkipped, sign.Status)

	again, err := h.eng.CancelRun(h.ctx, parent.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "customer withdrew", again.Error)

	_, err = h.eng.ResumeOnTaskCompletion(h.ctx, sign.ID, map[string]any{"signed": true}, "lawyer")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestEngine_CancelHaltsBranchAtNextStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.agent("screen", func(_ context.Context, req agents.Request) (map[string]any, error) {
		// Same state as a CancelRun blocked on the run lock.
		h.eng.cancelling.Store(req.RunID, struct{}{})
		return map[string]any{"hits": 0}, nil
	})
	reports := h.flaky("report", 0, map[string]any{"filed": true})

	h.define(schema.WorkflowDefinition{
		Name:      "aml",
		StartStep: "fan",
		Steps: []schema.StepDefinition{
			{Name: "fan", Type: schema.StepTypeParallel, JoinOn: "merge", Branches: []schema.Branch{
				{Name: "aml", StartStep: "aml_screen", Steps: []schema.StepDefinition{
					agentStep("aml_screen", "screen", "aml_report"),
					agentStep("aml_report", "report", "merge"),
				}},
			}},
			{Name: "merge", Type: schema.StepTypeJoin, Transitions: always("done")},
			endStep("done"),
		},
	})

	run := h.start("aml", nil)
	assert.Equal(t, schema.RunStatusInProgress, run.Status)
	assert.EqualValues(t, 0, reports.Load())
	assert.NotContains(t, h.events(run.ID), schema.EventJoinReleased)

	h.eng.cancelling.Delete(run.ID)
	cancelled, err := h.eng.CancelRun(h.ctx, run.ID, "sanctions hit")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, cancelled.Status)
	assert.EqualValues(t, 0, reports.Load())
}

func TestEngine_RecoverRun(t *testing.T) {
	t.Run("interrupted attempt", func(t *testing.T) {
		h := newHarness(t, Config{})
		calls := h.flaky("bureau", 1, map[string]any{"score": 700})
		step := agentStep("score", "bureau", "done")
		step.ErrorHandling = retrying(3, 600, nil, "")
		h.define(schema.WorkflowDefinition{Name: "score", StartStep: "score", Steps: []schema.StepDefinition{step, endStep("done")}})

		run := h.start("score", nil)
		require.Equal(t, schema.RunStatusInProgress, run.Status)

		// Lose the retry timer as a crash between attempts would.
		task := h.task(run.ID, "score")
		task.RetryAt = nil
		require.NoError(t, h.st.UpdateTask(h.ctx, task))

		recovered, err := h.eng.RecoverRun(h.ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, recovered.Status)
		assert.EqualValues(t, 2, calls.Load())
		assert.Equal(t, 1, h.task(run.ID, "score").RetryCount)
	})

	t.Run("pending run", func(t *testing.T) {
		h := newHarness(t, Config{})
		def := h.define(schema.WorkflowDefinition{Name: "noop", StartStep: "done", Steps: []schema.StepDefinition{endStep("done")}})
		run := &store.Run{
			ID:              "run-pending",
			WorkflowID:      def.ID,
			WorkflowName:    def.Name,
			WorkflowVersion: def.Version,
			Status:          schema.RunStatusPending,
			Results:         map[string]any{"context": map[string]any{}},
			CreatedAt:       h.clock.Now(),
			UpdatedAt:       h.clock.Now(),
		}
		require.NoError(t, h.st.CreateRun(h.ctx, run))

		recovered, err := h.eng.RecoverRun(h.ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, recovered.Status)
	})

	t.Run("terminal run", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.define(schema.WorkflowDefinition{Name: "noop", StartStep: "done", Steps: []schema.StepDefinition{endStep("done")}})
		run := h.start("noop", nil)
		before := len(h.events(run.ID))

		recovered, err := h.eng.RecoverRun(h.ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, recovered.Status)
		assert.Len(t, h.events(run.ID), before)
	})
}

// --- persistence ---

type failingSaveStore struct {
	*store.MemoryStore
}

func (failingSaveStore) SaveRun(context.Context, *store.Run) error {
	return schema.NewError(schema.ErrCodeStore, "disk full")
}

func TestEngine_PersistFailureSurfaces(t *testing.T) {
	st := failingSaveStore{store.NewMemoryStore()}
	eng, err := New(st, nil, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.RegisterDefinition(context.Background(), &schema.WorkflowDefinition{Name: "noop", StartStep: "done", Steps: []schema.StepDefinition{endStep("done")}})
	require.NoError(t, err)

	_, err = eng.StartRun(context.Background(), schema.DefinitionRef{Name: "noop"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
