package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bankflow/pkg/schema"
)

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DefinitionVersioning", func(t *testing.T) { testDefinitionVersioning(t, newStore(t)) })
	t.Run("DefinitionNotFound", func(t *testing.T) { testDefinitionNotFound(t, newStore(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("RunVersionConflict", func(t *testing.T) { testRunVersionConflict(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, newStore(t)) })
	t.Run("TaskFilters", func(t *testing.T) { testTaskFilters(t, newStore(t)) })
	t.Run("TaskRequiresRun", func(t *testing.T) { testTaskRequiresRun(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
	t.Run("Triggers", func(t *testing.T) { testTriggers(t, newStore(t)) })
}

func sampleDefinition(name string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:      name,
		StartStep: "review",
		Steps: []schema.StepDefinition{
			{
				Name: "review",
				Type: schema.StepTypeHumanReview,
				Task: &schema.TaskConfig{AssignToRole: "underwriter", Instructions: "check the file"},
				Transitions: []schema.Transition{
					{To: "done", ConditionType: schema.ConditionAlways},
				},
			},
			{Name: "done", Type: schema.StepTypeEnd},
		},
	}
}

func seedRun(t *testing.T, s Store, workflow string) *Run {
	t.Helper()
	now := time.Now().UTC()
	r := &Run{
		WorkflowID:   "wf-" + workflow,
		WorkflowName: workflow,
		Status:       schema.RunStatusInProgress,
		CurrentStep:  "review",
		Results:      map[string]any{"context": map[string]any{"amount": float64(1200)}},
		StartTime:    &now,
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func testDefinitionVersioning(t *testing.T, s Store) {
	ctx := context.Background()

	v1 := sampleDefinition("loan")
	require.NoError(t, s.CreateDefinition(ctx, v1))
	assert.NotEmpty(t, v1.ID)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	v2 := sampleDefinition("loan")
	v2.Description = "second"
	require.NoError(t, s.CreateDefinition(ctx, v2))
	assert.Equal(t, 2, v2.Version)

	active, err := s.GetDefinitionByName(ctx, "loan", 0)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
	assert.Equal(t, "second", active.Description)
	require.Len(t, active.Steps, 2)
	assert.Equal(t, "underwriter", active.Steps[0].Task.AssignToRole)

	old, err := s.GetDefinitionByName(ctx, "loan", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, old.ID)
	assert.False(t, old.IsActive)

	byRef, err := ResolveDefinition(ctx, s, schema.DefinitionRef{ID: v1.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, byRef.Version)

	require.NoError(t, s.CreateDefinition(ctx, sampleDefinition("card")))

	all, err := s.ListDefinitions(ctx, DefinitionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	activeOnly, err := s.ListDefinitions(ctx, DefinitionFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, activeOnly, 2)

	loans, err := s.ListDefinitions(ctx, DefinitionFilter{Name: "loan"})
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, 2, loans[0].Version)
}

func testDefinitionNotFound(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetDefinition(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))

	_, err = s.GetDefinitionByName(ctx, "missing", 0)
	assert.True(t, schema.IsNotFound(err))

	_, err = ResolveDefinition(ctx, s, schema.DefinitionRef{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func testRunLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s, "loan")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, int64(1), r.Version)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInProgress, got.Status)
	assert.Equal(t, float64(1200), got.Results["context"].(map[string]any)["amount"])
	require.NotNil(t, got.StartTime)
	assert.Nil(t, got.EndTime)

	end := time.Now().UTC()
	got.Status = schema.RunStatusCompleted
	got.CurrentStep = ""
	got.EndTime = &end
	got.Results["output"] = map[string]any{"approved": true}
	require.NoError(t, s.SaveRun(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	again, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, again.Status)
	assert.Equal(t, int64(2), again.Version)
	require.NotNil(t, again.EndTime)
	assert.WithinDuration(t, end, *again.EndTime, time.Millisecond)
	assert.Equal(t, true, again.Results["output"].(map[string]any)["approved"])

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func testRunVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s, "loan")

	a, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	b, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)

	a.CurrentStep = "a"
	require.NoError(t, s.SaveRun(ctx, a))

	b.CurrentStep = "b"
	err = s.SaveRun(ctx, b)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Equal(t, int64(1), b.Version)

	stored, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.CurrentStep)

	err = s.SaveRun(ctx, &Run{ID: "missing", Version: 1})
	assert.True(t, schema.IsNotFound(err))
}

func testListRuns(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, name := range []string{"loan", "loan", "card"} {
		r := &Run{
			WorkflowID:   "wf",
			WorkflowName: name,
			Status:       schema.RunStatusInProgress,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateRun(ctx, r))
	}
	parent := seedRun(t, s, "card")
	child := &Run{WorkflowID: "wf", WorkflowName: "kyc", Status: schema.RunStatusPending, ParentRunID: parent.ID, ParentStepName: "kyc"}
	require.NoError(t, s.CreateRun(ctx, child))

	loans, err := s.ListRuns(ctx, RunFilter{WorkflowName: "loan"})
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.True(t, loans[0].CreatedAt.After(loans[1].CreatedAt))

	pending := schema.RunStatusPending
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, child.ID, byStatus[0].ID)

	children, err := s.ListRuns(ctx, RunFilter{ParentRunID: parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "kyc", children[0].ParentStepName)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func testTaskLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s, "loan")
	deadline := time.Now().UTC().Add(30 * time.Minute)

	task := &Task{
		RunID:        r.ID,
		StepName:     "review",
		Type:         TaskTypeHumanReview,
		Role:         "underwriter",
		Status:       schema.TaskStatusPending,
		Input:        map[string]any{"amount": float64(1200)},
		Instructions: "check the file",
		DeadlineAt:   &deadline,
		EscalationPolicy: &schema.EscalationPolicy{
			Action:         schema.EscalationEscalate,
			EscalateToRole: "supervisor",
		},
	}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeHumanReview, got.Type)
	assert.Equal(t, "underwriter", got.Role)
	require.NotNil(t, got.EscalationPolicy)
	assert.Equal(t, "supervisor", got.EscalationPolicy.EscalateToRole)
	require.NotNil(t, got.DeadlineAt)
	assert.WithinDuration(t, deadline, *got.DeadlineAt, time.Millisecond)
	assert.Nil(t, got.Output)

	done := time.Now().UTC()
	got.Status = schema.TaskStatusCompleted
	got.Output = map[string]any{"approved": true}
	got.CompletedBy = "alice"
	got.CompletedAt = &done
	require.NoError(t, s.UpdateTask(ctx, got))

	again, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, again.Status)
	assert.Equal(t, true, again.Output["approved"])
	assert.Equal(t, "alice", again.CompletedBy)
	require.NotNil(t, again.CompletedAt)

	err = s.UpdateTask(ctx, &Task{ID: "missing"})
	assert.True(t, schema.IsNotFound(err))
	_, err = s.GetTask(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func testTaskFilters(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s, "loan")
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tasks := []*Task{
		{RunID: r.ID, StepName: "review", Type: TaskTypeHumanReview, Role: "underwriter", Status: schema.TaskStatusPending, DeadlineAt: &past},
		{RunID: r.ID, StepName: "input", Type: TaskTypeDataInput, UserID: "bob", Status: schema.TaskStatusAssigned, DeadlineAt: &future},
		{RunID: r.ID, StepName: "score", Type: TaskTypeAgent, Status: schema.TaskStatusFailed, RetryAt: &past},
		{RunID: r.ID, StepName: "call", Type: TaskTypeAPICall, Status: schema.TaskStatusCompleted},
	}
	for i, task := range tasks {
		task.CreatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateTask(ctx, task))
	}

	all, err := s.ListTasks(ctx, TaskFilter{RunID: r.ID})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "review", all[0].StepName)

	open, err := s.ListTasks(ctx, TaskFilter{Statuses: []schema.TaskStatus{schema.TaskStatusPending, schema.TaskStatusAssigned}})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	overdue, err := s.ListTasks(ctx, TaskFilter{DeadlineBefore: &now})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "review", overdue[0].StepName)

	due, err := s.ListTasks(ctx, TaskFilter{RetryDueBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "score", due[0].StepName)

	byUser, err := s.ListTasks(ctx, TaskFilter{UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	byRole, err := s.ListTasks(ctx, TaskFilter{Role: "underwriter", Type: TaskTypeHumanReview})
	require.NoError(t, err)
	require.Len(t, byRole, 1)

	byStep, err := s.ListTasks(ctx, TaskFilter{RunID: r.ID, StepName: "call"})
	require.NoError(t, err)
	require.Len(t, byStep, 1)

	limited, err := s.ListTasks(ctx, TaskFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func testTaskRequiresRun(t *testing.T, s Store) {
	err := s.CreateTask(context.Background(), &Task{RunID: "missing", StepName: "x", Type: TaskTypeAgent, Status: schema.TaskStatusPending})
	assert.True(t, schema.IsNotFound(err))
}

func testEventSequence(t *testing.T, s Store) {
	ctx := context.Background()
	a := seedRun(t, s, "loan")
	b := seedRun(t, s, "loan")

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepEntered, schema.EventStepCompleted} {
		e := &Event{RunID: a.ID, StepName: "review", Type: typ, Payload: map[string]any{"k": typ}}
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	other := &Event{RunID: b.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.ListEvents(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, e.Type, e.Payload["k"])
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, schema.EventRunStarted, events[0].Type)

	tail, err := s.ListEvents(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)

	none, err := s.ListEvents(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTriggers(t *testing.T, s Store) {
	ctx := context.Background()

	trig := &Trigger{
		Definition:     schema.DefinitionRef{Name: "loan"},
		CronExpression: "*/5 * * * *",
		Input:          map[string]any{"source": "cron"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateTrigger(ctx, trig))
	require.NoError(t, s.CreateTrigger(ctx, &Trigger{
		Definition:     schema.DefinitionRef{Name: "card", Version: 2},
		CronExpression: "@hourly",
	}))

	got, err := s.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	assert.Equal(t, "loan", got.Definition.Name)
	assert.Equal(t, "cron", got.Input["source"])
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)

	now := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateTrigger(ctx, trig.ID, TriggerUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		LastRunStatus: string(schema.RunStatusCompleted),
		LastRunID:     "run-1",
	}))
	got, err = s.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, "run-1", got.LastRunID)

	enabled := true
	onlyEnabled, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, onlyEnabled)

	all, err := s.ListTriggers(ctx, TriggerFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTrigger(ctx, trig.ID))
	_, err = s.GetTrigger(ctx, trig.ID)
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteTrigger(ctx, trig.ID)))
	assert.True(t, schema.IsNotFound(s.UpdateTrigger(ctx, trig.ID, TriggerUpdate{Enabled: &enabled})))
}
