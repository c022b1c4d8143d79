package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loanYAML = `
name: loan_approval
start_step: score
steps:
  - name: score
    type: agent_execution
    agent:
      identifier: credit_scorer
    output_namespace: score
    error_handling:
      retry_policy:
        max_attempts: 3
        delay_seconds: 0.5
        backoff_strategy: exponential
        jitter: true
      on_failure:
        action: transition_to_step
        next_step: manual_review
      error_output_namespace: score_error
    transitions:
      - to: approved
        condition_type: conditional
        condition_group:
          logical_operator: AND
          conditions:
            - field: score.value
              operator: ">="
              value: 700
      - to: manual_review
  - name: manual_review
    type: human_review
    task:
      assign_to_role: underwriter
      deadline_minutes: 60
    transitions:
      - to: approved
  - name: approved
    type: end
    final_status: completed
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(loanYAML))
	require.NoError(t, err)

	assert.Equal(t, "loan_approval", def.Name)
	assert.Equal(t, "score", def.StartStep)
	require.Len(t, def.Steps, 3)

	score := def.Steps[0]
	assert.Equal(t, StepTypeAgentExecution, score.Type)
	assert.Equal(t, "credit_scorer", score.Agent.Identifier)
	require.NotNil(t, score.ErrorHandling)
	assert.Equal(t, 3, score.ErrorHandling.RetryPolicy.MaxAttempts)
	assert.Equal(t, BackoffExponential, score.ErrorHandling.RetryPolicy.BackoffStrategy)
	assert.True(t, score.ErrorHandling.RetryPolicy.Jitter)
	assert.Equal(t, "manual_review", score.ErrorHandling.OnFailure.NextStep)

	require.Len(t, score.Transitions, 2)
	cond := score.Transitions[0].ConditionGroup
	require.NotNil(t, cond)
	assert.Equal(t, OpGreaterEq, cond.Conditions[0].Single.Operator)
	assert.Equal(t, float64(700), cond.Conditions[0].Single.Value)
	assert.True(t, score.Transitions[1].IsUnconditional())

	assert.Equal(t, "underwriter", def.Steps[1].Task.AssignToRole)
	assert.Equal(t, RunStatusCompleted, def.Steps[2].FinalStatus)
}

func TestParseDefinition_JSON(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"name":"x","start_step":"done","steps":[{"name":"done","type":"end"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", def.Name)
	assert.Equal(t, StepTypeEnd, def.Steps[0].Type)
}

func TestParseDefinition_Errors(t *testing.T) {
	_, err := ParseDefinition(nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeValidation))

	_, err = ParseDefinition([]byte(`{"name":"x","unknown_field":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_field")

	_, err = ParseDefinition([]byte("name: [unterminated"))
	require.Error(t, err)
}
