package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/bankflow/internal/expressions"
	"github.com/rendis/bankflow/pkg/schema"
)

type agentSet map[string]bool

func (a agentSet) HasAgent(id string) bool { return a[id] }

func always(to string) []schema.Transition {
	return []schema.Transition{{To: to, ConditionType: schema.ConditionAlways}}
}

// loanDefinition is a valid definition exercising every step type.
func loanDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:      "loan_approval",
		StartStep: "score",
		Steps: []schema.StepDefinition{
			{
				Name:            "score",
				Type:            schema.StepTypeAgentExecution,
				Agent:           &schema.AgentSelector{AgentID: "scorer"},
				OutputNamespace: "score",
				ErrorHandling: &schema.ErrorHandling{
					RetryPolicy: &schema.RetryPolicy{MaxAttempts: 3, DelaySeconds: 1, BackoffStrategy: schema.BackoffExponential},
					OnFailure:   &schema.OnFailure{Action: schema.FailureTransitionToStep, NextStep: "manual"},
				},
				Transitions: []schema.Transition{
					{To: "checks", ConditionType: schema.ConditionConditional, ConditionGroup: schema.All(
						schema.Cond("score.value", schema.OpGreaterEq, 700),
					)},
					{To: "manual", ConditionType: schema.ConditionExpression, Expression: `results.score.value < 700.0`},
				},
			},
			{
				Name:    "checks",
				Type:    schema.StepTypeParallel,
				JoinOn:  "checks_done",
				Branches: []schema.Branch{
					{Name: "kyc", StartStep: "kyc_call", Steps: []schema.StepDefinition{{
						Name:        "kyc_call",
						Type:        schema.StepTypeExternalAPICall,
						APICall:     &schema.APICallConfig{URL: "https://kyc.local/${{ context.customer_id }}", Method: "GET"},
						Transitions: always("checks_done"),
					}}},
					{Name: "aml", StartStep: "aml_screen", Steps: []schema.StepDefinition{
						{
							Name:        "aml_screen",
							Type:        schema.StepTypeAgentExecution,
							Agent:       &schema.AgentSelector{Criteria: &schema.AgentCriteria{Capability: "aml"}},
							Transitions: always("aml_review"),
						},
						{
							Name:        "aml_review",
							Type:        schema.StepTypeHumanReview,
							Task:        &schema.TaskConfig{AssignToRole: "compliance"},
							Transitions: always("checks_done"),
						},
					}},
				},
			},
			{Name: "checks_done", Type: schema.StepTypeJoin, Transitions: always("decide")},
			{
				Name: "decide",
				Type: schema.StepTypeDecision,
				Task: &schema.TaskConfig{
					AssignToRole:     "credit_officer",
					AutoResolve:      `score.value >= 800 ? "approve" : nil`,
					DeadlineMinutes:  60,
					EscalationPolicy: &schema.EscalationPolicy{Action: schema.EscalationEscalate, EscalateToRole: "credit_lead"},
				},
				Transitions: []schema.Transition{
					{To: "disburse", ConditionType: schema.ConditionConditional, ConditionGroup: schema.All(
						schema.Cond("output.decision", schema.OpEqual, "approve"),
					)},
					{To: "rejected", ConditionType: schema.ConditionAlways},
				},
			},
			{
				Name:        "manual",
				Type:        schema.StepTypeDataInput,
				Task:        &schema.TaskConfig{AssignToUser: "ops-1", OutputSchema: map[string]any{"type": "object", "required": []any{"decision"}}},
				Transitions: always("decide"),
			},
			{
				Name:        "disburse",
				Type:        schema.StepTypeSubWorkflow,
				SubWorkflow: &schema.SubWorkflowConfig{WorkflowName: "disbursement", InputMapping: map[string]string{"amount": "context.amount"}},
				Transitions: always("approved"),
			},
			{Name: "approved", Type: schema.StepTypeEnd, FinalStatus: schema.RunStatusCompleted},
			{Name: "rejected", Type: schema.StepTypeEnd, FinalStatus: schema.RunStatusFailed},
		},
	}
}

func newTestValidator(t *testing.T, opts Options) *WorkflowValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	if opts.CEL == nil {
		opts.CEL = cel
	}
	if opts.Expr == nil {
		opts.Expr = expressions.NewExprEngine()
	}
	wv, err := NewWorkflowValidator(opts)
	require.NoError(t, err)
	return wv
}

func stepByName(def *schema.WorkflowDefinition, name string) *schema.StepDefinition {
	for i := range def.Steps {
		if def.Steps[i].Name == name {
			return &def.Steps[i]
		}
		for b := range def.Steps[i].Branches {
			br := &def.Steps[i].Branches[b]
			for s := range br.Steps {
				if br.Steps[s].Name == name {
					return &br.Steps[s]
				}
			}
		}
	}
	return nil
}
