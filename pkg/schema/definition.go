package schema

import (
	"fmt"
	"time"
)

// StepType enumerates the kinds of steps in a workflow. The set is closed:
// the dispatcher switches over every value.
type StepType string

const (
	StepTypeAgentExecution  StepType = "agent_execution"
	StepTypeHumanReview     StepType = "human_review"
	StepTypeDataInput       StepType = "data_input"
	StepTypeDecision        StepType = "decision"
	StepTypeExternalAPICall StepType = "external_api_call"
	StepTypeParallel        StepType = "parallel"
	StepTypeJoin            StepType = "join"
	StepTypeSubWorkflow     StepType = "sub_workflow"
	StepTypeEnd             StepType = "end"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{
	StepTypeAgentExecution,
	StepTypeHumanReview,
	StepTypeDataInput,
	StepTypeDecision,
	StepTypeExternalAPICall,
	StepTypeParallel,
	StepTypeJoin,
	StepTypeSubWorkflow,
	StepTypeEnd,
}

// Valid reports whether t is one of StepTypes.
func (t StepType) Valid() bool {
	for _, st := range StepTypes {
		if st == t {
			return true
		}
	}
	return false
}

// IsHuman reports whether the step waits on a person (human_review, data_input, decision).
func (t StepType) IsHuman() bool {
	return t == StepTypeHumanReview || t == StepTypeDataInput || t == StepTypeDecision
}

// IsFallible reports whether the step runs under the retry controller.
func (t StepType) IsFallible() bool {
	return t == StepTypeAgentExecution || t == StepTypeExternalAPICall
}

// WorkflowDefinition is an immutable, versioned workflow graph.
type WorkflowDefinition struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Version     int              `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	StartStep   string           `json:"start_step"`
	IsActive    bool             `json:"is_active,omitempty"`
	InputSchema map[string]any   `json:"input_schema,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
}

// StepDefinition describes a single step. Type-specific blocks are only
// meaningful for their own step type.
type StepDefinition struct {
	Name            string         `json:"name"`
	Type            StepType       `json:"type"`
	Description     string         `json:"description,omitempty"`
	Transitions     []Transition   `json:"transitions,omitempty"`
	OutputNamespace string         `json:"output_namespace,omitempty"`
	ErrorHandling   *ErrorHandling `json:"error_handling,omitempty"`

	Agent       *AgentSelector     `json:"agent,omitempty"`
	Task        *TaskConfig        `json:"task,omitempty"`
	APICall     *APICallConfig     `json:"api_call,omitempty"`
	Branches    []Branch           `json:"branches,omitempty"`
	JoinOn      string             `json:"join_on,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
	FinalStatus RunStatus          `json:"final_status,omitempty"`
}

// AgentSelector resolves the callable behind an agent_execution step.
// Exactly one of AgentID, Criteria or Identifier must be set.
type AgentSelector struct {
	AgentID    string         `json:"agent_id,omitempty"`
	Criteria   *AgentCriteria `json:"criteria,omitempty"`
	Identifier string         `json:"identifier,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Methods returns how many resolution methods are set.
func (a *AgentSelector) Methods() int {
	n := 0
	if a.AgentID != "" {
		n++
	}
	if a.Criteria != nil {
		n++
	}
	if a.Identifier != "" {
		n++
	}
	return n
}

func (a *AgentSelector) String() string {
	switch {
	case a.AgentID != "":
		return "id:" + a.AgentID
	case a.Criteria != nil:
		return "capability:" + a.Criteria.Capability
	default:
		return "identifier:" + a.Identifier
	}
}

// AgentCriteria selects an agent by capability and tags.
type AgentCriteria struct {
	Capability string            `json:"capability"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// TaskConfig configures the task created by human-family steps.
type TaskConfig struct {
	AssignToUser     string            `json:"assign_to_user,omitempty"`
	AssignToRole     string            `json:"assign_to_role,omitempty"`
	Instructions     string            `json:"instructions,omitempty"`
	DeadlineMinutes  int               `json:"deadline_minutes,omitempty"`
	EscalationPolicy *EscalationPolicy `json:"escalation_policy,omitempty"`
	OutputSchema     map[string]any    `json:"output_schema,omitempty"`
	AutoResolve      string            `json:"auto_resolve,omitempty"` // expr-lang, decision steps only
}

// EscalationAction is what happens when a human task passes its deadline.
type EscalationAction string

const (
	EscalationEscalate     EscalationAction = "escalate"
	EscalationReassign     EscalationAction = "reassign"
	EscalationAutoComplete EscalationAction = "auto_complete"
)

// EscalationPolicy is persisted with the task and applied by the escalation sweeper.
type EscalationPolicy struct {
	Action         EscalationAction `json:"action"`
	EscalateToRole string           `json:"escalate_to_role,omitempty"`
	ReassignToUser string           `json:"reassign_to_user,omitempty"`
	ExtendMinutes  int              `json:"extend_minutes,omitempty"`
	DefaultOutput  map[string]any   `json:"default_output,omitempty"`
}

// APICallConfig is the request template of an external_api_call step.
// URL, header values and string leaves of Body may contain ${{ path }} tokens.
type APICallConfig struct {
	URL               string            `json:"url"`
	Method            string            `json:"method,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              any               `json:"body,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	SuccessCriteria   *SuccessCriteria  `json:"success_criteria,omitempty"`
	ResponseTransform string            `json:"response_transform,omitempty"` // jq
}

// SuccessCriteria lists the HTTP status codes that count as success.
type SuccessCriteria struct {
	StatusCodes []int `json:"status_codes,omitempty"`
}

// IsSuccess reports whether code satisfies the criteria; without explicit
// codes any 2xx succeeds.
func (c *APICallConfig) IsSuccess(code int) bool {
	if c.SuccessCriteria == nil || len(c.SuccessCriteria.StatusCodes) == 0 {
		return code >= 200 && code < 300
	}
	for _, sc := range c.SuccessCriteria.StatusCodes {
		if sc == code {
			return true
		}
	}
	return false
}

// Timeout returns the call timeout, or fallback when none is configured.
func (c *APICallConfig) Timeout(fallback time.Duration) time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Branch is one arm of a parallel step. Its steps may transition among
// themselves or into the parallel step's join_on target.
type Branch struct {
	Name      string           `json:"name"`
	StartStep string           `json:"start_step"`
	Steps     []StepDefinition `json:"steps"`
}

// SubWorkflowConfig names the child workflow and maps parent context into its input.
type SubWorkflowConfig struct {
	WorkflowName string            `json:"workflow_name,omitempty"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
	Version      int               `json:"version,omitempty"`
	InputMapping map[string]string `json:"input_mapping,omitempty"` // child key -> parent path
}

// Ref converts the config into a DefinitionRef.
func (c *SubWorkflowConfig) Ref() DefinitionRef {
	return DefinitionRef{ID: c.WorkflowID, Name: c.WorkflowName, Version: c.Version}
}

// ConditionType selects how a transition is guarded.
type ConditionType string

const (
	ConditionAlways      ConditionType = "always"
	ConditionConditional ConditionType = "conditional"
	ConditionExpression  ConditionType = "expression" // CEL
)

// Transition is a guarded edge to another step.
type Transition struct {
	To             string          `json:"to"`
	ConditionType  ConditionType   `json:"condition_type,omitempty"`
	ConditionGroup *ConditionGroup `json:"condition_group,omitempty"`
	Expression     string          `json:"expression,omitempty"`
}

// IsUnconditional reports whether the transition always matches.
func (t Transition) IsUnconditional() bool {
	return t.ConditionType == "" || t.ConditionType == ConditionAlways
}

// FailureAction is applied once the retry policy is exhausted.
type FailureAction string

const (
	FailureFailWorkflow       FailureAction = "fail_workflow"
	FailureTransitionToStep   FailureAction = "transition_to_step"
	FailureContinueWithError  FailureAction = "continue_with_error"
	FailureManualIntervention FailureAction = "manual_intervention"
)

// BackoffStrategy shapes the delay between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy configures attempts for fallible steps. MaxAttempts counts
// the first attempt.
type RetryPolicy struct {
	MaxAttempts     int             `json:"max_attempts"`
	DelaySeconds    float64         `json:"delay_seconds,omitempty"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy,omitempty"`
	Jitter          bool            `json:"jitter,omitempty"`
	MaxDelaySeconds float64         `json:"max_delay_seconds,omitempty"`
}

// OnFailure routes a step whose attempts are exhausted.
type OnFailure struct {
	Action   FailureAction `json:"action"`
	NextStep string        `json:"next_step,omitempty"`
}

// DefaultErrorNamespace is where errors land when no namespace is configured.
const DefaultErrorNamespace = "error"

// ErrorHandling groups retry and failure routing for a step.
type ErrorHandling struct {
	RetryPolicy          *RetryPolicy `json:"retry_policy,omitempty"`
	OnFailure            *OnFailure   `json:"on_failure,omitempty"`
	ErrorOutputNamespace string       `json:"error_output_namespace,omitempty"`
}

// Namespace returns the error output namespace, defaulting to DefaultErrorNamespace.
func (h *ErrorHandling) Namespace() string {
	if h == nil || h.ErrorOutputNamespace == "" {
		return DefaultErrorNamespace
	}
	return h.ErrorOutputNamespace
}

// Action returns the configured failure action, defaulting to fail_workflow.
func (h *ErrorHandling) Action() FailureAction {
	if h == nil || h.OnFailure == nil || h.OnFailure.Action == "" {
		return FailureFailWorkflow
	}
	return h.OnFailure.Action
}

// Policy returns the retry policy, defaulting to a single attempt.
func (h *ErrorHandling) Policy() RetryPolicy {
	if h == nil || h.RetryPolicy == nil {
		return RetryPolicy{MaxAttempts: 1}
	}
	p := *h.RetryPolicy
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// DefinitionRef identifies a definition by ID, or by name and optional
// version. A bare name resolves to the active version.
type DefinitionRef struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version,omitempty"`
}

func (r DefinitionRef) String() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.Version > 0:
		return fmt.Sprintf("%s@v%d", r.Name, r.Version)
	default:
		return r.Name + "@active"
	}
}

// IsZero reports whether the ref names nothing.
func (r DefinitionRef) IsZero() bool {
	return r.ID == "" && r.Name == ""
}
