package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/httpcall"
	"github.com/rendis/bankflow/pkg/schema"
)

// semanticChecker holds the lookups the semantic stage may consult. Each of
// them is optional.
type semanticChecker struct {
	agents      AgentLookup
	definitions DefinitionLookup
	cel         ExpressionCompiler
	expr        ExpressionCompiler
	schemas     *JSONSchemaValidator
}

// stepSite is a step together with its location in the definition.
type stepSite struct {
	step   *schema.StepDefinition
	path   string
	branch *schema.BranchRef
}

func (sc *semanticChecker) check(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	sites := make(map[string]stepSite)
	var ordered []stepSite
	register := func(site stepSite) {
		if prev, dup := sites[site.step.Name]; dup {
			result.AddError(site.path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q (first declared at %s)", site.step.Name, prev.path))
			return
		}
		sites[site.step.Name] = site
		ordered = append(ordered, site)
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		register(stepSite{step: step, path: path})
		if step.Type != schema.StepTypeParallel {
			continue
		}
		for b := range step.Branches {
			br := &step.Branches[b]
			ref := &schema.BranchRef{Parallel: step.Name, Branch: br.Name, JoinOn: step.JoinOn}
			for s := range br.Steps {
				register(stepSite{
					step:   &br.Steps[s],
					path:   fmt.Sprintf("%s.branches[%d].steps[%d]", path, b, s),
					branch: ref,
				})
			}
		}
	}

	switch site, ok := sites[def.StartStep]; {
	case def.StartStep == "":
		result.AddError("start_step", schema.ErrCodeValidation, "start_step is required")
	case !ok:
		result.AddError("start_step", schema.ErrCodeValidation,
			fmt.Sprintf("start_step references undefined step %q", def.StartStep))
	case site.branch != nil:
		result.AddError("start_step", schema.ErrCodeValidation,
			fmt.Sprintf("start_step %q is inside parallel branch %q", def.StartStep, site.branch.Branch))
	}

	if len(def.InputSchema) > 0 && sc.schemas != nil {
		if err := sc.schemas.CheckSchema(def.InputSchema); err != nil {
			result.AddError("input_schema", schema.ErrCodeValidation, "input_schema does not compile: "+err.Error())
		}
	}

	joinOwners := make(map[string][]string)
	for _, site := range ordered {
		sc.checkStep(site, sites, result)
		if site.step.Type == schema.StepTypeParallel && site.step.JoinOn != "" {
			joinOwners[site.step.JoinOn] = append(joinOwners[site.step.JoinOn], site.step.Name)
		}
	}

	for _, site := range ordered {
		if site.step.Type != schema.StepTypeJoin {
			continue
		}
		switch owners := joinOwners[site.step.Name]; len(owners) {
		case 1:
		case 0:
			result.AddError(site.path, schema.ErrCodeValidation,
				fmt.Sprintf("join %q is not referenced by any parallel step", site.step.Name))
		default:
			result.AddError(site.path, schema.ErrCodeValidation,
				fmt.Sprintf("join %q is referenced by several parallel steps: %s", site.step.Name, strings.Join(owners, ", ")))
		}
	}

	// Branch steps follow their parallel step, so walking backwards
	// attributes nested paths to the innermost step.
	for i := len(ordered) - 1; i >= 0; i-- {
		result.AttachStep(ordered[i].path, ordered[i].step.Name)
	}
	return result
}

func (sc *semanticChecker) checkStep(site stepSite, sites map[string]stepSite, result *schema.ValidationResult) {
	step, path := site.step, site.path

	if step.OutputNamespace != "" {
		checkNamespace(step.OutputNamespace, path+".output_namespace", result)
	}

	for i, tr := range step.Transitions {
		sc.checkTransition(site, tr, fmt.Sprintf("%s.transitions[%d]", path, i), sites, result)
	}

	sc.checkErrorHandling(site, sites, result)

	switch step.Type {
	case schema.StepTypeAgentExecution:
		sc.checkAgent(step, path, result)
	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		sc.checkTask(step, path, result)
	case schema.StepTypeExternalAPICall:
		checkAPICall(step, path, result)
	case schema.StepTypeParallel:
		checkParallel(step, path, sites, result)
	case schema.StepTypeJoin:
	case schema.StepTypeSubWorkflow:
		sc.checkSubWorkflow(step, path, result)
	case schema.StepTypeEnd:
		if len(step.Transitions) > 0 {
			result.AddError(path+".transitions", schema.ErrCodeValidation, "end steps cannot declare transitions")
		}
		switch step.FinalStatus {
		case "", schema.RunStatusCompleted, schema.RunStatusFailed:
		default:
			result.AddError(path+".final_status", schema.ErrCodeValidation,
				fmt.Sprintf("final_status must be completed or failed, got %q", step.FinalStatus))
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown step type %q", step.Type))
	}

	if site.branch != nil {
		switch step.Type {
		case schema.StepTypeParallel, schema.StepTypeJoin, schema.StepTypeEnd:
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("%s steps are not allowed inside parallel branch %q", step.Type, site.branch.Branch))
		}
	}
}

func checkNamespace(ns, path string, result *schema.ValidationResult) {
	if execctx.IsReserved(ns) || strings.HasPrefix(ns, "__") {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("namespace %q is reserved", ns))
	}
	if strings.Contains(ns, ".") {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("namespace %q must not contain dots", ns))
	}
}

func (sc *semanticChecker) checkTransition(site stepSite, tr schema.Transition, path string, sites map[string]stepSite, result *schema.ValidationResult) {
	target, ok := sites[tr.To]
	switch {
	case tr.To == "":
		result.AddError(path+".to", schema.ErrCodeValidation, "transition target is required")
	case !ok:
		result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("transition targets undefined step %q", tr.To))
	case site.step.Type == schema.StepTypeParallel && tr.To == site.step.JoinOn:
		// Ignored at run time; checkParallel warns.
	default:
		checkRoute(site, target, path+".to", result)
	}

	switch tr.ConditionType {
	case "", schema.ConditionAlways:
	case schema.ConditionConditional:
		if tr.ConditionGroup == nil {
			result.AddError(path+".condition_group", schema.ErrCodeValidation, "conditional transition requires condition_group")
			return
		}
		checkConditionGroup(tr.ConditionGroup, path+".condition_group", 1, result)
	case schema.ConditionExpression:
		if strings.TrimSpace(tr.Expression) == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation, "expression transition requires expression")
			return
		}
		if sc.cel != nil {
			if err := sc.cel.Compile(tr.Expression); err != nil {
				result.AddError(path+".expression", schema.ErrCodeValidation, err.Error())
			}
		}
	default:
		result.AddError(path+".condition_type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown condition_type %q", tr.ConditionType))
	}
}

// checkRoute scopes a transition or failure route from site to target. A
// branch step stays inside its branch or moves to the branch's join. A
// main-path step never enters a branch or a join; a join is only reached
// through the arrivals of its branches.
func checkRoute(site, target stepSite, path string, result *schema.ValidationResult) {
	to := target.step.Name
	switch {
	case site.branch != nil:
		if to != site.branch.JoinOn && (target.branch == nil || target.branch.Parallel != site.branch.Parallel || target.branch.Branch != site.branch.Branch) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("branch %q step may only transition within the branch or to %q, got %q", site.branch.Branch, site.branch.JoinOn, to))
		}
	case target.branch != nil:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("route enters parallel branch %q directly at %q", target.branch.Branch, to))
	case target.step.Type == schema.StepTypeJoin:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("join %q is entered directly from %q; only its parallel branches may reach it", to, site.step.Name))
	}
}

func checkConditionGroup(g *schema.ConditionGroup, path string, depth int, result *schema.ValidationResult) {
	if depth > schema.MaxConditionDepth {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("condition groups nest deeper than %d levels", schema.MaxConditionDepth))
		return
	}
	switch g.LogicalOperator {
	case schema.LogicalAnd, schema.LogicalOr:
	default:
		result.AddError(path+".logical_operator", schema.ErrCodeValidation,
			fmt.Sprintf("logical_operator must be AND or OR, got %q", g.LogicalOperator))
	}
	for i, node := range g.Conditions {
		p := fmt.Sprintf("%s.conditions[%d]", path, i)
		switch {
		case node.Group != nil:
			checkConditionGroup(node.Group, p, depth+1, result)
		case node.Single != nil:
			c := node.Single
			if c.Field == "" {
				result.AddError(p+".field", schema.ErrCodeValidation, "condition field is required")
			}
			if !c.Operator.Valid() {
				result.AddError(p+".operator", schema.ErrCodeValidation, fmt.Sprintf("unknown operator %q", c.Operator))
			} else if c.Operator.NeedsValue() && c.Value == nil {
				result.AddError(p+".value", schema.ErrCodeValidation, fmt.Sprintf("operator %q requires a value", c.Operator))
			}
		default:
			result.AddError(p, schema.ErrCodeValidation, "empty condition")
		}
	}
}

func (sc *semanticChecker) checkErrorHandling(site stepSite, sites map[string]stepSite, result *schema.ValidationResult) {
	step, path := site.step, site.path
	h := step.ErrorHandling
	if h == nil {
		return
	}
	path += ".error_handling"

	if h.ErrorOutputNamespace != "" {
		checkNamespace(h.ErrorOutputNamespace, path+".error_output_namespace", result)
	}
	if p := h.RetryPolicy; p != nil {
		if p.MaxAttempts < 1 {
			result.AddError(path+".retry_policy.max_attempts", schema.ErrCodeValidation, "max_attempts must be at least 1")
		}
		if p.MaxDelaySeconds > 0 && p.DelaySeconds > p.MaxDelaySeconds {
			result.AddWarning(path+".retry_policy", schema.ErrCodeValidation, "delay_seconds exceeds max_delay_seconds")
		}
		if p.MaxAttempts > 10 {
			result.AddWarning(path+".retry_policy.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause long delays", p.MaxAttempts))
		}
	}
	if !step.Type.IsFallible() && step.Type != schema.StepTypeSubWorkflow {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("error_handling has no effect on %s steps", step.Type))
	}
	if h.OnFailure == nil {
		return
	}
	switch h.OnFailure.Action {
	case schema.FailureTransitionToStep:
		if h.OnFailure.NextStep == "" {
			result.AddError(path+".on_failure.next_step", schema.ErrCodeValidation, "transition_to_step requires next_step")
		} else if target, ok := sites[h.OnFailure.NextStep]; !ok {
			result.AddError(path+".on_failure.next_step", schema.ErrCodeValidation,
				fmt.Sprintf("next_step references undefined step %q", h.OnFailure.NextStep))
		} else {
			checkRoute(site, target, path+".on_failure.next_step", result)
		}
	case schema.FailureFailWorkflow, schema.FailureContinueWithError, schema.FailureManualIntervention:
	default:
		result.AddError(path+".on_failure.action", schema.ErrCodeValidation,
			fmt.Sprintf("unknown on_failure action %q", h.OnFailure.Action))
	}
}

func (sc *semanticChecker) checkAgent(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Agent == nil {
		result.AddError(path+".agent", schema.ErrCodeValidation, "agent_execution requires an agent selector")
		return
	}
	if n := step.Agent.Methods(); n != 1 {
		result.AddError(path+".agent", schema.ErrCodeValidation,
			fmt.Sprintf("agent selector must set exactly one of agent_id, criteria, identifier (got %d)", n))
		return
	}
	if step.Agent.AgentID != "" && sc.agents != nil && !sc.agents.HasAgent(step.Agent.AgentID) {
		result.AddError(path+".agent.agent_id", schema.ErrCodeAgentUnavailable,
			fmt.Sprintf("agent %q is not registered", step.Agent.AgentID))
	}
}

func (sc *semanticChecker) checkTask(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	t := step.Task
	if t == nil {
		if step.Type != schema.StepTypeDecision {
			result.AddError(path+".task", schema.ErrCodeValidation, fmt.Sprintf("%s requires a task config", step.Type))
		} else {
			result.AddWarning(path+".task", schema.ErrCodeValidation, "decision without task config creates an unassigned task")
		}
		return
	}
	path += ".task"

	if t.AssignToUser == "" && t.AssignToRole == "" && t.AutoResolve == "" {
		result.AddWarning(path, schema.ErrCodeValidation, "task has no assignee")
	}
	if t.AutoResolve != "" {
		if step.Type != schema.StepTypeDecision {
			result.AddError(path+".auto_resolve", schema.ErrCodeValidation, "auto_resolve is only supported on decision steps")
		} else if sc.expr != nil {
			if err := sc.expr.Compile(t.AutoResolve); err != nil {
				result.AddError(path+".auto_resolve", schema.ErrCodeValidation, err.Error())
			}
		}
	}
	if len(t.OutputSchema) > 0 && sc.schemas != nil {
		if err := sc.schemas.CheckSchema(t.OutputSchema); err != nil {
			result.AddError(path+".output_schema", schema.ErrCodeValidation, "output_schema does not compile: "+err.Error())
		}
	}
	if p := t.EscalationPolicy; p != nil {
		if t.DeadlineMinutes == 0 {
			result.AddWarning(path+".escalation_policy", schema.ErrCodeValidation, "escalation_policy without deadline_minutes never fires")
		}
		switch p.Action {
		case schema.EscalationEscalate:
			if p.EscalateToRole == "" {
				result.AddError(path+".escalation_policy.escalate_to_role", schema.ErrCodeValidation, "escalate requires escalate_to_role")
			}
		case schema.EscalationReassign:
			if p.ReassignToUser == "" {
				result.AddError(path+".escalation_policy.reassign_to_user", schema.ErrCodeValidation, "reassign requires reassign_to_user")
			}
		case schema.EscalationAutoComplete:
		default:
			result.AddError(path+".escalation_policy.action", schema.ErrCodeValidation,
				fmt.Sprintf("unknown escalation action %q", p.Action))
		}
	}
}

func checkAPICall(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	c := step.APICall
	if c == nil {
		result.AddError(path+".api_call", schema.ErrCodeValidation, "external_api_call requires api_call config")
		return
	}
	if strings.TrimSpace(c.URL) == "" {
		result.AddError(path+".api_call.url", schema.ErrCodeValidation, "api_call url is required")
	}
	if c.Method != "" && !httpcall.ValidMethod(c.Method) {
		result.AddError(path+".api_call.method", schema.ErrCodeValidation, fmt.Sprintf("unsupported HTTP method %q", c.Method))
	}
}

func checkParallel(step *schema.StepDefinition, path string, sites map[string]stepSite, result *schema.ValidationResult) {
	if len(step.Transitions) > 0 {
		result.AddWarning(path+".transitions", schema.ErrCodeValidation,
			"parallel steps continue at join_on; their transitions are ignored")
	}

	if step.JoinOn == "" {
		result.AddError(path+".join_on", schema.ErrCodeValidation, "parallel requires join_on")
	} else if join, ok := sites[step.JoinOn]; !ok {
		result.AddError(path+".join_on", schema.ErrCodeValidation, fmt.Sprintf("join_on references undefined step %q", step.JoinOn))
	} else if join.step.Type != schema.StepTypeJoin {
		result.AddError(path+".join_on", schema.ErrCodeValidation,
			fmt.Sprintf("join_on %q is a %s step, want join", step.JoinOn, join.step.Type))
	} else if join.branch != nil {
		result.AddError(path+".join_on", schema.ErrCodeValidation, fmt.Sprintf("join %q is inside a branch", step.JoinOn))
	}

	if len(step.Branches) == 0 {
		result.AddError(path+".branches", schema.ErrCodeValidation, "parallel requires at least one branch")
		return
	}

	names := make(map[string]bool, len(step.Branches))
	for b, br := range step.Branches {
		bp := fmt.Sprintf("%s.branches[%d]", path, b)
		switch {
		case br.Name == "":
			result.AddError(bp+".name", schema.ErrCodeValidation, "branch name is required")
		case strings.HasPrefix(br.Name, "__"):
			result.AddError(bp+".name", schema.ErrCodeValidation, fmt.Sprintf("branch name %q is reserved", br.Name))
		case names[br.Name]:
			result.AddError(bp+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate branch name %q", br.Name))
		}
		names[br.Name] = true

		if len(br.Steps) == 0 {
			result.AddError(bp+".steps", schema.ErrCodeValidation, fmt.Sprintf("branch %q has no steps", br.Name))
			continue
		}
		inBranch := false
		for _, s := range br.Steps {
			if s.Name == br.StartStep {
				inBranch = true
				break
			}
		}
		if !inBranch {
			result.AddError(bp+".start_step", schema.ErrCodeValidation,
				fmt.Sprintf("branch %q start_step %q is not a step of the branch", br.Name, br.StartStep))
		}

		last := br.Steps[len(br.Steps)-1]
		if step.JoinOn != "" && !convergesOn(last, step.JoinOn) {
			result.AddError(fmt.Sprintf("%s.steps[%d].transitions", bp, len(br.Steps)-1), schema.ErrCodeValidation,
				fmt.Sprintf("last step %q of branch %q must have an always transition to %q", last.Name, br.Name, step.JoinOn))
		}
	}
}

func convergesOn(step schema.StepDefinition, join string) bool {
	for _, tr := range step.Transitions {
		if tr.To == join && tr.IsUnconditional() {
			return true
		}
	}
	return false
}

func (sc *semanticChecker) checkSubWorkflow(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	c := step.SubWorkflow
	if c == nil || (c.WorkflowName == "" && c.WorkflowID == "") {
		result.AddError(path+".sub_workflow", schema.ErrCodeValidation, "sub_workflow requires workflow_name or workflow_id")
		return
	}
	for key, parentPath := range c.InputMapping {
		if key == "" || parentPath == "" {
			result.AddError(path+".sub_workflow.input_mapping", schema.ErrCodeValidation, "input_mapping entries need a key and a path")
		}
	}
	if sc.definitions != nil && !sc.definitions.HasDefinition(c.Ref()) {
		result.AddError(path+".sub_workflow", schema.ErrCodeNotFound,
			fmt.Sprintf("sub-workflow %s does not exist", c.Ref()))
	}
}
