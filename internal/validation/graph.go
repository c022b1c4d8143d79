package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/bankflow/pkg/schema"
)

// validateGraph reports steps unreachable from start_step, non-terminal
// steps with no way forward and loops that never wait on an operator. Edges are transitions, on_failure.next_step,
// parallel fan-out to branch start steps and the parallel's join_on.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	idx := def.Index()

	edges := make(map[string][]string)
	for _, name := range idx.Names() {
		step, _ := idx.Step(name)
		for _, tr := range step.Transitions {
			edges[name] = append(edges[name], tr.To)
		}
		if h := step.ErrorHandling; h != nil && h.OnFailure != nil && h.OnFailure.NextStep != "" {
			edges[name] = append(edges[name], h.OnFailure.NextStep)
		}
		if step.Type == schema.StepTypeParallel {
			for _, br := range step.Branches {
				edges[name] = append(edges[name], br.StartStep)
			}
			if step.JoinOn != "" {
				edges[name] = append(edges[name], step.JoinOn)
			}
		}
	}

	reachable := map[string]bool{def.StartStep: true}
	queue := []string{def.StartStep}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, name := range idx.Names() {
		step, _ := idx.Step(name)
		if !reachable[name] {
			result.AddWarning(fmt.Sprintf("steps[%s]", name), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from start_step %q", name, def.StartStep))
		}
		if step.Type != schema.StepTypeEnd && step.Type != schema.StepTypeParallel && len(step.Transitions) == 0 {
			result.AddWarning(fmt.Sprintf("steps[%s].transitions", name), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is not an end step and declares no transitions; the run will stall after it", name))
		}
		result.AttachStep(fmt.Sprintf("steps[%s]", name), name)
	}

	if looping := syncCycle(idx, edges); len(looping) > 0 {
		result.AddError("steps", schema.ErrCodeValidation,
			fmt.Sprintf("steps %s form a loop with no human_review, data_input or manual decision step; the run would never suspend",
				strings.Join(looping, ", ")))
	}

	return result
}

// suspends reports whether entering step parks the run on an operator task.
// A decision with auto_resolve may resolve inline and does not count.
func suspends(step *schema.StepDefinition) bool {
	switch step.Type {
	case schema.StepTypeHumanReview, schema.StepTypeDataInput:
		return true
	case schema.StepTypeDecision:
		return step.Task == nil || step.Task.AutoResolve == ""
	}
	return false
}

// syncCycle returns, sorted, the steps on loops made only of steps that run
// inline. Suspending steps are dropped from the graph, then Kahn's algorithm
// peels off every step that is not on a cycle: once forwards by in-degree,
// once backwards by out-degree.
func syncCycle(idx *schema.StepIndex, edges map[string][]string) []string {
	live := make(map[string]bool)
	for _, name := range idx.Names() {
		if step, _ := idx.Step(name); !suspends(step) {
			live[name] = true
		}
	}

	reverse := make(map[string][]string)
	for from, tos := range edges {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}

	peel := func(next map[string][]string) {
		degree := make(map[string]int, len(live))
		for from := range live {
			for _, to := range next[from] {
				if live[to] {
					degree[to]++
				}
			}
		}
		var queue []string
		for name := range live {
			if degree[name] == 0 {
				queue = append(queue, name)
			}
		}
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			delete(live, name)
			for _, n := range next[name] {
				if !live[n] {
					continue
				}
				if degree[n]--; degree[n] == 0 {
					queue = append(queue, n)
				}
			}
		}
	}
	peel(edges)
	peel(reverse)

	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
