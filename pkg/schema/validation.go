package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationSeverity tells a blocking problem from advice.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path is a
// location such as "steps[2].transitions[0].to"; Step names the step that
// owns the location, when there is one.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Step     string             `json:"step,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the problems found in a definition. A definition
// with warnings only can still be registered.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition can be registered.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// AttachStep names step as the owner of every unowned issue at prefix or
// below it. Attach nested steps before their parent so the innermost step
// wins.
func (r *ValidationResult) AttachStep(prefix, step string) {
	attach := func(issues []ValidationIssue) {
		for i := range issues {
			is := &issues[i]
			if is.Step == "" && (is.Path == prefix || strings.HasPrefix(is.Path, prefix+".")) {
				is.Step = step
			}
		}
	}
	attach(r.Errors)
	attach(r.Warnings)
}

// StepIssues returns the errors and then the warnings owned by step.
func (r *ValidationResult) StepIssues(step string) []ValidationIssue {
	var out []ValidationIssue
	for _, issues := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range issues {
			if is.Step == step {
				out = append(out, is)
			}
		}
	}
	return out
}

// RejectedSteps returns the sorted names of the steps that carry errors.
func (r *ValidationResult) RejectedSteps() []string {
	seen := make(map[string]bool)
	var names []string
	for _, is := range r.Errors {
		if is.Step != "" && !seen[is.Step] {
			seen[is.Step] = true
			names = append(names, is.Step)
		}
	}
	sort.Strings(names)
	return names
}

// Mentions reports whether any error message or path contains s.
func (r *ValidationResult) Mentions(s string) bool {
	for _, e := range r.Errors {
		if strings.Contains(e.Message, s) || strings.Contains(e.Path, s) {
			return true
		}
	}
	return false
}

// ToError converts an invalid result to a validation BankflowError and
// returns nil for a valid one.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Path + ": " + first.Message
	if first.Step != "" {
		msg = fmt.Sprintf("step %q: %s", first.Step, first.Message)
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition rejected with %d errors", len(r.Errors))
		if steps := r.RejectedSteps(); len(steps) > 0 {
			msg += " in steps " + strings.Join(steps, ", ")
		}
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if steps := r.RejectedSteps(); len(steps) > 0 {
		details["rejected_steps"] = steps
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
