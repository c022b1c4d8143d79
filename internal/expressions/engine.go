package expressions

import "context"

// Engine evaluates expressions against a run's execution context.
// CEL routes transitions, Expr resolves decisions, GoJQ reshapes API responses.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
