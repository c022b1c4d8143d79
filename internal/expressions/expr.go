package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/bankflow/pkg/schema"
)

// ExprEngine evaluates decision auto_resolve expressions with expr-lang/expr.
// Every top-level key of the execution context is a variable, so
// `score.value >= 700 ? "approve" : nil` reads the "score" namespace.
//
// Besides the expr builtins, expressions can call:
//
//	between(x, lo, hi)  lo <= x <= hi for numbers
//	cents(amount)       a decimal amount in minor units, rounded half away from zero
//
// Compiled programs are cached and safe to share across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks the expression syntax without data.
func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// ResolveDecision evaluates a decision's auto_resolve expression. A nil or
// empty-string result leaves the decision to a person and reports ok=false.
func (e *ExprEngine) ResolveDecision(ctx context.Context, expression string, data map[string]any) (decision any, ok bool, err error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, false, err
	}
	switch d := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		if d == "" {
			return nil, false, nil
		}
	}
	return v, true, nil
}

// getOrCompile compiles against an untyped environment so one cached program
// serves every execution context shape.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Function("between", between),
		expr.Function("cents", cents),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func between(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("between takes 3 arguments, got %d", len(params))
	}
	var n [3]float64
	for i, p := range params {
		f, ok := number(p)
		if !ok {
			return nil, fmt.Errorf("between argument %d is %T, not a number", i+1, p)
		}
		n[i] = f
	}
	return n[1] <= n[0] && n[0] <= n[2], nil
}

func cents(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("cents takes 1 argument, got %d", len(params))
	}
	f, ok := number(params[0])
	if !ok {
		return nil, fmt.Errorf("cents argument is %T, not a number", params[0])
	}
	return int64(math.Round(f * 100)), nil
}

// number accepts the numeric shapes found in run results: Go numbers from
// agents and json.Number from stored payloads.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

var _ Engine = (*ExprEngine)(nil)
