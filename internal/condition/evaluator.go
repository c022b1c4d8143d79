// Package condition evaluates transition condition trees against a run's
// execution context.
package condition

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/pkg/schema"
)

// FieldAccessor resolves dotted field paths. ok=false means the path is not defined.
type FieldAccessor interface {
	Get(path string) (any, bool)
}

// Evaluate reports whether group holds against accessor. AND stops at the first
// false member, OR at the first true one. An empty AND holds; an empty OR does not.
func Evaluate(group *schema.ConditionGroup, accessor FieldAccessor) (bool, error) {
	if group == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "condition group is required")
	}
	switch group.LogicalOperator {
	case schema.LogicalAnd, "":
		for i := range group.Conditions {
			ok, err := evaluateNode(&group.Conditions[i], accessor)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case schema.LogicalOr:
		for i := range group.Conditions {
			ok, err := evaluateNode(&group.Conditions[i], accessor)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown logical operator %q", group.LogicalOperator)
	}
}

func evaluateNode(node *schema.ConditionNode, accessor FieldAccessor) (bool, error) {
	switch {
	case node.Group != nil:
		return Evaluate(node.Group, accessor)
	case node.Single != nil:
		return EvaluateSingle(node.Single, accessor)
	default:
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition node")
	}
}

// EvaluateSingle applies one comparison.
func EvaluateSingle(c *schema.SingleCondition, accessor FieldAccessor) (bool, error) {
	actual, defined := accessor.Get(c.Field)

	switch c.Operator {
	case schema.OpExists:
		return defined, nil
	case schema.OpNotExists:
		return !defined, nil
	case schema.OpEqual:
		return defined && looseEqual(actual, c.Value), nil
	case schema.OpNotEqual:
		return !defined || !looseEqual(actual, c.Value), nil
	case schema.OpGreater, schema.OpLess, schema.OpGreaterEq, schema.OpLessEq:
		if !defined {
			return false, nil
		}
		return compareOrdered(c.Operator, actual, c.Value), nil
	case schema.OpContains:
		return defined && contains(actual, c.Value), nil
	case schema.OpNotContains:
		if !defined {
			return true, nil
		}
		if !isContainer(actual) {
			return true, nil
		}
		return !contains(actual, c.Value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q on field %q", c.Operator, c.Field)
	}
}

func compareOrdered(op schema.Operator, actual, expected any) bool {
	a, ok := toFloat(actual)
	if !ok {
		return false
	}
	b, ok := toFloat(expected)
	if !ok {
		return false
	}
	switch op {
	case schema.OpGreater:
		return a > b
	case schema.OpLess:
		return a < b
	case schema.OpGreaterEq:
		return a >= b
	case schema.OpLessEq:
		return a <= b
	}
	return false
}

// toFloat accepts numeric kinds only. Strings are never parsed.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	na, errA := execctx.Normalize(a)
	nb, errB := execctx.Normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func isContainer(v any) bool {
	switch v.(type) {
	case string, []any:
		return true
	}
	return false
}

func contains(haystack, needle any) bool {
	switch hs := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			s = fmt.Sprint(needle)
		}
		return strings.Contains(hs, s)
	case []any:
		for _, item := range hs {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}
