package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxConditionDepth bounds nesting of condition groups.
const MaxConditionDepth = 16

// LogicalOperator joins the members of a ConditionGroup.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Operator is the comparison applied by a SingleCondition.
type Operator string

const (
	OpEqual       Operator = "=="
	OpNotEqual    Operator = "!="
	OpGreater     Operator = ">"
	OpLess        Operator = "<"
	OpGreaterEq   Operator = ">="
	OpLessEq      Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEq, OpLessEq,
		OpContains, OpNotContains, OpExists, OpNotExists:
		return true
	}
	return false
}

// NeedsValue reports whether the operator compares against a value.
func (op Operator) NeedsValue() bool {
	return op != OpExists && op != OpNotExists
}

// ConditionGroup is a recursive AND/OR tree.
type ConditionGroup struct {
	LogicalOperator LogicalOperator `json:"logical_operator"`
	Conditions      []ConditionNode `json:"conditions"`
}

// UnmarshalJSON decodes the group and rejects trees deeper than MaxConditionDepth.
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	type plain ConditionGroup
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = ConditionGroup(p)
	if d := g.Depth(); d > MaxConditionDepth {
		return NewErrorf(ErrCodeValidation, "condition group nested %d levels deep, max is %d", d, MaxConditionDepth)
	}
	return nil
}

// Depth returns the nesting depth; a flat group has depth 1.
func (g *ConditionGroup) Depth() int {
	if g == nil {
		return 0
	}
	deepest := 0
	for _, c := range g.Conditions {
		if c.Group != nil {
			if d := c.Group.Depth(); d > deepest {
				deepest = d
			}
		}
	}
	return deepest + 1
}

// SingleCondition compares the value at Field with Value.
type SingleCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// ConditionNode is either a SingleCondition or a nested ConditionGroup.
type ConditionNode struct {
	Single *SingleCondition
	Group  *ConditionGroup
}

// Cond wraps a single condition as a node.
func Cond(field string, op Operator, value any) ConditionNode {
	return ConditionNode{Single: &SingleCondition{Field: field, Operator: op, Value: value}}
}

// All builds an AND group.
func All(nodes ...ConditionNode) *ConditionGroup {
	return &ConditionGroup{LogicalOperator: LogicalAnd, Conditions: nodes}
}

// Any builds an OR group.
func Any(nodes ...ConditionNode) *ConditionGroup {
	return &ConditionGroup{LogicalOperator: LogicalOr, Conditions: nodes}
}

// Nested wraps a group as a node.
func Nested(g *ConditionGroup) ConditionNode {
	return ConditionNode{Group: g}
}

func (n ConditionNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		return json.Marshal(n.Group)
	case n.Single != nil:
		return json.Marshal(n.Single)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON discriminates by shape: objects carrying "conditions" or
// "logical_operator" are groups, everything else is a single condition.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("condition must not be null")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("condition must be an object: %w", err)
	}
	_, hasConds := fields["conditions"]
	_, hasOp := fields["logical_operator"]
	if hasConds || hasOp {
		var g ConditionGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		n.Group = &g
		return nil
	}
	var s SingleCondition
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n.Single = &s
	return nil
}
