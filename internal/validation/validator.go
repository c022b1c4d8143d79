package validation

import "github.com/rendis/bankflow/pkg/schema"

// Validator checks workflow definitions before they are registered and run
// data against caller supplied JSON Schemas (draft 2020-12).
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateData(data any, dataSchema map[string]any) error
}

// AgentLookup reports whether an agent id is registered. Only agent_id
// selectors are checked; criteria and identifiers resolve at run time.
type AgentLookup interface {
	HasAgent(id string) bool
}

// DefinitionLookup reports whether a sub-workflow target exists.
type DefinitionLookup interface {
	HasDefinition(ref schema.DefinitionRef) bool
}

// DefinitionLookupFunc adapts a function to DefinitionLookup.
type DefinitionLookupFunc func(ref schema.DefinitionRef) bool

func (f DefinitionLookupFunc) HasDefinition(ref schema.DefinitionRef) bool { return f(ref) }

// ExpressionCompiler checks transition and auto_resolve expressions.
type ExpressionCompiler interface {
	Compile(expression string) error
}
