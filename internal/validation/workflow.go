package validation

import (
	"errors"

	"github.com/rendis/bankflow/pkg/schema"
)

// Options wires the optional lookups into the semantic stage.
type Options struct {
	Agents      AgentLookup
	Definitions DefinitionLookup
	// CEL compiles expression transitions; Expr compiles decision auto_resolve.
	CEL  ExpressionCompiler
	Expr ExpressionCompiler
}

// WorkflowValidator runs the three-stage pipeline:
// structural (JSON Schema), semantic (references and per-type rules), graph
// (reachability warnings).
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	opts       Options
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator(opts Options) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, opts: opts}, nil
}

// Validate runs the pipeline and aggregates every issue found. Structural
// errors stop the pipeline; semantic errors skip the graph stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	sc := &semanticChecker{
		agents:      wv.opts.Agents,
		definitions: wv.opts.Definitions,
		cel:         wv.opts.CEL,
		expr:        wv.opts.Expr,
		schemas:     wv.jsonSchema,
	}
	result.Merge(sc.check(def))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateData delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateData(data any, dataSchema map[string]any) error {
	return wv.jsonSchema.ValidateData(data, dataSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var bfErr *schema.BankflowError
	if !errors.As(err, &bfErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := bfErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, bfErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
