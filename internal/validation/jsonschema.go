package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/bankflow/pkg/schema"
)

const workflowSchemaURL = "https://bankflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the shape of a WorkflowDefinition. Cross-step
// rules live in the semantic stage.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bankflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "start_step", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$" },
    "version": { "type": "integer", "minimum": 0 },
    "description": { "type": "string" },
    "start_step": { "type": "string" },
    "is_active": { "type": "boolean" },
    "input_schema": { "type": "object" },
    "created_at": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["agent_execution", "human_review", "data_input", "decision",
                   "external_api_call", "parallel", "join", "sub_workflow", "end"]
        },
        "description": { "type": "string" },
        "transitions": { "type": "array", "items": { "$ref": "#/$defs/transition" } },
        "output_namespace": { "type": "string", "minLength": 1 },
        "error_handling": { "$ref": "#/$defs/error_handling" },
        "agent": { "$ref": "#/$defs/agent" },
        "task": { "$ref": "#/$defs/task" },
        "api_call": { "$ref": "#/$defs/api_call" },
        "branches": { "type": "array", "items": { "$ref": "#/$defs/branch" } },
        "join_on": { "type": "string" },
        "sub_workflow": { "$ref": "#/$defs/sub_workflow" },
        "final_status": { "type": "string", "enum": ["completed", "failed"] }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["to"],
      "properties": {
        "to": { "type": "string", "minLength": 1 },
        "condition_type": { "type": "string", "enum": ["always", "conditional", "expression"] },
        "condition_group": { "$ref": "#/$defs/condition_group" },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition_group": {
      "type": "object",
      "required": ["conditions"],
      "properties": {
        "logical_operator": { "type": "string", "enum": ["AND", "OR"] },
        "conditions": {
          "type": "array",
          "items": {
            "anyOf": [
              { "$ref": "#/$defs/condition_group" },
              { "$ref": "#/$defs/single_condition" }
            ]
          }
        }
      },
      "additionalProperties": false
    },
    "single_condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": { "type": "string" },
        "value": {}
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "retry_policy": {
          "type": "object",
          "properties": {
            "max_attempts": { "type": "integer" },
            "delay_seconds": { "type": "number", "minimum": 0 },
            "backoff_strategy": { "type": "string", "enum": ["fixed", "exponential"] },
            "jitter": { "type": "boolean" },
            "max_delay_seconds": { "type": "number", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "on_failure": {
          "type": "object",
          "required": ["action"],
          "properties": {
            "action": {
              "type": "string",
              "enum": ["fail_workflow", "transition_to_step", "continue_with_error", "manual_intervention"]
            },
            "next_step": { "type": "string" }
          },
          "additionalProperties": false
        },
        "error_output_namespace": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "agent": {
      "type": "object",
      "properties": {
        "agent_id": { "type": "string" },
        "criteria": {
          "type": "object",
          "required": ["capability"],
          "properties": {
            "capability": { "type": "string", "minLength": 1 },
            "tags": { "type": "object", "additionalProperties": { "type": "string" } }
          },
          "additionalProperties": false
        },
        "identifier": { "type": "string" },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "properties": {
        "assign_to_user": { "type": "string" },
        "assign_to_role": { "type": "string" },
        "instructions": { "type": "string" },
        "deadline_minutes": { "type": "integer", "minimum": 0 },
        "escalation_policy": {
          "type": "object",
          "required": ["action"],
          "properties": {
            "action": { "type": "string", "enum": ["escalate", "reassign", "auto_complete"] },
            "escalate_to_role": { "type": "string" },
            "reassign_to_user": { "type": "string" },
            "extend_minutes": { "type": "integer", "minimum": 0 },
            "default_output": { "type": "object" }
          },
          "additionalProperties": false
        },
        "output_schema": { "type": "object" },
        "auto_resolve": { "type": "string" }
      },
      "additionalProperties": false
    },
    "api_call": {
      "type": "object",
      "properties": {
        "url": { "type": "string" },
        "method": { "type": "string" },
        "headers": { "type": "object", "additionalProperties": { "type": "string" } },
        "body": {},
        "timeout_seconds": { "type": "integer", "minimum": 0 },
        "success_criteria": {
          "type": "object",
          "properties": {
            "status_codes": {
              "type": "array",
              "items": { "type": "integer", "minimum": 100, "maximum": 599 }
            }
          },
          "additionalProperties": false
        },
        "response_transform": { "type": "string" }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "start_step": { "type": "string" },
        "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } }
      },
      "additionalProperties": false
    },
    "sub_workflow": {
      "type": "object",
      "properties": {
        "workflow_name": { "type": "string" },
        "workflow_id": { "type": "string" },
        "version": { "type": "integer", "minimum": 0 },
        "input_mapping": { "type": "object", "additionalProperties": { "type": "string" } }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions against the embedded workflow
// schema and arbitrary data against caller supplied schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks def against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toBankflowError(err)
	}
	return nil
}

// ValidateData checks data against dataSchema. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateData(data any, dataSchema map[string]any) error {
	if len(dataSchema) == 0 {
		return nil
	}

	raw, err := json.Marshal(dataSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toBankflowError(err)
	}
	return nil
}

// CheckSchema reports whether dataSchema compiles.
func (v *JSONSchemaValidator) CheckSchema(dataSchema map[string]any) error {
	raw, err := json.Marshal(dataSchema)
	if err != nil {
		return err
	}
	_, err = v.getOrCompile(raw)
	return err
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("bankflow://data-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toBankflowError(err error) *schema.BankflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into "location: message" leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
