package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a definition from JSON or YAML. YAML is converted
// to JSON first so both formats share the same field names and decoders.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "definition document is empty")
	}

	raw := trimmed
	if trimmed[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse yaml definition: %s", err.Error()).WithCause(err)
		}
		converted, err := json.Marshal(normalizeYAML(doc))
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "convert yaml definition: %s", err.Error()).WithCause(err)
		}
		raw = converted
	}

	var def WorkflowDefinition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// normalizeYAML turns map[any]any nodes (non-string keys) into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeYAML(inner)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = normalizeYAML(inner)
		}
		return out
	case []any:
		for i, inner := range val {
			val[i] = normalizeYAML(inner)
		}
		return val
	default:
		return v
	}
}
