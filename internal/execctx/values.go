package execctx

import (
	"encoding/json"
	"fmt"
)

// Normalize converts v into the JSON value space (map[string]any, []any,
// float64, string, bool, nil) so that in-memory contexts compare the same way
// as contexts loaded back from storage. The result never aliases v.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("normalize number %q: %w", val, err)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			n, err := Normalize(inner)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			n, err := Normalize(inner)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, fmt.Errorf("normalize raw json: %w", err)
		}
		return decoded, nil
	default:
		// Typed structs, slices and maps go through a JSON round trip.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("normalize %T: %w", v, err)
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("normalize %T: %w", v, err)
		}
		return decoded, nil
	}
}

// NormalizeMap is Normalize for objects. A nil map normalizes to an empty one.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	n, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}

// DeepCopy copies a value already in the JSON value space.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	default:
		return v
	}
}

// DeepCopyMap copies a JSON object.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}
