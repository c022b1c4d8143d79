package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/pkg/schema"
)

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// Interpolator renders ${{ path }} references inside API call templates.
// Paths are dotted lookups into the execution context (context.customer.id,
// score.value, output.items.0).
type Interpolator struct{}

// NewInterpolator returns an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render walks v and replaces every reference found in its strings. A string
// that is exactly one reference is replaced by the referenced value with its
// JSON type intact; references embedded in longer strings are stringified.
// Map keys are not rendered.
func (interp *Interpolator) Render(v any, results map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.RenderString(val, results)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.Render(item, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.Render(item, results)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.RenderString(item, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderString renders a single template string.
func (interp *Interpolator) RenderString(input string, results map[string]any) (any, error) {
	if !HasInterpolation(input) {
		return input, nil
	}

	if path, whole, err := singleToken(input); err != nil {
		return nil, err
	} else if whole {
		return resolvePath(path, input, results)
	}

	var b strings.Builder
	b.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], tokenOpen)
		if idx == -1 {
			b.WriteString(input[i:])
			break
		}
		b.WriteString(input[i : i+idx])
		start := i + idx + len(tokenOpen)

		end := strings.Index(input[start:], tokenClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", tokenOpen, input)
		}
		end += start

		path, err := tokenPath(input[start:end])
		if err != nil {
			return nil, err
		}
		val, err := resolvePath(path, input, results)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))

		i = end + len(tokenClose)
	}

	return b.String(), nil
}

// RenderText is RenderString with the result always stringified. URLs and
// header values use it.
func (interp *Interpolator) RenderText(input string, results map[string]any) (string, error) {
	v, err := interp.RenderString(input, results)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// singleToken reports whether input is exactly one ${{ path }} reference.
func singleToken(input string) (string, bool, error) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, tokenOpen) || !strings.HasSuffix(trimmed, tokenClose) {
		return "", false, nil
	}
	inner := trimmed[len(tokenOpen) : len(trimmed)-len(tokenClose)]
	if strings.Contains(inner, tokenOpen) || strings.Contains(inner, tokenClose) {
		return "", false, nil
	}
	path, err := tokenPath(inner)
	return path, err == nil, err
}

func tokenPath(raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if path == "" {
		return "", schema.NewError(schema.ErrCodeInterpolation, "empty reference ${{ }}")
	}
	if strings.Contains(path, tokenOpen) {
		return "", schema.NewError(schema.ErrCodeInterpolation, "nested references are not allowed")
	}
	return path, nil
}

func resolvePath(path, template string, results map[string]any) (any, error) {
	val, ok := execctx.Lookup(results, path)
	if !ok {
		available := topKeys(results)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"reference %q not found; available: [%s]", path, strings.Join(available, ", ")).
			WithDetails(map[string]any{"path": path, "template": template, "available": available})
	}
	return val, nil
}

// stringify renders a resolved value for embedding in text.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func topKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether s contains a ${{ reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, tokenOpen)
}

// References lists the paths referenced in s, in order of appearance.
// Malformed tokens are skipped.
func References(s string) []string {
	var refs []string
	for {
		idx := strings.Index(s, tokenOpen)
		if idx == -1 {
			return refs
		}
		rest := s[idx+len(tokenOpen):]
		end := strings.Index(rest, tokenClose)
		if end == -1 {
			return refs
		}
		if p := strings.TrimSpace(rest[:end]); p != "" {
			refs = append(refs, p)
		}
		s = rest[end+len(tokenClose):]
	}
}
