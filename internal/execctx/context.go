// Package execctx owns the accumulating result object a run carries across
// steps: namespaced merges, dotted path reads, join arrival bookkeeping and
// isolated forks for concurrent branches.
package execctx

import (
	"sort"
	"strconv"
	"strings"
)

// Reserved top-level keys. Shallow merges never overwrite them.
const (
	KeyContext = "context"     // triggering payload, immutable
	KeyOutput  = "output"      // most recent step output
	KeyJoin    = "__join__"    // join arrivals: __join__.<join>.<branch>
	KeyFailure = "__failure__" // terminal failure diagnostic

	releasedMarker = "__released__"
)

// IsReserved reports whether key is managed by the context itself.
func IsReserved(key string) bool {
	switch key {
	case KeyContext, KeyOutput, KeyJoin, KeyFailure:
		return true
	}
	return false
}

type opKind int

const (
	opMerge opKind = iota
	opArrival
)

type op struct {
	kind      opKind
	output    map[string]any
	namespace string
	join      string
	branch    string
	value     any
}

// Context wraps a run's results map. It is not safe for concurrent use;
// concurrent branches each work on their own Fork.
type Context struct {
	data    map[string]any
	journal []op
	forked  bool
}

// New starts a context for a fresh run with trigger stored under "context".
func New(trigger map[string]any) (*Context, error) {
	t, err := NormalizeMap(trigger)
	if err != nil {
		return nil, err
	}
	return &Context{data: map[string]any{KeyContext: t}}, nil
}

// From wraps persisted results without copying them.
func From(results map[string]any) *Context {
	if results == nil {
		results = map[string]any{}
	}
	if _, ok := results[KeyContext]; !ok {
		results[KeyContext] = map[string]any{}
	}
	return &Context{data: results}
}

// Data returns the underlying map for persistence.
func (c *Context) Data() map[string]any {
	return c.data
}

// Snapshot returns a deep copy of the whole context.
func (c *Context) Snapshot() map[string]any {
	return DeepCopyMap(c.data)
}

// Trigger returns a copy of the triggering payload.
func (c *Context) Trigger() map[string]any {
	t, _ := c.data[KeyContext].(map[string]any)
	return DeepCopyMap(t)
}

// Merge folds a step output into the context. With a namespace the output is
// nested under it (replacing an earlier value); without one its keys are
// shallow-merged at the top level, last write wins. Reserved keys are skipped
// and returned so the caller can report them.
func (c *Context) Merge(output map[string]any, namespace string) (skipped []string, err error) {
	norm, err := NormalizeMap(output)
	if err != nil {
		return nil, err
	}
	if c.forked {
		c.journal = append(c.journal, op{kind: opMerge, output: DeepCopyMap(norm), namespace: namespace})
	}
	return c.apply(norm, namespace), nil
}

func (c *Context) apply(output map[string]any, namespace string) []string {
	var skipped []string
	if namespace != "" {
		if IsReserved(namespace) {
			skipped = append(skipped, namespace)
		} else {
			c.data[namespace] = DeepCopyMap(output)
		}
	} else {
		keys := make([]string, 0, len(output))
		for k := range output {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if IsReserved(k) {
				skipped = append(skipped, k)
				continue
			}
			c.data[k] = DeepCopy(output[k])
		}
	}
	c.data[KeyOutput] = DeepCopyMap(output)
	return skipped
}

// Get resolves a dotted path such as "score.value" or "items.0.id".
// Any unresolved segment yields ok=false.
func (c *Context) Get(path string) (any, bool) {
	return Lookup(c.data, path)
}

// Lookup resolves a dotted path against an arbitrary JSON value.
func Lookup(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// LastOutput returns the most recent step output, or nil.
func (c *Context) LastOutput() map[string]any {
	out, _ := c.data[KeyOutput].(map[string]any)
	return out
}

func (c *Context) joinState(join string, create bool) map[string]any {
	all, _ := c.data[KeyJoin].(map[string]any)
	if all == nil {
		if !create {
			return nil
		}
		all = map[string]any{}
		c.data[KeyJoin] = all
	}
	state, _ := all[join].(map[string]any)
	if state == nil && create {
		state = map[string]any{}
		all[join] = state
	}
	return state
}

// RecordArrival marks branch as arrived at join, storing its final output.
// It returns false when the arrival was already recorded; the stored value is
// left untouched in that case.
func (c *Context) RecordArrival(join, branch string, output map[string]any) (bool, error) {
	norm, err := NormalizeMap(output)
	if err != nil {
		return false, err
	}
	if c.forked {
		c.journal = append(c.journal, op{kind: opArrival, join: join, branch: branch, value: DeepCopyMap(norm)})
	}
	return c.arrive(join, branch, norm), nil
}

func (c *Context) arrive(join, branch string, value any) bool {
	state := c.joinState(join, true)
	if _, seen := state[branch]; seen {
		return false
	}
	state[branch] = DeepCopy(value)
	return true
}

// Arrivals returns the recorded branch outputs keyed by branch name.
func (c *Context) Arrivals(join string) map[string]any {
	state := c.joinState(join, false)
	out := make(map[string]any, len(state))
	for k, v := range state {
		if k == releasedMarker {
			continue
		}
		out[k] = DeepCopy(v)
	}
	return out
}

// HasArrived reports whether branch has been recorded at join.
func (c *Context) HasArrived(join, branch string) bool {
	_, ok := c.joinState(join, false)[branch]
	return ok
}

// ResetJoin clears arrivals so a parallel step can be re-entered.
func (c *Context) ResetJoin(join string) {
	if all, ok := c.data[KeyJoin].(map[string]any); ok {
		delete(all, join)
	}
}

// MarkReleased records that the join barrier fired. It returns false if it
// had already fired.
func (c *Context) MarkReleased(join string) bool {
	state := c.joinState(join, true)
	if released, _ := state[releasedMarker].(bool); released {
		return false
	}
	state[releasedMarker] = true
	return true
}

// Released reports whether the join barrier already fired.
func (c *Context) Released(join string) bool {
	released, _ := c.joinState(join, false)[releasedMarker].(bool)
	return released
}

// RecordFailure stores the terminal failure diagnostic.
func (c *Context) RecordFailure(step, reason, kind string) {
	c.data[KeyFailure] = map[string]any{
		"step":   step,
		"reason": reason,
		"kind":   kind,
	}
}

// Failure returns the recorded failure diagnostic, if any.
func (c *Context) Failure() (map[string]any, bool) {
	f, ok := c.data[KeyFailure].(map[string]any)
	return f, ok
}

// Fork returns an isolated deep copy that journals its merges and arrivals.
func (c *Context) Fork() *Context {
	return &Context{data: c.Snapshot(), forked: true}
}

// Absorb replays a fork's journal onto c.
func (c *Context) Absorb(f *Context) {
	for _, o := range f.journal {
		switch o.kind {
		case opMerge:
			c.apply(o.output, o.namespace)
		case opArrival:
			c.arrive(o.join, o.branch, o.value)
		}
	}
	f.journal = nil
}
