package execctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCtx(t *testing.T, trigger map[string]any) *Context {
	t.Helper()
	c, err := New(trigger)
	require.NoError(t, err)
	return c
}

func TestNew_CopiesTrigger(t *testing.T) {
	trigger := map[string]any{"customer": map[string]any{"id": "c-1"}, "amount": 5000}
	c := newCtx(t, trigger)

	trigger["customer"].(map[string]any)["id"] = "mutated"

	v, ok := c.Get("context.customer.id")
	require.True(t, ok)
	assert.Equal(t, "c-1", v)

	amount, _ := c.Get("context.amount")
	assert.Equal(t, float64(5000), amount, "numbers are normalized to float64")
}

func TestMerge_Namespaced(t *testing.T) {
	c := newCtx(t, map[string]any{"action": "approve"})

	_, err := c.Merge(map[string]any{"value": 720, "band": "A"}, "score")
	require.NoError(t, err)

	v, ok := c.Get("score.value")
	require.True(t, ok)
	assert.Equal(t, float64(720), v)

	out, ok := c.Get("output.band")
	require.True(t, ok)
	assert.Equal(t, "A", out)

	trigger, _ := c.Get("context.action")
	assert.Equal(t, "approve", trigger)
}

func TestMerge_ShallowLastWriteWins(t *testing.T) {
	c := newCtx(t, nil)

	_, err := c.Merge(map[string]any{"status": "pending", "a": 1}, "")
	require.NoError(t, err)
	_, err = c.Merge(map[string]any{"status": "cleared"}, "")
	require.NoError(t, err)

	status, _ := c.Get("status")
	assert.Equal(t, "cleared", status)
	a, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, float64(1), a)
}

func TestMerge_NeverTouchesReservedKeys(t *testing.T) {
	c := newCtx(t, map[string]any{"action": "approve"})

	skipped, err := c.Merge(map[string]any{"context": map[string]any{"action": "reject"}, "__join__": "x", "ok": true}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"context", "__join__"}, skipped)

	skipped, err = c.Merge(map[string]any{"action": "reject"}, "context")
	require.NoError(t, err)
	assert.Equal(t, []string{"context"}, skipped)

	v, _ := c.Get("context.action")
	assert.Equal(t, "approve", v)
	_, hasJoin := c.Get("__join__")
	assert.False(t, hasJoin)
}

func TestMerge_Idempotent(t *testing.T) {
	c := newCtx(t, map[string]any{"n": 1})
	output := map[string]any{"decision": "approve", "notes": []any{"a", "b"}}

	_, err := c.Merge(output, "review")
	require.NoError(t, err)
	first := c.Snapshot()

	_, err = c.Merge(output, "review")
	require.NoError(t, err)
	assert.Equal(t, first, c.Snapshot())
}

func TestMerge_DoesNotAliasOutput(t *testing.T) {
	c := newCtx(t, nil)
	output := map[string]any{"nested": map[string]any{"k": "v"}}
	_, err := c.Merge(output, "ns")
	require.NoError(t, err)

	output["nested"].(map[string]any)["k"] = "changed"
	v, _ := c.Get("ns.nested.k")
	assert.Equal(t, "v", v)
}

func TestMerge_RejectsUnserializable(t *testing.T) {
	c := newCtx(t, nil)
	_, err := c.Merge(map[string]any{"fn": func() {}}, "")
	require.Error(t, err)
}

func TestGet_MissingSegments(t *testing.T) {
	c := newCtx(t, map[string]any{"items": []any{map[string]any{"id": "x"}}})

	v, ok := c.Get("context.items.0.id")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	for _, path := range []string{"", "context.items.5.id", "context.items.a", "context.missing", "nope.deeper", "context..items"} {
		_, ok := c.Get(path)
		assert.False(t, ok, path)
	}
}

func TestGet_NullIsDefined(t *testing.T) {
	c := newCtx(t, map[string]any{"flag": nil})
	v, ok := c.Get("context.flag")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestArrivals_Idempotent(t *testing.T) {
	c := newCtx(t, nil)

	fresh, err := c.RecordArrival("gate", "kyc", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = c.RecordArrival("gate", "kyc", map[string]any{"ok": false})
	require.NoError(t, err)
	assert.False(t, fresh, "second arrival of the same branch is a no-op")

	arrivals := c.Arrivals("gate")
	require.Len(t, arrivals, 1)
	assert.Equal(t, map[string]any{"ok": true}, arrivals["kyc"])

	v, ok := c.Get("__join__.gate.kyc.ok")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestJoin_ReleaseAndReset(t *testing.T) {
	c := newCtx(t, nil)
	_, _ = c.RecordArrival("gate", "a", nil)

	assert.False(t, c.Released("gate"))
	assert.True(t, c.MarkReleased("gate"))
	assert.False(t, c.MarkReleased("gate"))
	assert.True(t, c.Released("gate"))
	assert.Len(t, c.Arrivals("gate"), 1, "release marker is not an arrival")

	c.ResetJoin("gate")
	assert.False(t, c.Released("gate"))
	assert.Empty(t, c.Arrivals("gate"))
	assert.False(t, c.HasArrived("gate", "a"))
}

func TestFork_AbsorbInOrder(t *testing.T) {
	c := newCtx(t, map[string]any{"id": "r1"})

	a := c.Fork()
	b := c.Fork()

	_, err := a.Merge(map[string]any{"shared": "from-a", "a_only": 1}, "")
	require.NoError(t, err)
	_, err = a.RecordArrival("gate", "a", map[string]any{"done": "a"})
	require.NoError(t, err)

	_, err = b.Merge(map[string]any{"shared": "from-b"}, "")
	require.NoError(t, err)
	_, err = b.RecordArrival("gate", "b", map[string]any{"done": "b"})
	require.NoError(t, err)

	_, seenByParent := c.Get("a_only")
	assert.False(t, seenByParent, "forks are isolated until absorbed")

	c.Absorb(a)
	c.Absorb(b)

	shared, _ := c.Get("shared")
	assert.Equal(t, "from-b", shared, "later branch in declaration order wins")
	assert.Len(t, c.Arrivals("gate"), 2)
}

func TestRecordFailure(t *testing.T) {
	c := newCtx(t, nil)
	c.RecordFailure("decide", "no transition matched", "workflow_stall")

	f, ok := c.Failure()
	require.True(t, ok)
	assert.Equal(t, "decide", f["step"])
	assert.Equal(t, "workflow_stall", f["kind"])
}

func TestFrom_WrapsPersisted(t *testing.T) {
	results := map[string]any{"context": map[string]any{"k": "v"}, "score": map[string]any{"value": 1.0}}
	c := From(results)
	v, ok := c.Get("score.value")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	empty := From(nil)
	assert.NotNil(t, empty.Trigger())
}
