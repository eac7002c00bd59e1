package keys

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/diag"
)

func TestOfField(t *testing.T) {
	require.Equal(t, "todos", OfField("todos", nil))
	require.Equal(t, "todos", OfField("todos", map[string]any{}))
	require.Equal(t, `todos({"first":10})`, OfField("todos", map[string]any{"first": 10}))

	a := OfField("search", map[string]any{"text": "<b>", "limit": 2, "where": map[string]any{"z": 1, "a": 2}})
	b := OfField("search", map[string]any{"where": map[string]any{"a": 2, "z": 1}, "limit": 2, "text": "<b>"})
	require.Equal(t, a, b)
	require.Equal(t, `search({"limit":2,"text":"<b>","where":{"a":2,"z":1}})`, a)
}

func TestFieldInfoOfRoundTrip(t *testing.T) {
	args := map[string]any{
		"first": 10,
		"after": "cursor(1)",
		"tags":  []any{"x", nil},
		"near":  map[string]any{"lat": 52.5, "radius": 3},
	}
	key := OfField("todos", args)

	got := FieldInfoOf(key)
	want := FieldInfo{FieldKey: key, FieldName: "todos", Arguments: args}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("field info mismatch (-want +got):\n%s", diff)
	}

	plain := FieldInfoOf("__typename")
	require.Equal(t, FieldInfo{FieldKey: "__typename", FieldName: "__typename"}, plain)
}

func TestSerializeRoundTrip(t *testing.T) {
	key := Serialize("Query.todos.0", `todos({"text":"a.b"})`)
	entity, field := Deserialize(key)
	require.Equal(t, "Query.todos.0", entity)
	require.Equal(t, `todos({"text":"a.b"})`, field)
}

func TestJoin(t *testing.T) {
	require.Equal(t, "Query.todos", Join("Query", "todos"))
}

func TestStringifyFallsBackForUnencodableValues(t *testing.T) {
	diag.ResetWarnings()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	require.Equal(t, "score(map[x:NaN])", OfField("score", map[string]any{"x": math.NaN()}))
	require.Contains(t, buf.String(), "code=31")
	require.Contains(t, buf.String(), "not JSON encodable")
}
