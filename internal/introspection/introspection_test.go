package introspection

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	schema "github.com/hanpama/graphcache/internal/schema"
)

const sdl = `
type Query { todos(first: Int): [Todo!]! node(id: ID!): Node }
type Mutation { addTodo(text: String!): Todo }
interface Node { id: ID! }
type Todo implements Node { id: ID! text: String status: Status }
enum Status { OPEN DONE }
union Result = Todo
`

func TestMinifyParseRoundTrip(t *testing.T) {
	original, err := schema.BuildFromSDL("todo.graphql", sdl)
	require.NoError(t, err)

	raw, err := Minify(original)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	require.Equal(t, "Query", parsed.QueryType)
	require.Equal(t, "Mutation", parsed.MutationType)
	require.Empty(t, parsed.SubscriptionType)
	require.True(t, parsed.IsSubType("Node", "Todo"))
	require.True(t, parsed.IsSubType("Result", "Todo"))
	require.Equal(t, schema.TypeKindEnum, parsed.Types["Status"].Kind)

	// Pattern: Result comparison
	if diff := cmp.Diff(original.Field("Query", "todos"), parsed.Field("Query", "todos")); diff != "" {
		t.Errorf("field mismatch (-want +got):\n%s", diff)
	}
	require.False(t, parsed.Field("Todo", "id").Nullable())
	require.True(t, parsed.Field("Todo", "text").Nullable())
}

func TestParseResponseEnvelope(t *testing.T) {
	raw := []byte(`{"data":{"__schema":{
		"queryType":{"name":"Root"},
		"types":[
			{"kind":"OBJECT","name":"Root","fields":[{"name":"me","type":{"kind":"OBJECT","name":"User"},"args":[]}]},
			{"kind":"OBJECT","name":"User","fields":[{"name":"id","type":{"kind":"NON_NULL","ofType":{"kind":"SCALAR","name":"ID"}},"args":[]}]},
			{"kind":"OBJECT","name":"__Schema","fields":[]}
		]
	}}}`)

	s, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "Root", s.QueryType)
	require.NotNil(t, s.Field("Root", "me"))
	require.NotContains(t, s.Types, "__Schema")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrNoSchema)

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"__schema":{"types":[{"kind":"OBJECT","name":"Query","fields":[{"name":"x","args":[]}]}]}}`))
	require.ErrorContains(t, err, "Query.x")
}
