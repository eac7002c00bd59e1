package cache

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/schema"
)

const todoSDL = `
type Query {
  todos: [Todo!]
  todo(id: ID!): Todo
  node(id: ID!): Node
}

type Mutation {
  toggleTodo(id: ID!): Todo!
  addTodo(text: String!): Todo!
}

interface Node { id: ID! }

type Todo implements Node {
  id: ID!
  text: String!
  complete: Boolean
  author: Author
}

type Author implements Node {
  id: ID!
  name: String!
}
`

const todosQuery = `query Todos {
  todos {
    __typename
    id
    text
    complete
    author { __typename id name }
  }
}`

func todosData() map[string]any {
	return map[string]any{
		"todos": []any{
			map[string]any{
				"__typename": "Todo", "id": "1", "text": "Learn Go", "complete": false,
				"author": map[string]any{"__typename": "Author", "id": "1", "name": "Ada"},
			},
			map[string]any{
				"__typename": "Todo", "id": "2", "text": "Write tests", "complete": true,
				"author": map[string]any{"__typename": "Author", "id": "1", "name": "Ada"},
			},
		},
	}
}

// newStore returns a store whose deferred work only runs when a test calls
// GC or Flush.
func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	diag.ResetWarnings()
	if cfg.Schedule == nil {
		cfg.Schedule = func(func()) {}
	}
	return New(cfg)
}

func todoSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL("todo.graphql", todoSDL)
	require.NoError(t, err)
	return s
}

func requireInvariant(t *testing.T, code int, fn func()) {
	t.Helper()
	defer func() {
		err, ok := recover().(*diag.InvariantError)
		require.True(t, ok, "expected an invariant violation")
		require.Equal(t, code, err.Code)
	}()
	fn()
}

func deps(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func TestWriteThenQuery(t *testing.T) {
	s := newStore(t, Config{})
	req := MustRequest(todosQuery, nil)

	w := s.Write(req, todosData(), nil, 0)
	require.Equal(t, deps("Query.todos", "Todo:1", "Todo:2", "Author:1"), w.Dependencies)

	res := s.Query(req, nil, nil, 0)
	require.False(t, res.Partial)
	require.False(t, res.HasNext)
	if diff := cmp.Diff(todosData(), res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}
	require.Equal(t, deps("Query.todos", "Todo:1", "Todo:2", "Author:1"), res.Dependencies)
	require.Equal(t, 2, s.data.RefCount("Author:1"))
	require.Equal(t, 1, s.data.RefCount("Todo:1"))
}

func TestWriteIsIdempotent(t *testing.T) {
	s := newStore(t, Config{})
	req := MustRequest(todosQuery, nil)

	s.Write(req, todosData(), nil, 0)
	s.Write(req, todosData(), nil, 0)

	require.Equal(t, 1, s.data.RefCount("Todo:1"))
	require.Equal(t, 1, s.data.RefCount("Todo:2"))
	require.Equal(t, 2, s.data.RefCount("Author:1"))
	require.Empty(t, s.GC())
	require.Equal(t, Stats{Entities: 4}, s.Stats())
}

func TestQueryReusesUnchangedResults(t *testing.T) {
	s := newStore(t, Config{})
	req := MustRequest(todosQuery, nil)
	s.Write(req, todosData(), nil, 0)

	first := s.Query(req, nil, nil, 0)
	second := s.Query(req, first.Data, nil, 0)
	require.True(t, same(first.Data, second.Data), "an unchanged result is returned as is")

	s.Write(MustRequest(`{ todo(id: "2") { __typename id text } }`, nil), map[string]any{
		"todo": map[string]any{"__typename": "Todo", "id": "2", "text": "Write more tests"},
	}, nil, 0)

	third := s.Query(req, first.Data, nil, 0)
	require.False(t, same(first.Data, third.Data))

	prev := first.Data["todos"].([]any)
	next := third.Data["todos"].([]any)
	require.True(t, same(prev[0], next[0]), "untouched entities keep their identity")
	require.False(t, same(prev[1], next[1]))
	require.Equal(t, "Write more tests", next[1].(map[string]any)["text"])
	require.True(t, same(prev[1].(map[string]any)["author"], next[1].(map[string]any)["author"]))
}

func TestQueryMissingFieldWithoutSchema(t *testing.T) {
	s := newStore(t, Config{})
	s.Write(MustRequest(`{ todos { __typename id text } }`, nil), map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go"}},
	}, nil, 0)

	res := s.Query(MustRequest(`{ todos { __typename id text complete } }`, nil), nil, nil, 0)
	require.Nil(t, res.Data)
	require.True(t, res.Partial)

	res = s.Query(MustRequest(`{ todos { __typename id text complete @_optional } }`, nil), nil, nil, 0)
	require.True(t, res.Partial)
	want := map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go", "complete": nil}},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}
}

func TestQueryPartialWithSchema(t *testing.T) {
	s := newStore(t, Config{Schema: todoSchema(t)})
	s.Write(MustRequest(`{ todos { __typename id text } }`, nil), map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go"}},
	}, nil, 0)

	// complete is nullable, so it is read as null.
	res := s.Query(MustRequest(`{ todos { __typename id text complete } }`, nil), nil, nil, 0)
	require.True(t, res.Partial)
	want := map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go", "complete": nil}},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}

	// @_required overrides the schema and cascades up to the nullable list.
	res = s.Query(MustRequest(`{ todos { __typename id complete @_required } }`, nil), nil, nil, 0)
	require.Nil(t, res.Data)
	require.True(t, res.Partial)
}

func TestQueryMissingNullableLinkWithSchema(t *testing.T) {
	s := newStore(t, Config{Schema: todoSchema(t)})
	s.Write(MustRequest(`{ todos { id text __typename } }`, nil), map[string]any{
		"todos": []any{
			map[string]any{"__typename": "Todo", "id": "0", "text": "Teach"},
			map[string]any{"__typename": "Todo", "id": "1", "text": "Learn"},
		},
	}, nil, 0)

	res := s.Query(MustRequest(`{
  todos {
    id
    text
    complete
    author { id name }
    __typename
  }
}`, nil), nil, nil, 0)
	require.True(t, res.Partial)
	want := map[string]any{"todos": []any{
		map[string]any{"__typename": "Todo", "id": "0", "text": "Teach", "complete": nil, "author": nil},
		map[string]any{"__typename": "Todo", "id": "1", "text": "Learn", "complete": nil, "author": nil},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}
}

func TestQueryNonNullFieldAbortsParent(t *testing.T) {
	s := newStore(t, Config{Schema: todoSchema(t)})
	s.Write(MustRequest(`{ todos { __typename id } }`, nil), map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1"}},
	}, nil, 0)

	// text is non-null and the list items are non-null, so todos becomes
	// null and the query has no fields left to answer with.
	res := s.Query(MustRequest(`{ todos { __typename id text } }`, nil), nil, nil, 0)
	require.Nil(t, res.Data)
	require.True(t, res.Partial)
}

func TestQueryAbstractTypesWithSchema(t *testing.T) {
	s := newStore(t, Config{Schema: todoSchema(t)})
	req := MustRequest(`query ($id: ID!) {
  node(id: $id) {
    __typename
    ... on Node { id }
    ... on Todo { text }
    ... on Author { name }
  }
}`, map[string]any{"id": "1"})

	result := map[string]any{
		"node": map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go"},
	}
	s.Write(req, result, nil, 0)

	res := s.Query(req, nil, nil, 0)
	require.False(t, res.Partial)
	if diff := cmp.Diff(result, res.Data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}
}

func TestErroredFieldsAreLeftUncached(t *testing.T) {
	s := newStore(t, Config{})
	req := MustRequest(`{ todos { __typename id text complete } }`, nil)
	errs := gqlerror.List{{
		Message: "resolver failed",
		Path:    ast.Path{ast.PathName("todos"), ast.PathIndex(0), ast.PathName("complete")},
	}}
	s.Write(req, map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go", "complete": nil}},
	}, errs, 0)

	s.View(func(c Cache) {
		require.Nil(t, c.Resolve("Todo:1", "complete", nil))
		require.Equal(t, "Learn Go", c.Resolve("Todo:1", "text", nil))
	})

	// The same errors turn the missing field into a partial null.
	res := s.Query(req, nil, errs, 0)
	require.True(t, res.Partial)
	require.Equal(t, nil, res.Data["todos"].([]any)[0].(map[string]any)["complete"])

	res = s.Query(req, nil, nil, 0)
	require.Nil(t, res.Data)

	// A required field stays missing even when an error explains it.
	res = s.Query(MustRequest(`{ todos { __typename id text complete @_required } }`, nil), nil, errs, 0)
	require.Nil(t, res.Data)
}

func TestWriteWarnsAboutUndefinedFields(t *testing.T) {
	var buf bytes.Buffer
	s := newStore(t, Config{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	s.Write(MustRequest(`{ todos { __typename id text } }`, nil), map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1"}},
	}, nil, 0)
	require.Contains(t, buf.String(), "code=13")

	buf.Reset()
	s.Write(MustRequest(`{ todos { __typename text } }`, nil), map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "text": "no id"}},
	}, nil, 0)
	require.Contains(t, buf.String(), "code=15")
}
