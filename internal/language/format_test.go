package language

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func fieldNames(set SelectionSet) []string {
	var names []string
	for _, sel := range set {
		if f, ok := sel.(*Field); ok {
			names = append(names, FieldAlias(f))
		}
	}
	return names
}

func fieldNamed(set SelectionSet, name string) *Field {
	for _, sel := range set {
		if f, ok := sel.(*Field); ok && FieldAlias(f) == name {
			return f
		}
	}
	return nil
}

const formatSource = `query Todo($id: ID!) {
  todo(id: $id) {
    __typename
    id
    text @_optional
    author { name }
    ... on Todo { complete @_required }
  }
}

fragment Names on Author { name }`

func TestFormatAddsTypenames(t *testing.T) {
	doc, _, err := Format(formatSource)
	require.NoError(t, err)

	root := MainOperation(doc, "").SelectionSet
	require.Equal(t, []string{"todo"}, fieldNames(root))

	todo := fieldNamed(root, "todo")
	if diff := cmp.Diff([]string{"__typename", "id", "text", "author"}, fieldNames(todo.SelectionSet)); diff != "" {
		t.Fatalf("unexpected selection (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"name", "__typename"}, fieldNames(fieldNamed(todo.SelectionSet, "author").SelectionSet))
	require.Equal(t, []string{"name", "__typename"}, fieldNames(doc.Fragments[0].SelectionSet))

	// The cache document keeps client directives.
	require.Equal(t, "_optional", fieldNamed(todo.SelectionSet, "text").Directives[0].Name)
}

func TestFormatStripsClientDirectivesForNetwork(t *testing.T) {
	_, network, err := Format(formatSource)
	require.NoError(t, err)
	require.NotContains(t, network, "_optional")
	require.NotContains(t, network, "_required")

	doc, err := ParseQuery(network)
	require.NoError(t, err)
	todo := fieldNamed(MainOperation(doc, "Todo").SelectionSet, "todo")
	require.Empty(t, fieldNamed(todo.SelectionSet, "text").Directives)
	require.Equal(t, []string{"name", "__typename"}, fieldNames(fieldNamed(todo.SelectionSet, "author").SelectionSet))
	require.Len(t, doc.Operations[0].VariableDefinitions, 1)
}

func TestFormatKeepsOtherDirectives(t *testing.T) {
	_, network, err := Format(`query ($on: Boolean!) { todos @include(if: $on) { id } }`)
	require.NoError(t, err)
	require.Contains(t, network, "@include(if: $on)")
}

func TestOperationType(t *testing.T) {
	doc := MustParseQuery(`mutation Add { addTodo(text: "x") { id } } query List { todos { id } }`)
	require.Equal(t, "mutation", OperationType(doc, ""))
	require.Equal(t, "query", OperationType(doc, "List"))
	require.Equal(t, "", OperationType(doc, "Missing"))
}
