package language

import (
	"strings"

	"github.com/vektah/gqlparser/v2/formatter"
)

const typenameField = "__typename"

// AddTypenames selects __typename in every selection set below the root of
// each operation and at the top of each fragment. Entities cannot be keyed
// without it.
func AddTypenames(doc *QueryDocument) {
	for _, op := range doc.Operations {
		addTypenamesBelow(op.SelectionSet)
	}
	for _, frag := range doc.Fragments {
		frag.SelectionSet = withTypename(frag.SelectionSet)
		addTypenamesBelow(frag.SelectionSet)
	}
}

func addTypenamesBelow(set SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			if len(s.SelectionSet) > 0 {
				s.SelectionSet = withTypename(s.SelectionSet)
				addTypenamesBelow(s.SelectionSet)
			}
		case *InlineFragment:
			addTypenamesBelow(s.SelectionSet)
		}
	}
}

func withTypename(set SelectionSet) SelectionSet {
	for _, sel := range set {
		if f, ok := sel.(*Field); ok && f.Name == typenameField && FieldAlias(f) == typenameField {
			return set
		}
	}
	return append(set, &Field{Name: typenameField, Alias: typenameField})
}

// StripClientDirectives removes directives whose name starts with an
// underscore. Those are read by the cache and unknown to servers.
func StripClientDirectives(doc *QueryDocument) {
	for _, op := range doc.Operations {
		op.Directives = withoutClientDirectives(op.Directives)
		stripSelectionSet(op.SelectionSet)
	}
	for _, frag := range doc.Fragments {
		frag.Directives = withoutClientDirectives(frag.Directives)
		stripSelectionSet(frag.SelectionSet)
	}
}

func stripSelectionSet(set SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			s.Directives = withoutClientDirectives(s.Directives)
			stripSelectionSet(s.SelectionSet)
		case *InlineFragment:
			s.Directives = withoutClientDirectives(s.Directives)
			stripSelectionSet(s.SelectionSet)
		case *FragmentSpread:
			s.Directives = withoutClientDirectives(s.Directives)
		}
	}
}

func withoutClientDirectives(list DirectiveList) DirectiveList {
	var out DirectiveList
	for _, d := range list {
		if !strings.HasPrefix(d.Name, "_") {
			out = append(out, d)
		}
	}
	return out
}

// Print renders a query document as GraphQL source.
func Print(doc *QueryDocument) string {
	var b strings.Builder
	formatter.NewFormatter(&b).FormatQueryDocument(doc)
	return b.String()
}

// Format parses source twice: once for the cache, with __typename added, and
// once for the network, with __typename added and client directives removed.
// It returns the cache document and the printed network query.
func Format(source string) (*QueryDocument, string, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return nil, "", err
	}
	AddTypenames(doc)
	network, err := ParseQuery(source)
	if err != nil {
		return nil, "", err
	}
	AddTypenames(network)
	StripClientDirectives(network)
	return doc, Print(network), nil
}

// OperationType returns the type of the operation named name, or the empty
// string when the document has no such operation.
func OperationType(doc *QueryDocument, name string) string {
	if op := MainOperation(doc, name); op != nil {
		return string(op.Operation)
	}
	return ""
}
