package cache

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/diag"
	language "github.com/hanpama/graphcache/internal/language"
)

// Request is a parsed GraphQL document with the variables it runs with.
type Request struct {
	Query         *language.QueryDocument
	Variables     map[string]any
	OperationName string
}

// NewRequest parses query into a Request.
func NewRequest(query string, variables map[string]any) (Request, error) {
	doc, err := language.ParseQuery(query)
	if err != nil {
		return Request{}, err
	}
	return Request{Query: doc, Variables: variables}, nil
}

// MustRequest is like NewRequest but panics on a parse error.
func MustRequest(query string, variables map[string]any) Request {
	return Request{Query: language.MustParseQuery(query), Variables: variables}
}

func (r Request) operation() *language.OperationDefinition {
	op := language.MainOperation(r.Query, r.OperationName)
	diag.Invariant(op != nil, 1,
		"Invalid GraphQL document: All GraphQL documents must contain an OperationDefinition node for a query, subscription, or mutation.")
	return op
}

// QueryResult is the outcome of reading a request from the cache.
type QueryResult struct {
	// Data is nil when the cache could not satisfy the request.
	Data map[string]any

	// Partial is set when nullable fields were missing and read as null.
	Partial bool

	// HasNext is set when deferred fields have not been delivered yet.
	HasNext bool

	Dependencies map[string]struct{}
}

// WriteResult is the outcome of writing a result into the cache.
type WriteResult struct {
	Data         map[string]any
	Dependencies map[string]struct{}
}

// ResolveInfo describes the field a resolver, updater or optimistic
// resolver is running for. Resolvers may set Partial to mark the current
// read as incomplete.
type ResolveInfo struct {
	ParentTypeName string
	ParentKey      string
	ParentFieldKey string
	FieldName      string
	Parent         map[string]any

	Variables map[string]any
	Fragments map[string]*language.FragmentDefinition

	// Path is the response path of the field.
	Path ast.Path

	// Error is the GraphQL error reported for the field, if any.
	Error *gqlerror.Error

	Partial    bool
	Optimistic bool
}
