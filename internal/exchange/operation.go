package exchange

import (
	"fmt"
	"hash/fnv"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

// Request is an operation as a client sent it.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Extensions    map[string]any
	Policy        Policy
}

// Response is what the origin answered.
type Response struct {
	Data       map[string]any
	Errors     gqlerror.List
	Extensions map[string]any
}

// Result is the answer to an executed request.
type Result struct {
	Data       map[string]any
	Errors     gqlerror.List
	Extensions map[string]any

	// Stale is set when the data came from the cache while a refresh is
	// pending or the origin was unreachable.
	Stale bool

	// Partial is set when the cache filled missing nullable fields with
	// null.
	Partial bool

	// Queued is set for mutations held in the offline queue.
	Queued bool

	deps map[string]struct{}
}

type operation struct {
	key     uint64
	kind    language.Operation
	name    string
	policy  Policy
	request cache.Request
	network Request
}

// prepare parses a request into the document the cache walks and the
// document sent to the origin.
func prepare(req Request) (*operation, error) {
	doc, query, err := language.Format(req.Query)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	def := language.MainOperation(doc, req.OperationName)
	if def == nil {
		if req.OperationName != "" {
			return nil, fmt.Errorf("exchange: unknown operation %q", req.OperationName)
		}
		return nil, fmt.Errorf("exchange: document has no operation")
	}

	policy := req.Policy
	if policy == "" {
		policy = CacheFirst
	}
	if def.Operation != language.Query {
		policy = NetworkOnly
	}

	network := req
	network.Query = query
	network.Policy = ""
	return &operation{
		key:     operationKey(query, req.Variables),
		kind:    def.Operation,
		name:    def.Name,
		policy:  policy,
		request: cache.Request{Query: doc, Variables: req.Variables, OperationName: req.OperationName},
		network: network,
	}, nil
}

// operationKey identifies equal requests: same printed document, same
// variables.
func operationKey(query string, variables map[string]any) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))
	if len(variables) > 0 {
		h.Write([]byte{0})
		h.Write([]byte(keys.Stringify(variables)))
	}
	return h.Sum64()
}
