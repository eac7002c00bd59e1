package cache

import (
	"log/slog"
	"strings"

	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/storage"
)

// Resolver computes a field on read. parent holds the fields already read
// for the entity, with the cached value of a scalar field filled in. A false
// second result leaves the field to the cached data.
type Resolver func(parent, args map[string]any, c Cache, info *ResolveInfo) (any, bool)

// Updater runs after a field has been written, with result holding the
// written parent object. It is used to keep other cached queries in sync
// with a mutation or subscription result.
type Updater func(result, args map[string]any, c Cache, info *ResolveInfo)

// OptimisticResolver predicts the result of a mutation field. Objects it
// returns may hold further OptimisticResolver values that are evaluated
// when their field is written.
type OptimisticResolver func(args map[string]any, c Cache, info *ResolveInfo) any

// KeyingFunc derives the key of an entity of one type. Returning false
// embeds the entity under its parent instead.
type KeyingFunc func(data map[string]any) (string, bool)

// DirectiveResolver builds a field resolver from the arguments of a client
// directive. Client directives are prefixed with an underscore in documents,
// so a directive registered as "relay" is used as @_relay.
type DirectiveResolver func(directiveArgs map[string]any) Resolver

// GlobalIDs selects the typenames whose ids are unique across types. Their
// entity keys are the bare id.
type GlobalIDs struct {
	All   bool
	Types []string
}

func (g GlobalIDs) has(typename string) bool {
	if g.All {
		return true
	}
	for _, t := range g.Types {
		if t == typename {
			return true
		}
	}
	return false
}

// Config configures a Store. Every field is optional.
type Config struct {
	// Resolvers maps typename then field name to a read resolver.
	Resolvers map[string]map[string]Resolver

	// Updates maps typename then field name to an updater. Mutation and
	// subscription fields are listed under their root typename.
	Updates map[string]map[string]Updater

	// Optimistic maps mutation field names to optimistic resolvers.
	Optimistic map[string]OptimisticResolver

	// Keys maps typenames to custom keying functions.
	Keys map[string]KeyingFunc

	GlobalIDs GlobalIDs

	// Directives maps client directive names (without the underscore) to
	// resolver factories.
	Directives map[string]DirectiveResolver

	// Schema enables nullability aware partial results and exact fragment
	// matching.
	Schema *schema.Schema

	// Storage persists the normalized data. When set, the store waits for
	// Hydrate before squashing layered writes.
	Storage storage.Adapter

	Logger *slog.Logger

	// Schedule runs fn some time after the current call returns. It is used
	// for the garbage collection and persistence run after writes. The
	// default runs fn on a new goroutine.
	Schedule func(fn func())
}

// resolverFor returns the resolver configured for a field, falling back to
// the first client directive of the field that has a registered resolver.
func (s *Store) resolverFor(typename, fieldName string, directives language.DirectiveList, variables map[string]any) Resolver {
	if r := s.resolvers[typename][fieldName]; r != nil {
		return r
	}
	if len(s.directives) == 0 {
		return nil
	}
	for _, d := range directives {
		name, ok := strings.CutPrefix(d.Name, "_")
		if !ok {
			continue
		}
		if factory := s.directives[name]; factory != nil {
			return factory(language.DirectiveArguments(d, variables))
		}
	}
	return nil
}
