package cache

import (
	"maps"
	"slices"
	"strings"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

// FieldInfo describes one cached variant of a field.
type FieldInfo = keys.FieldInfo

// Cache is the view of the store handed to resolvers, updaters and
// optimistic resolvers. It is only valid for the duration of the call it
// was passed to.
//
// Entities are passed either as an entity key string or as an object with
// __typename and an id.
type Cache interface {
	KeyOfEntity(entity any) (string, bool)
	KeyOfField(fieldName string, args map[string]any) string

	// Resolve returns the cached record or link of an entity field, or nil.
	Resolve(entity any, fieldName string, args map[string]any) any
	InspectFields(entity any) []FieldInfo

	// Invalidate clears a field of an entity, every field of an entity
	// when fieldName is empty, or every entity of a type when entity is a
	// bare typename.
	Invalidate(entity any, fieldName string, args map[string]any)

	// UpdateQuery reads req, passes the data to updater and writes what it
	// returns. Returning nil skips the write.
	UpdateQuery(req Request, updater func(data map[string]any) map[string]any)
	ReadQuery(req Request) map[string]any
	ReadFragment(fragment *language.QueryDocument, entity any, variables map[string]any, fragmentName string) map[string]any
	WriteFragment(fragment *language.QueryDocument, data map[string]any, variables map[string]any, fragmentName string)

	// Link points a field of an entity at other entities. link may hold
	// entity keys, objects, nil, or lists of those.
	Link(entity any, fieldName string, args map[string]any, link any)
}

// facade implements Cache on top of the pass of one top-level call.
type facade struct {
	store *Store
	pass  *data.Pass

	// current is the walk whose callback is running, if any.
	current *operation
}

var _ Cache = (*facade)(nil)

func (f *facade) assertActive() {
	diag.Invariant(f.pass.Active(), 2,
		"Invalid Cache call: The cache may only be accessed or mutated during operations like write or query, or as part of its resolvers, updaters, or optimistic configs.")
}

// KeyOfEntity also recognizes the parent object of the running resolver and
// returns its key even when the object itself is incomplete.
func (f *facade) KeyOfEntity(entity any) (string, bool) {
	if m, ok := entity.(map[string]any); ok && f.current != nil && f.current.ParentKey != "" && same(m, f.current.Parent) {
		return f.current.ParentKey, true
	}
	return f.store.KeyOfEntity(entity)
}

func (f *facade) KeyOfField(fieldName string, args map[string]any) string {
	return keys.OfField(fieldName, args)
}

func (f *facade) Resolve(entity any, fieldName string, args map[string]any) any {
	f.assertActive()
	entityKey, ok := f.KeyOfEntity(entity)
	if !ok {
		return nil
	}
	fieldKey := keys.OfField(fieldName, args)
	if v, ok := f.pass.ReadRecord(entityKey, fieldKey); ok {
		return v
	}
	v, _ := f.pass.ReadLink(entityKey, fieldKey)
	return v
}

func (f *facade) InspectFields(entity any) []FieldInfo {
	f.assertActive()
	entityKey, ok := f.KeyOfEntity(entity)
	if !ok {
		return nil
	}
	return f.pass.InspectFields(entityKey)
}

func (f *facade) Invalidate(entity any, fieldName string, args map[string]any) {
	f.assertActive()
	if typename, ok := entity.(string); ok && fieldName == "" && args == nil && f.Resolve(typename, "__typename", nil) == nil {
		f.invalidateType(typename, nil)
		return
	}
	entityKey, ok := f.KeyOfEntity(entity)
	diag.Invariant(ok, 19,
		"Can't generate a key for invalidate(...).\nYou have to pass an id or _id field or create a custom `keys` field for `%s`.",
		typenameOf(entity))
	f.invalidateEntity(entityKey, fieldName, args)
}

func (f *facade) UpdateQuery(req Request, updater func(data map[string]any) map[string]any) {
	f.assertActive()
	if out := updater(f.ReadQuery(req)); out != nil {
		f.write(req, out, nil)
	}
}

func (f *facade) ReadQuery(req Request) map[string]any {
	f.assertActive()
	return f.query(req, nil, nil).Data
}

func (f *facade) ReadFragment(fragment *language.QueryDocument, entity any, variables map[string]any, fragmentName string) map[string]any {
	f.assertActive()
	def, fragments := f.fragment(fragment, fragmentName, 6, "readFragment")
	if def == nil {
		return nil
	}
	typename := def.TypeCondition
	if m, ok := entity.(map[string]any); ok && m["__typename"] == nil {
		m = maps.Clone(m)
		m["__typename"] = typename
		entity = m
	}
	entityKey, ok := f.KeyOfEntity(entity)
	if !ok {
		diag.Warn(f.store.logger, 7, "Can't generate a key for readFragment(...).\nYou have to pass an `id` or `_id` field or create a custom `keys` config for `"+
			typename+"`.", nil)
		return nil
	}
	op := f.newOperation(data.Read, orEmpty(variables), fragments, typename, entityKey, nil)
	op.pushDebug(def.Name)
	out, ok := op.readSelection(entityKey, def.SelectionSet, nil, nil)
	if !ok {
		return nil
	}
	return out
}

func (f *facade) WriteFragment(fragment *language.QueryDocument, d map[string]any, variables map[string]any, fragmentName string) {
	f.assertActive()
	def, fragments := f.fragment(fragment, fragmentName, 11, "writeFragment")
	if def == nil {
		return
	}
	typename := def.TypeCondition
	toWrite := maps.Clone(d)
	if toWrite == nil {
		toWrite = make(map[string]any)
	}
	if toWrite["__typename"] == nil {
		toWrite["__typename"] = typename
	}
	entityKey, ok := f.store.KeyOfEntity(toWrite)
	if !ok {
		diag.Warn(f.store.logger, 12, "Can't generate a key for writeFragment(...) data.\nYou have to pass an `id` or `_id` field or create a custom `keys` config for `"+
			typename+"`.", nil)
		return
	}
	op := f.newOperation(data.Write, orEmpty(variables), fragments, typename, entityKey, nil)
	op.pushDebug(def.Name)
	op.writeSelection(entityKey, def.SelectionSet, toWrite)
}

// fragment picks the named fragment of doc, or its first one.
func (f *facade) fragment(doc *language.QueryDocument, name string, code int, caller string) (*language.FragmentDefinition, map[string]*language.FragmentDefinition) {
	diag.Invariant(doc != nil && len(doc.Operations)+len(doc.Fragments) > 0, 30,
		"Invalid GraphQL document: The document passed to %s(...) contains no definitions.", caller)
	fragments := language.Fragments(doc)
	if name == "" {
		def := language.SingleFragment(doc)
		if def == nil {
			diag.Warn(f.store.logger, code, caller+"(...) was called with an empty fragment.\nYou have to call it with at least one fragment in your GraphQL document.", nil)
		}
		return def, fragments
	}
	def := fragments[name]
	if def == nil {
		names := slices.Sorted(maps.Keys(fragments))
		diag.Warn(f.store.logger, code, caller+"(...) was called with a fragment name that does not exist.\nYou provided "+
			name+" but could only find "+strings.Join(names, ", ")+".", nil)
	}
	return def, fragments
}

func (f *facade) Link(entity any, fieldName string, args map[string]any, link any) {
	f.assertActive()
	entityKey, ok := f.KeyOfEntity(entity)
	if !ok {
		return
	}
	f.pass.WriteLink(entityKey, keys.OfField(fieldName, args), f.ensureLink(link))
}

// ensureLink turns objects inside a link into entity keys.
func (f *facade) ensureLink(ref any) any {
	if list, ok := asList(ref); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = f.ensureLink(item)
		}
		return out
	}
	switch r := ref.(type) {
	case nil:
		return nil
	case string:
		if r == "" {
			return nil
		}
		return r
	}
	key, ok := f.store.KeyOfEntity(ref)
	if !ok {
		diag.Warn(f.store.logger, 12, "Can't generate a key for link(...) item.\nYou have to pass an `id` or `_id` field or create a custom `keys` config for `"+
			typenameOf(ref)+"`.", nil)
		return nil
	}
	return key
}

func typenameOf(entity any) string {
	switch e := entity.(type) {
	case string:
		return e
	case map[string]any:
		typename, _ := e["__typename"].(string)
		return typename
	}
	return ""
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
