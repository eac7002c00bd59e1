package cache

import (
	"maps"
	"regexp"
	"strconv"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

// Types matching this pattern are commonly left without keys on purpose.
var embeddedTypename = regexp.MustCompile(`^__|PageInfo|(Connection|Edge)$`)

func (f *facade) write(req Request, result map[string]any, errs gqlerror.List) WriteResult {
	def := req.operation()
	rootKey := f.store.rootFields.of(def.Operation)
	op := f.newOperation(data.Write, language.NormalizeVariables(def, req.Variables), language.Fragments(req.Query), rootKey, rootKey, errs)
	op.pushDebug(debugName(def, rootKey))
	op.writeSelection(rootKey, def.SelectionSet, result)
	return WriteResult{Data: result, Dependencies: f.pass.Dependencies()}
}

// writeSelection normalizes d into the store under entityKey. An empty
// entityKey writes nothing for the object itself but still walks its
// children, which is how root and unkeyed objects are written.
func (op *operation) writeSelection(entityKey string, selections language.SelectionSet, d map[string]any) {
	s := op.store
	isQuery := entityKey == s.rootFields.query
	_, isRoot := s.rootNames[entityKey]
	isRoot = isRoot && !isQuery

	typename := entityKey
	if !isRoot && !isQuery {
		typename, _ = d["__typename"].(string)
	}
	if typename == "" && entityKey != "" && op.Optimistic {
		v, _ := op.pass.ReadRecord(entityKey, "__typename")
		typename, _ = v.(string)
	}
	if typename == "" {
		op.warn(14, "Couldn't find __typename when writing.\nIf you're writing to the cache manually have to pass a `__typename` property on each entity in your data.")
		return
	}
	if !isRoot && !isQuery && entityKey != "" {
		op.pass.WriteRecord(entityKey, "__typename", typename)
		op.pass.WriteType(typename, entityKey)
	}

	updates := s.updates[typename]
	iterKey := entityKey
	if iterKey == "" {
		iterKey = typename
	}
	it := op.iterate(typename, iterKey, false, selections)
	for field := it.next(); field != nil; field = it.next() {
		fieldName := field.Name
		args := language.FieldArguments(field, op.Variables)
		fieldKey := keys.OfField(fieldName, args)
		alias := language.FieldAlias(field)
		lookup := alias
		if op.Optimistic {
			lookup = fieldName
		}
		fieldValue, present := d[lookup]
		if !present && it.deferred {
			continue
		}
		op.checkFieldAvailable(typename, fieldName)

		var resolver OptimisticResolver
		if op.Optimistic && isRoot {
			if resolver = s.optimistic[fieldName]; resolver == nil {
				continue
			}
		} else if op.Optimistic {
			switch fn := fieldValue.(type) {
			case OptimisticResolver:
				resolver = fn
			case func(map[string]any, Cache, *ResolveInfo) any:
				resolver = fn
			}
		}

		op.pushName(alias)
		if resolver != nil {
			op.enter(d, typename, typename, keys.Join(typename, fieldKey), fieldName)
			fieldValue, present = resolver(orEmpty(args), op.cache, &op.ResolveInfo), true
			d[alias] = fieldValue
		}

		if !present {
			if entityKey == "" || !op.pass.HasField(entityKey, fieldKey) || (op.Optimistic && !isRoot) {
				expected := "scalar (number, boolean, etc)"
				if len(field.SelectionSet) > 0 {
					expected = "selection set"
				}
				op.warn(13, "Invalid undefined: The field at `"+fieldKey+"` is `undefined`, but the GraphQL query expects a "+
					expected+" for this field.")
			}
			op.pop()
			continue
		}

		switch {
		case len(field.SelectionSet) > 0 && entityKey != "" && !isRoot:
			var prevLink any
			if op.Optimistic {
				prevLink, _ = op.pass.ReadLink(entityKey, fieldKey)
			}
			link, ok := op.writeField(field.SelectionSet, fieldValue, keys.Join(entityKey, fieldKey), prevLink)
			if ok {
				op.pass.WriteLink(entityKey, fieldKey, link)
			} else {
				op.pass.ClearLink(entityKey, fieldKey)
			}
		case len(field.SelectionSet) > 0:
			op.writeField(field.SelectionSet, fieldValue, "", nil)
		case entityKey != "" && !isRoot:
			if fieldValue == nil && op.fieldError() != nil {
				op.pass.ClearRecord(entityKey, fieldKey)
			} else {
				op.pass.WriteRecord(entityKey, fieldKey, fieldValue)
			}
		}

		// Updaters run after the normalized write so the data is already in
		// the store.
		if updater := updates[fieldName]; updater != nil {
			parent := d
			if alias != fieldName {
				parent = maps.Clone(d)
				parent[fieldName] = fieldValue
			}
			op.enter(parent, typename, typename, keys.Join(typename, fieldKey), fieldName)
			updater(parent, orEmpty(args), op.cache, &op.ResolveInfo)
		} else if typename == s.rootFields.mutation && !op.Optimistic {
			op.invalidateCreated(fieldValue)
		}
		op.pop()
	}
}

// writeField writes the objects of a field with a selection set and returns
// the link to store for it. A false second result leaves the field
// undefined, which happens for null values reported as errors.
func (op *operation) writeField(selections language.SelectionSet, value any, parentFieldKey string, prevLink any) (any, bool) {
	if list, ok := asList(value); ok {
		prevList, _ := prevLink.([]any)
		out := make([]any, len(list))
		for i, item := range list {
			op.pushIndex(i)
			key := ""
			if parentFieldKey != "" {
				key = keys.Join(parentFieldKey, strconv.Itoa(i))
			}
			var prev any
			if i < len(prevList) {
				prev = prevList[i]
			}
			out[i], _ = op.writeField(selections, item, key, prev)
			op.pop()
		}
		return out, true
	}
	if value == nil {
		if op.fieldError() != nil {
			return nil, false
		}
		return nil, true
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, true
	}

	s := op.store
	entityKey, keyed := s.KeyOfEntity(m)
	if !keyed {
		entityKey, _ = prevLink.(string)
	}
	typename, _ := m["__typename"].(string)
	if _, custom := s.keys[typename]; parentFieldKey != "" && !custom && entityKey == "" && typename != "" && !embeddedTypename.MatchString(typename) {
		op.warn(15, "Invalid key: The field at `"+parentFieldKey+"` has a selection set, but no key could be generated for the data at this field.\n"+
			"You have to request `id` or `_id` fields for all selection sets or create a custom `keys` config for `"+typename+"`.\n"+
			"Entities without keys will be embedded directly on the parent entity. If this is intentional, create a `keys` config for `"+
			typename+"` that always returns false.")
	}

	childKey := entityKey
	if childKey == "" {
		childKey = parentFieldKey
	}
	op.writeSelection(childKey, selections, m)
	if childKey == "" {
		return nil, true
	}
	return childKey, true
}

// invalidateCreated handles mutation fields without an updater. When the
// returned entity was not cached yet or nothing links to it, the mutation
// most likely created it, so every other entity of its type is invalidated
// and queries listing them are fetched again.
func (op *operation) invalidateCreated(value any) {
	if list, ok := asList(value); ok {
		excluded := make([]string, len(list))
		for i, item := range list {
			if m, ok := item.(map[string]any); ok {
				excluded[i], _ = op.store.KeyOfEntity(m)
			}
		}
		for i, item := range list {
			m, _ := item.(map[string]any)
			typename, _ := m["__typename"].(string)
			key := excluded[i]
			if key == "" || typename == "" {
				continue
			}
			_, resolved := op.pass.ReadRecord(key, "__typename")
			if resolved && op.pass.Data().RefCount(key) == 0 {
				op.cache.invalidateType(typename, excluded)
			}
		}
		return
	}
	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	key, ok := op.store.KeyOfEntity(m)
	if !ok {
		return
	}
	typename, _ := m["__typename"].(string)
	_, resolved := op.pass.ReadRecord(key, "__typename")
	if (!resolved || op.pass.Data().RefCount(key) == 0) && typename != "" {
		op.cache.invalidateType(typename, []string{key})
	}
}
