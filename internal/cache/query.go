package cache

import (
	"maps"
	"strconv"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

func (f *facade) query(req Request, input map[string]any, errs gqlerror.List) QueryResult {
	def := req.operation()
	rootKey := f.store.rootFields.of(def.Operation)
	op := f.newOperation(data.Read, language.NormalizeVariables(def, req.Variables), language.Fragments(req.Query), rootKey, rootKey, errs)
	op.pushDebug(debugName(def, rootKey))

	var out map[string]any
	ok := true
	if rootKey != f.store.rootFields.query {
		if input == nil {
			input = map[string]any{}
		}
		out = op.readRoot(rootKey, def.SelectionSet, input)
	} else {
		out, ok = op.readSelection(rootKey, def.SelectionSet, input, nil)
	}
	if !ok {
		out = nil
	}
	return QueryResult{
		Data:         out,
		Partial:      op.Partial || !ok,
		HasNext:      op.hasNext,
		Dependencies: f.pass.Dependencies(),
	}
}

func debugName(def *language.OperationDefinition, rootKey string) string {
	if def.Name != "" {
		return def.Name
	}
	return rootKey
}

// readRoot reads a mutation or subscription result. Root objects are not
// cached, so their fields come from input and only keyed children are
// read back from the store.
func (op *operation) readRoot(entityKey string, selections language.SelectionSet, input map[string]any) map[string]any {
	if _, isRoot := op.store.rootNames[entityKey]; !isRoot {
		if typename, _ := input["__typename"].(string); typename == "" {
			return input
		}
	}

	it := op.iterate(entityKey, entityKey, false, selections)
	hasChanged := false
	output := make(map[string]any, len(input))
	for field := it.next(); field != nil; field = it.next() {
		alias := language.FieldAlias(field)
		fieldValue, present := input[alias]
		if !present {
			continue
		}
		op.pushName(alias)
		value := fieldValue
		if len(field.SelectionSet) > 0 && fieldValue != nil {
			value = op.readRootField(field.SelectionSet, fieldValue)
		}
		hasChanged = hasChanged || !same(value, fieldValue)
		op.pop()
		output[alias] = value
	}
	if !hasChanged {
		return input
	}
	return output
}

func (op *operation) readRootField(selections language.SelectionSet, original any) any {
	if list, ok := asList(original); ok {
		out := make([]any, len(list))
		hasChanged := false
		for i, item := range list {
			op.pushIndex(i)
			out[i] = op.readRootField(selections, item)
			hasChanged = hasChanged || !same(out[i], item)
			op.pop()
		}
		if !hasChanged {
			return original
		}
		return out
	}
	m, ok := original.(map[string]any)
	if !ok {
		return original
	}
	if entityKey, ok := op.store.KeyOfEntity(m); ok {
		out, ok := op.readSelection(entityKey, selections, m, nil)
		if !ok {
			return nil
		}
		return out
	}
	typename, _ := m["__typename"].(string)
	return op.readRoot(typename, selections, m)
}

// readSelection reads the fields of selections for the entity at key.
// input is the previous result for the same object; when nothing changed it
// is returned as is. result is set when a resolver returned an object for
// the entity. A false second result means the entity could not be read.
func (op *operation) readSelection(key string, selections language.SelectionSet, input, result map[string]any) (map[string]any, bool) {
	s := op.store
	isQuery := key == s.rootFields.query
	entityKey := key
	if result != nil {
		if k, ok := s.KeyOfEntity(result); ok {
			entityKey = k
		}
	}
	if _, isRoot := s.rootNames[entityKey]; !isQuery && isRoot {
		op.warn(25, "Invalid root traversal: A selection was being read on `"+entityKey+
			"` which is an uncached root type.\nThe `"+s.rootFields.mutation+"` and `"+s.rootFields.subscription+
			"` types are special Operation Root Types and cannot be read back from the cache.")
	}

	typename := key
	if !isQuery {
		typename = ""
		if v, ok := op.pass.ReadRecord(entityKey, "__typename"); ok {
			typename, _ = v.(string)
		}
		if typename == "" && result != nil {
			typename, _ = result["__typename"].(string)
		}
	}
	if typename == "" {
		return nil, false
	}
	if result != nil {
		if resultTypename, _ := result["__typename"].(string); resultTypename != typename {
			op.warn(8, "Invalid resolver data: The resolver at `"+entityKey+"` returned an invalid typename that could not be reconciled with the cache.")
			return nil, false
		}
	}

	it := op.iterate(typename, entityKey, false, selections)
	hasFields, hasNext := false, false
	hasPartials := op.Partial
	hasChanged := input == nil
	output := make(map[string]any)

	for field := it.next(); field != nil; field = it.next() {
		fieldName := field.Name
		args := language.FieldArguments(field, op.Variables)
		alias := language.FieldAlias(field)
		fieldKey := keys.OfField(fieldName, args)
		joinedKey := keys.Join(entityKey, fieldKey)
		op.checkFieldAvailable(typename, fieldName)

		var (
			fieldValue  any
			hasValue    bool
			resultValue any
			hasResult   bool
		)
		if fieldName != "__typename" {
			fieldValue, hasValue = op.pass.ReadRecord(entityKey, fieldKey)
		}
		if result != nil {
			resultValue, hasResult = result[fieldName]
		}

		op.pushName(alias)
		var value any
		ok := false
		resolver := s.resolverFor(typename, fieldName, field.Directives, op.Variables)

		switch {
		case fieldName == "__typename":
			value, ok = typename, true

		case hasResult && len(field.SelectionSet) == 0:
			value, ok = resultValue, true

		case resolver != nil && op.pass.Kind() == data.Read:
			parent := output
			if len(field.SelectionSet) == 0 && hasValue {
				parent = maps.Clone(output)
				parent[alias] = fieldValue
				parent[fieldName] = fieldValue
			}
			op.enter(parent, typename, entityKey, fieldKey, fieldName)
			value, ok = resolver(parent, orEmpty(args), op.cache, &op.ResolveInfo)
			if !ok {
				value, ok = op.readField(field, typename, entityKey, fieldKey, joinedKey, input[alias], fieldValue, hasValue, resultValue, hasResult)
				break
			}
			if len(field.SelectionSet) > 0 {
				value, ok = op.resolveResult(typename, fieldName, joinedKey, field.SelectionSet, input[alias], value)
			}
			if ok && value == nil && s.schema != nil && !op.isFieldNullable(typename, fieldName) {
				op.pop()
				op.Partial = hasPartials
				return nil, false
			}

		default:
			value, ok = op.readField(field, typename, entityKey, fieldKey, joinedKey, input[alias], fieldValue, hasValue, resultValue, hasResult)
		}

		optional := it.optional
		if o := optionalityOf(field.Directives); o != inheritOptional {
			optional = o
		}
		switch {
		case !ok && it.deferred:
			hasNext = true
		case !ok && (optional == markedOptional ||
			(optional != markedRequired && (op.fieldError() != nil || op.isFieldNullable(typename, fieldName)))):
			op.Partial = true
			value, ok = nil, true
		case ok && value == nil && optional == markedRequired:
			ok = false
		default:
			hasFields = hasFields || fieldName != "__typename"
		}
		op.pop()

		if !ok {
			if it.deferred {
				continue
			}
			op.Partial = hasPartials
			return nil, false
		}
		prev, had := input[alias]
		hasChanged = hasChanged || !had || !same(value, prev)
		output[alias] = value
	}

	op.Partial = op.Partial || hasPartials
	op.hasNext = op.hasNext || hasNext
	if isQuery && op.Partial && !hasFields {
		return nil, false
	}
	if !hasChanged {
		return input, true
	}
	return output, true
}

// readField reads a field from cached data: a record for leaves, otherwise
// the object a resolver handed down or the link stored for the field.
func (op *operation) readField(field *language.Field, typename, entityKey, fieldKey, joinedKey string, prev, fieldValue any, hasValue bool, resultValue any, hasResult bool) (any, bool) {
	if len(field.SelectionSet) == 0 {
		return fieldValue, hasValue
	}
	if hasResult {
		return op.resolveResult(typename, field.Name, joinedKey, field.SelectionSet, prev, resultValue)
	}
	if link, ok := op.pass.ReadLink(entityKey, fieldKey); ok {
		return op.resolveLink(typename, field.Name, link, field.SelectionSet, prev)
	}
	if m, ok := fieldValue.(map[string]any); ok && hasValue {
		return m, true
	}
	return nil, false
}

// resolveResult reads the value a resolver returned for a field with a
// selection set: an entity key, an object, or lists of those.
func (op *operation) resolveResult(typename, fieldName, key string, selections language.SelectionSet, prev, result any) (any, bool) {
	if list, ok := asList(result); ok {
		return op.readList(typename, fieldName, list, prev, func(i int, item, prevItem any) (any, bool) {
			return op.resolveResult(typename, fieldName, keys.Join(key, strconv.Itoa(i)), selections, prevItem, item)
		})
	}
	switch r := result.(type) {
	case nil:
		return nil, true
	case string:
		return readObject(op.readSelection(r, selections, asMap(prev), nil))
	case map[string]any:
		return readObject(op.readSelection(key, selections, asMap(prev), r))
	}
	op.warn(9, "Invalid resolver value: The field at `"+key+"` is a scalar (number, boolean, etc), but the GraphQL query expects a selection set for this field.")
	return nil, false
}

// resolveLink reads the entities a link points to.
func (op *operation) resolveLink(typename, fieldName string, link any, selections language.SelectionSet, prev any) (any, bool) {
	if list, ok := asList(link); ok {
		return op.readList(typename, fieldName, list, prev, func(_ int, item, prevItem any) (any, bool) {
			return op.resolveLink(typename, fieldName, item, selections, prevItem)
		})
	}
	switch l := link.(type) {
	case nil:
		return nil, true
	case string:
		return readObject(op.readSelection(l, selections, asMap(prev), nil))
	}
	return nil, false
}

// readList reads every item of a list. A missing item aborts the list
// unless the schema allows null items, in which case it becomes null and
// the result is partial.
func (op *operation) readList(typename, fieldName string, list []any, prev any, item func(i int, item, prevItem any) (any, bool)) (any, bool) {
	listNullable := op.isListNullable(typename, fieldName)
	hasPartials := op.Partial
	prevList, _ := prev.([]any)
	hasChanged := prevList == nil || len(prevList) != len(list)
	out := make([]any, len(list))
	for i, v := range list {
		var prevItem any
		if i < len(prevList) {
			prevItem = prevList[i]
		}
		op.pushIndex(i)
		child, ok := item(i, v, prevItem)
		op.pop()
		if !ok && !listNullable {
			op.Partial = hasPartials
			return nil, false
		}
		op.Partial = op.Partial || !ok
		out[i] = child
		hasChanged = hasChanged || !same(child, prevItem)
	}
	if !hasChanged {
		return prevList, true
	}
	return out, true
}

func readObject(m map[string]any, ok bool) (any, bool) {
	if !ok {
		return nil, false
	}
	return m, true
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
