package cache

import (
	"slices"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

func (f *facade) invalidateQuery(req Request) map[string]struct{} {
	def := req.operation()
	rootKey := f.store.rootFields.query
	op := f.newOperation(data.Write, language.NormalizeVariables(def, req.Variables), language.Fragments(req.Query), rootKey, rootKey, nil)
	op.pushDebug(debugName(def, rootKey))
	op.invalidateSelection(rootKey, def.SelectionSet)
	return f.pass.Dependencies()
}

// invalidateSelection clears every field of selections that was written for
// entityKey, including its __typename, and descends into linked entities.
// Entities left without inbound links are collected by the next GC run.
func (op *operation) invalidateSelection(entityKey string, selections language.SelectionSet) {
	typename := entityKey
	if entityKey != op.store.rootFields.query {
		v, _ := op.pass.ReadRecord(entityKey, "__typename")
		typename, _ = v.(string)
		if typename == "" {
			return
		}
		op.pass.ClearRecord(entityKey, "__typename")
	}

	it := op.iterate(typename, entityKey, false, selections)
	for field := it.next(); field != nil; field = it.next() {
		fieldKey := keys.OfField(field.Name, language.FieldArguments(field, op.Variables))
		op.checkFieldAvailable(typename, field.Name)
		if len(field.SelectionSet) == 0 {
			op.pass.ClearRecord(entityKey, fieldKey)
			continue
		}
		link, _ := op.pass.ReadLink(entityKey, fieldKey)
		op.pass.ClearLink(entityKey, fieldKey)
		op.pass.ClearRecord(entityKey, fieldKey)
		op.invalidateLink(link, field.SelectionSet)
	}
}

func (op *operation) invalidateLink(link any, selections language.SelectionSet) {
	if list, ok := asList(link); ok {
		for _, item := range list {
			op.invalidateLink(item, selections)
		}
		return
	}
	if key, ok := link.(string); ok && key != "" {
		op.invalidateSelection(key, selections)
	}
}

// invalidateEntity clears one field of an entity, or every field when
// fieldName is empty.
func (f *facade) invalidateEntity(entityKey, fieldName string, args map[string]any) {
	var fieldKeys []string
	if fieldName != "" {
		fieldKeys = []string{keys.OfField(fieldName, args)}
	} else {
		for _, info := range f.pass.InspectFields(entityKey) {
			fieldKeys = append(fieldKeys, info.FieldKey)
		}
	}
	for _, fieldKey := range fieldKeys {
		if _, ok := f.pass.ReadLink(entityKey, fieldKey); ok {
			f.pass.ClearLink(entityKey, fieldKey)
		} else {
			f.pass.ClearRecord(entityKey, fieldKey)
		}
	}
}

// invalidateType clears every entity of typename except the excluded keys.
func (f *facade) invalidateType(typename string, excluded []string) {
	for _, entityKey := range f.pass.EntitiesOfType(typename) {
		if !slices.Contains(excluded, entityKey) {
			f.invalidateEntity(entityKey, "", nil)
		}
	}
}
