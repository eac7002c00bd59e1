package cache

import (
	"strings"

	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/schema"
)

// schemaField looks a field up in the schema, warning when the document
// selects a field the type does not have. Introspection fields are never
// looked up.
func (op *operation) schemaField(typename, fieldName string) *schema.Field {
	if strings.HasPrefix(fieldName, "__") || strings.HasPrefix(typename, "__") {
		return nil
	}
	field := op.store.schema.Field(typename, fieldName)
	if field == nil {
		op.warn(4, "Invalid field: The field `"+fieldName+"` does not exist on `"+typename+
			"`, but the GraphQL document expects it to exist.\nTraversal will continue, however this may lead to undefined behavior!")
	}
	return field
}

func (op *operation) isFieldNullable(typename, fieldName string) bool {
	if op.store.schema == nil {
		return false
	}
	field := op.schemaField(typename, fieldName)
	return field != nil && field.Nullable()
}

func (op *operation) isListNullable(typename, fieldName string) bool {
	if op.store.schema == nil {
		return false
	}
	field := op.schemaField(typename, fieldName)
	return field != nil && field.ListItemsNullable()
}

// checkFieldAvailable warns when fieldName is unknown on typename.
func (op *operation) checkFieldAvailable(typename, fieldName string) {
	if op.store.schema != nil && typename != "" {
		op.schemaField(typename, fieldName)
	}
}

// isInterfaceOfType reports whether a fragment with typeCondition applies to
// an object of typename.
func (s *Store) isInterfaceOfType(typeCondition, typename string) bool {
	if typename == "" {
		return false
	}
	if typeCondition == "" || typeCondition == typename {
		return true
	}
	if t := s.schema.Types[typeCondition]; t != nil && t.Kind == schema.TypeKindObject {
		return false
	}
	s.expectAbstractType(typeCondition)
	s.expectObjectType(typename)
	return s.schema.IsSubType(typeCondition, typename)
}

func (s *Store) expectAbstractType(typename string) {
	t := s.schema.Types[typename]
	diag.Invariant(t != nil && t.IsAbstract(), 5,
		"Invalid Abstract type: The type `%s` is not an Interface or Union type in the defined schema, but a fragment in the GraphQL document is using it as a type condition.",
		typename)
}

func (s *Store) expectObjectType(typename string) {
	t := s.schema.Types[typename]
	diag.Invariant(t != nil && t.Kind == schema.TypeKindObject, 3,
		"Invalid Object type: The type `%s` is not an object in the defined schema, but the `__typename` field returned by the API is using it.",
		typename)
}

// validateConfig warns about configuration that references types or fields
// the schema does not define.
func (s *Store) validateConfig(cfg Config) {
	sc := s.schema
	for typename := range cfg.Keys {
		if t := sc.Types[typename]; t == nil || t.Kind != schema.TypeKindObject {
			diag.Warn(s.logger, 20, "Invalid Object type: The type `"+typename+
				"` is not an object in the defined schema, but the `keys` option is referencing it.", nil)
		}
	}
	for typename, fields := range cfg.Updates {
		t := sc.Types[typename]
		if t == nil {
			diag.Warn(s.logger, 21, "Invalid updates type: The type `"+typename+
				"` is not an object in the defined schema, but the `updates` config is referencing it.", nil)
			continue
		}
		for fieldName := range fields {
			if t.Field(fieldName) == nil {
				diag.Warn(s.logger, 22, "Invalid updates field: `"+fieldName+"` on `"+typename+
					"` is not in the defined schema, but the `updates` config is referencing it.", nil)
			}
		}
	}
	for typename, fields := range cfg.Resolvers {
		t := sc.Types[typename]
		if t == nil {
			diag.Warn(s.logger, 23, "Invalid resolver: `"+typename+
				"` is not in the defined schema, but the `resolvers` option is referencing it.", nil)
			continue
		}
		for fieldName := range fields {
			if t.Field(fieldName) == nil {
				diag.Warn(s.logger, 23, "Invalid resolver: `"+typename+"."+fieldName+
					"` is not in the defined schema, but the `resolvers` option is referencing it.", nil)
			}
		}
	}
	mutation := sc.GetMutationType()
	for fieldName := range cfg.Optimistic {
		if mutation == nil || mutation.Field(fieldName) == nil {
			diag.Warn(s.logger, 24, "Invalid optimistic mutation field: `"+fieldName+
				"` is not a mutation field in the defined schema, but the `optimistic` option is referencing it.", nil)
		}
	}
}
