package schema

// Schema is the subset of a GraphQL schema the cache consults: root type
// names, fields with their types for nullability checks, and the
// abstract/concrete relations for fragment matching.
type Schema struct {
	QueryType        string
	MutationType     string
	SubscriptionType string
	Types            map[string]*Type // All named types keyed by name
	Description      string
}

// GetQueryType returns the root query type (may be nil if absent)
func (s *Schema) GetQueryType() *Type { return s.Types[s.QueryType] }

// GetMutationType returns the root mutation type (may be nil if absent)
func (s *Schema) GetMutationType() *Type { return s.Types[s.MutationType] }

// GetSubscriptionType returns the root subscription type (may be nil if absent)
func (s *Schema) GetSubscriptionType() *Type { return s.Types[s.SubscriptionType] }

// Field returns the definition of fieldName on typename, or nil.
func (s *Schema) Field(typename, fieldName string) *Field {
	t := s.Types[typename]
	if t == nil {
		return nil
	}
	return t.Field(fieldName)
}

// IsSubType reports whether possible is a member of abstract: a union member,
// an implementation of an interface, or the type itself.
func (s *Schema) IsSubType(abstract, possible string) bool {
	abstractType := s.Types[abstract]
	possibleType := s.Types[possible]
	if abstractType == nil || possibleType == nil {
		return false
	}
	switch {
	case abstractType.Kind == TypeKindUnion:
		return contains(abstractType.PossibleTypes, possible)
	case abstractType.Kind == TypeKindInterface && possibleType.Kind != TypeKindUnion:
		return contains(possibleType.Interfaces, abstract) || contains(abstractType.PossibleTypes, possible)
	default:
		return abstract == possible
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// Type is a named GraphQL type (object, interface, union, scalar, enum, input)
type Type struct {
	Name          string
	Kind          TypeKind
	Description   string
	Fields        []*Field // For OBJECT and INTERFACE
	Interfaces    []string // For OBJECT and INTERFACE (implemented/extended)
	PossibleTypes []string // For INTERFACE and UNION
}

// Field returns the field named name, or nil.
func (t *Type) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// IsAbstract reports whether the type is an interface or a union.
func (t *Type) IsAbstract() bool {
	return t.Kind == TypeKindInterface || t.Kind == TypeKindUnion
}

// Field represents a field on an object or interface
type Field struct {
	Name        string
	Description string
	Type        *TypeRef
	Arguments   []*InputValue
}

// Nullable reports whether null is a valid value for the field.
func (f *Field) Nullable() bool {
	return !f.Type.IsNonNull()
}

// ListItemsNullable reports whether the field is a list whose items may be
// null. It is false for non-list fields.
func (f *Field) ListItemsNullable() bool {
	t := f.Type
	if t.IsNonNull() {
		t = t.OfType
	}
	if t == nil || t.Kind != TypeRefKindList {
		return false
	}
	return !t.OfType.IsNonNull()
}

// TypeKind represents the kind of GraphQL type
type TypeKind string

const (
	TypeKindScalar      TypeKind = "SCALAR"
	TypeKindObject      TypeKind = "OBJECT"
	TypeKindInterface   TypeKind = "INTERFACE"
	TypeKindUnion       TypeKind = "UNION"
	TypeKindEnum        TypeKind = "ENUM"
	TypeKindInputObject TypeKind = "INPUT_OBJECT"
)

// TypeRef represents a reference to a type (can be wrapped)
type TypeRef struct {
	Kind   TypeRefKind
	OfType *TypeRef // For List and NonNull
	Named  string   // For named types
}

type TypeRefKind string

const (
	TypeRefKindNamed   TypeRefKind = "NAMED"
	TypeRefKindList    TypeRefKind = "LIST"
	TypeRefKindNonNull TypeRefKind = "NON_NULL"
)

// Helper functions for TypeRef
func (t *TypeRef) IsNonNull() bool {
	return t != nil && t.Kind == TypeRefKindNonNull
}

func (t *TypeRef) IsList() bool {
	if t.Kind == TypeRefKindList {
		return true
	}
	if t.Kind == TypeRefKindNonNull && t.OfType != nil {
		return t.OfType.Kind == TypeRefKindList
	}
	return false
}

func (t *TypeRef) Unwrap() *TypeRef {
	if t.Kind == TypeRefKindNonNull || t.Kind == TypeRefKindList {
		return t.OfType
	}
	return t
}

func (t *TypeRef) GetNamedType() string {
	current := t
	for current != nil {
		if current.Named != "" {
			return current.Named
		}
		current = current.OfType
	}
	return ""
}

// String renders the reference in SDL notation, e.g. [Todo!]!.
func (t *TypeRef) String() string {
	switch t.Kind {
	case TypeRefKindNonNull:
		return t.OfType.String() + "!"
	case TypeRefKindList:
		return "[" + t.OfType.String() + "]"
	default:
		return t.Named
	}
}

type InputValue struct {
	Name        string
	Description string
	Type        *TypeRef
}

func NonNullType(t *TypeRef) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: t} }
func ListType(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefKindList, OfType: t} }
func NamedType(name string) *TypeRef  { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }
