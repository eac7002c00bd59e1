package introspection

// Result is the payload of an introspection query, either bare or wrapped in
// a GraphQL response's data field.
type Result struct {
	Schema *Schema `json:"__schema"`
}

// Schema is the __schema object of a (possibly minified) introspection
// result. Only the parts the cache consults are decoded.
type Schema struct {
	QueryType        *NamedRef `json:"queryType"`
	MutationType     *NamedRef `json:"mutationType,omitempty"`
	SubscriptionType *NamedRef `json:"subscriptionType,omitempty"`
	Types            []*Type   `json:"types"`
}

// NamedRef names a root type.
type NamedRef struct {
	Name string `json:"name"`
}

// Type is one entry of __schema.types.
type Type struct {
	Kind          string     `json:"kind"`
	Name          string     `json:"name"`
	Fields        []*Field   `json:"fields,omitempty"`
	Interfaces    []*TypeRef `json:"interfaces,omitempty"`
	PossibleTypes []*TypeRef `json:"possibleTypes,omitempty"`
}

// Field is an object or interface field.
type Field struct {
	Name string      `json:"name"`
	Type *TypeRef    `json:"type"`
	Args []*InputRef `json:"args"`
}

// InputRef is a field argument.
type InputRef struct {
	Name string   `json:"name"`
	Type *TypeRef `json:"type"`
}

// TypeRef is a possibly wrapped type reference.
type TypeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name,omitempty"`
	OfType *TypeRef `json:"ofType,omitempty"`
}
