package schema

var builtinScalars = []*Type{
	{
		Name:        "String",
		Kind:        TypeKindScalar,
		Description: "The `String` scalar type represents textual data, represented as UTF-8 character sequences.",
	},
	{
		Name:        "Int",
		Kind:        TypeKindScalar,
		Description: "The `Int` scalar type represents non-fractional signed whole numeric values.",
	},
	{
		Name:        "Float",
		Kind:        TypeKindScalar,
		Description: "The `Float` scalar type represents signed double-precision fractional values.",
	},
	{
		Name:        "Boolean",
		Kind:        TypeKindScalar,
		Description: "The `Boolean` scalar type represents `true` or `false`.",
	},
	{
		Name:        "ID",
		Kind:        TypeKindScalar,
		Description: "The `ID` scalar type represents a unique identifier, often used to refetch an object or as a key for caching.",
	},
}

// IsBuiltinScalar reports whether name is one of the specified scalars.
func IsBuiltinScalar(name string) bool {
	for _, t := range builtinScalars {
		if t.Name == name {
			return true
		}
	}
	return false
}
