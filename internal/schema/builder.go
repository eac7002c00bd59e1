package schema

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// NewSchema returns a schema holding only the specified scalars.
func NewSchema(description string) *Schema {
	s := &Schema{Description: description, Types: make(map[string]*Type)}
	for _, t := range builtinScalars {
		s.AddType(t)
	}
	return s
}

func (s *Schema) SetQueryType(name string) *Schema {
	s.QueryType = name
	return s
}

func (s *Schema) SetMutationType(name string) *Schema {
	s.MutationType = name
	return s
}

func (s *Schema) SetSubscriptionType(name string) *Schema {
	s.SubscriptionType = name
	return s
}

// AddType registers t, replacing any type of the same name.
func (s *Schema) AddType(t *Type) *Schema {
	s.Types[t.Name] = t
	return s
}

// Link fills PossibleTypes of every interface from the object and interface
// types that declare it. It is idempotent.
func (s *Schema) Link() *Schema {
	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.Types[name]
		for _, iface := range t.Interfaces {
			if it := s.Types[iface]; it != nil && !contains(it.PossibleTypes, name) {
				it.PossibleTypes = append(it.PossibleTypes, name)
			}
		}
	}
	return s
}

func NewType(name string, kind TypeKind, description string) *Type {
	return &Type{Name: name, Kind: kind, Description: description}
}

func (t *Type) AddField(f *Field) *Type {
	t.Fields = append(t.Fields, f)
	return t
}

func (t *Type) AddInterface(name string) *Type {
	t.Interfaces = append(t.Interfaces, name)
	return t
}

func (t *Type) AddPossibleType(name string) *Type {
	t.PossibleTypes = append(t.PossibleTypes, name)
	return t
}

func NewField(name, description string, typ *TypeRef) *Field {
	return &Field{Name: name, Description: description, Type: typ}
}

func (f *Field) AddArgument(in *InputValue) *Field {
	f.Arguments = append(f.Arguments, in)
	return f
}

func NewInputValue(name, description string, typ *TypeRef) *InputValue {
	return &InputValue{Name: name, Description: description, Type: typ}
}

// BuildFromSDL parses and validates SDL and returns the corresponding Schema.
// Introspection types and fields are left out.
func BuildFromSDL(name, sdl string) (*Schema, error) {
	doc, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: sdl})
	if err != nil {
		return nil, err
	}
	return BuildFromAST(doc), nil
}

// BuildFromAST converts a validated gqlparser schema.
func BuildFromAST(doc *ast.Schema) *Schema {
	s := NewSchema("")
	if doc.Query != nil {
		s.SetQueryType(doc.Query.Name)
	}
	if doc.Mutation != nil {
		s.SetMutationType(doc.Mutation.Name)
	}
	if doc.Subscription != nil {
		s.SetSubscriptionType(doc.Subscription.Name)
	}

	for name, def := range doc.Types {
		if strings.HasPrefix(name, "__") {
			continue
		}
		if def.BuiltIn && IsBuiltinScalar(name) {
			continue
		}
		s.AddType(buildDefinition(doc, def))
	}
	return s.Link()
}

func buildDefinition(doc *ast.Schema, def *ast.Definition) *Type {
	t := NewType(def.Name, buildKind(def.Kind), def.Description)
	for _, fd := range def.Fields {
		if strings.HasPrefix(fd.Name, "__") {
			continue
		}
		f := NewField(fd.Name, fd.Description, buildTypeRef(fd.Type))
		for _, arg := range fd.Arguments {
			f.AddArgument(NewInputValue(arg.Name, arg.Description, buildTypeRef(arg.Type)))
		}
		t.AddField(f)
	}
	for _, iface := range def.Interfaces {
		t.AddInterface(iface)
	}
	switch def.Kind {
	case ast.Union:
		for _, member := range def.Types {
			t.AddPossibleType(member)
		}
	case ast.Interface:
		for _, impl := range doc.GetPossibleTypes(def) {
			t.AddPossibleType(impl.Name)
		}
	}
	return t
}

func buildKind(kind ast.DefinitionKind) TypeKind {
	switch kind {
	case ast.Object:
		return TypeKindObject
	case ast.Interface:
		return TypeKindInterface
	case ast.Union:
		return TypeKindUnion
	case ast.Enum:
		return TypeKindEnum
	case ast.InputObject:
		return TypeKindInputObject
	default:
		return TypeKindScalar
	}
}

func buildTypeRef(t *ast.Type) *TypeRef {
	var ref *TypeRef
	if t.Elem != nil {
		ref = ListType(buildTypeRef(t.Elem))
	} else {
		ref = NamedType(t.NamedType)
	}
	if t.NonNull {
		return NonNullType(ref)
	}
	return ref
}
