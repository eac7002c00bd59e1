// Package introspection converts between introspection query results and
// the schema model consumed by the cache. Minify produces the minimal form:
// root names, object, interface and union types with their fields and
// relations, and the names of every other type.
package introspection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	schema "github.com/hanpama/graphcache/internal/schema"
)

var ErrNoSchema = errors.New("introspection: no __schema object found")

// Parse decodes an introspection result. The input may be the bare
// {"__schema": ...} object or a full response {"data": {"__schema": ...}}.
func Parse(raw []byte) (*schema.Schema, error) {
	var envelope struct {
		Result
		Data *Result `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("introspection: decode: %w", err)
	}
	in := envelope.Schema
	if in == nil && envelope.Data != nil {
		in = envelope.Data.Schema
	}
	if in == nil {
		return nil, ErrNoSchema
	}
	return Build(in)
}

// Build converts a decoded __schema object.
func Build(in *Schema) (*schema.Schema, error) {
	s := schema.NewSchema("")
	if in.QueryType != nil {
		s.SetQueryType(in.QueryType.Name)
	} else {
		s.SetQueryType("Query")
	}
	if in.MutationType != nil {
		s.SetMutationType(in.MutationType.Name)
	}
	if in.SubscriptionType != nil {
		s.SetSubscriptionType(in.SubscriptionType.Name)
	}

	for _, t := range in.Types {
		if t == nil || strings.HasPrefix(t.Name, "__") {
			continue
		}
		typ := schema.NewType(t.Name, schema.TypeKind(t.Kind), "")
		for _, f := range t.Fields {
			ref, err := buildTypeRef(f.Type)
			if err != nil {
				return nil, fmt.Errorf("introspection: %s.%s: %w", t.Name, f.Name, err)
			}
			field := schema.NewField(f.Name, "", ref)
			for _, a := range f.Args {
				argRef, err := buildTypeRef(a.Type)
				if err != nil {
					return nil, fmt.Errorf("introspection: %s.%s(%s): %w", t.Name, f.Name, a.Name, err)
				}
				field.AddArgument(schema.NewInputValue(a.Name, "", argRef))
			}
			typ.AddField(field)
		}
		for _, iface := range t.Interfaces {
			typ.AddInterface(iface.Name)
		}
		for _, possible := range t.PossibleTypes {
			typ.AddPossibleType(possible.Name)
		}
		s.AddType(typ)
	}
	return s.Link(), nil
}

func buildTypeRef(ref *TypeRef) (*schema.TypeRef, error) {
	if ref == nil {
		return nil, errors.New("missing type reference")
	}
	switch ref.Kind {
	case "NON_NULL":
		inner, err := buildTypeRef(ref.OfType)
		if err != nil {
			return nil, err
		}
		return schema.NonNullType(inner), nil
	case "LIST":
		inner, err := buildTypeRef(ref.OfType)
		if err != nil {
			return nil, err
		}
		return schema.ListType(inner), nil
	default:
		if ref.Name == "" {
			return nil, fmt.Errorf("unnamed %s type reference", ref.Kind)
		}
		return schema.NamedType(ref.Name), nil
	}
}

// Minify renders s as a minimal introspection result.
func Minify(s *schema.Schema) ([]byte, error) {
	out := &Schema{QueryType: &NamedRef{Name: s.QueryType}}
	if s.MutationType != "" {
		out.MutationType = &NamedRef{Name: s.MutationType}
	}
	if s.SubscriptionType != "" {
		out.SubscriptionType = &NamedRef{Name: s.SubscriptionType}
	}

	names := make([]string, 0, len(s.Types))
	for name := range s.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := s.Types[name]
		entry := &Type{Kind: string(t.Kind), Name: t.Name}
		switch t.Kind {
		case schema.TypeKindObject, schema.TypeKindInterface, schema.TypeKindUnion:
		default:
			if schema.IsBuiltinScalar(name) {
				continue
			}
			out.Types = append(out.Types, entry)
			continue
		}
		for _, f := range t.Fields {
			field := &Field{Name: f.Name, Type: minifyTypeRef(s, f.Type), Args: []*InputRef{}}
			for _, a := range f.Arguments {
				field.Args = append(field.Args, &InputRef{Name: a.Name, Type: minifyTypeRef(s, a.Type)})
			}
			entry.Fields = append(entry.Fields, field)
		}
		for _, iface := range t.Interfaces {
			entry.Interfaces = append(entry.Interfaces, &TypeRef{Kind: string(schema.TypeKindInterface), Name: iface})
		}
		for _, possible := range t.PossibleTypes {
			entry.PossibleTypes = append(entry.PossibleTypes, &TypeRef{Kind: string(schema.TypeKindObject), Name: possible})
		}
		out.Types = append(out.Types, entry)
	}
	return json.Marshal(&Result{Schema: out})
}

func minifyTypeRef(s *schema.Schema, ref *schema.TypeRef) *TypeRef {
	switch ref.Kind {
	case schema.TypeRefKindNonNull, schema.TypeRefKindList:
		return &TypeRef{Kind: string(ref.Kind), OfType: minifyTypeRef(s, ref.OfType)}
	}
	kind := string(schema.TypeKindScalar)
	if t := s.Types[ref.Named]; t != nil {
		kind = string(t.Kind)
	}
	return &TypeRef{Kind: kind, Name: ref.Named}
}
