package language

import (
	"strconv"
)

// MainOperation returns the operation named name, or the first operation of
// the document when name is empty. It returns nil when nothing matches.
func MainOperation(doc *QueryDocument, name string) *OperationDefinition {
	if doc == nil {
		return nil
	}
	if name != "" {
		return doc.Operations.ForName(name)
	}
	if len(doc.Operations) == 0 {
		return nil
	}
	return doc.Operations[0]
}

// Fragments indexes the document's fragment definitions by name.
func Fragments(doc *QueryDocument) map[string]*FragmentDefinition {
	out := make(map[string]*FragmentDefinition, len(doc.Fragments))
	for _, f := range doc.Fragments {
		if f != nil {
			out[f.Name] = f
		}
	}
	return out
}

// SingleFragment returns the only fragment of a document, or the first one
// when several are defined.
func SingleFragment(doc *QueryDocument) *FragmentDefinition {
	if doc == nil || len(doc.Fragments) == 0 {
		return nil
	}
	return doc.Fragments[0]
}

// FieldAlias is the response name of a field.
func FieldAlias(f *Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// FieldArguments evaluates a field's arguments against variables. Arguments
// that evaluate to null are dropped; nil is returned when none remain.
func FieldArguments(f *Field, variables map[string]any) map[string]any {
	var args map[string]any
	for _, arg := range f.Arguments {
		v := ValueFromAST(arg.Value, variables)
		if v == nil {
			continue
		}
		if args == nil {
			args = make(map[string]any, len(f.Arguments))
		}
		args[arg.Name] = v
	}
	return args
}

// DirectiveArguments evaluates all arguments of a directive, keeping nulls.
func DirectiveArguments(d *Directive, variables map[string]any) map[string]any {
	args := make(map[string]any, len(d.Arguments))
	for _, arg := range d.Arguments {
		args[arg.Name] = ValueFromAST(arg.Value, variables)
	}
	return args
}

// NormalizeVariables applies the operation's variable defaults to input.
// Variables not declared by the operation are passed through.
func NormalizeVariables(op *OperationDefinition, input map[string]any) map[string]any {
	vars := make(map[string]any, len(input))
	if op != nil {
		for _, def := range op.VariableDefinitions {
			v, ok := input[def.Variable]
			if !ok && def.DefaultValue != nil {
				v, ok = ValueFromAST(def.DefaultValue, input), true
			}
			if ok {
				vars[def.Variable] = v
			}
		}
	}
	for k, v := range input {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}
	return vars
}

// ValueFromAST converts an AST value to a runtime value, substituting
// variables. Missing variables evaluate to nil.
func ValueFromAST(value *Value, variables map[string]any) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case Variable:
		return variables[value.Raw]
	case IntValue:
		iv, err := strconv.Atoi(value.Raw)
		if err != nil {
			fv, _ := strconv.ParseFloat(value.Raw, 64)
			return fv
		}
		return iv
	case FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv
	case StringValue, BlockValue, EnumValue:
		return value.Raw
	case BooleanValue:
		return value.Raw == "true"
	case NullValue:
		return nil
	case ListValue:
		out := make([]any, len(value.Children))
		for i, c := range value.Children {
			out[i] = ValueFromAST(c.Value, variables)
		}
		return out
	case ObjectValue:
		m := make(map[string]any, len(value.Children))
		for _, f := range value.Children {
			m[f.Name] = ValueFromAST(f.Value, variables)
		}
		return m
	default:
		return nil
	}
}
