package cache

import (
	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

// optionality is the effect of the @_optional and @_required client
// directives on missing fields.
type optionality uint8

const (
	inheritOptional optionality = iota
	markedOptional
	markedRequired
)

func optionalityOf(directives language.DirectiveList) optionality {
	for _, d := range directives {
		switch d.Name {
		case "_optional":
			return markedOptional
		case "_required":
			return markedRequired
		}
	}
	return inheritOptional
}

// selectionIterator yields the fields of a selection set in document order,
// descending into matching fragments.
type selectionIterator struct {
	op        *operation
	typename  string
	entityKey string
	frames    []selectionFrame

	// deferred and optional describe the field last returned by next.
	deferred bool
	optional optionality
}

type selectionFrame struct {
	selections language.SelectionSet
	index      int
	deferred   bool
	optional   optionality
	debug      bool
}

func (op *operation) iterate(typename, entityKey string, deferred bool, selections language.SelectionSet) *selectionIterator {
	return &selectionIterator{
		op:        op,
		typename:  typename,
		entityKey: entityKey,
		frames:    []selectionFrame{{selections: selections, deferred: deferred}},
	}
}

// next returns the next field or nil when the selection is exhausted.
func (it *selectionIterator) next() *language.Field {
	for len(it.frames) > 0 {
		frame := &it.frames[len(it.frames)-1]
		if frame.index >= len(frame.selections) {
			if frame.debug {
				it.op.popDebug()
			}
			it.frames = it.frames[:len(it.frames)-1]
			continue
		}
		sel := frame.selections[frame.index]
		frame.index++

		switch sel := sel.(type) {
		case *language.Field:
			if !shouldInclude(sel.Directives, it.op.Variables) {
				continue
			}
			if sel.Name == "__typename" && it.op.walk != data.Read {
				continue
			}
			it.deferred = frame.deferred
			it.optional = frame.optional
			return sel

		case *language.InlineFragment:
			if !shouldInclude(sel.Directives, it.op.Variables) {
				continue
			}
			if !it.matches(sel.TypeCondition, sel.SelectionSet) {
				continue
			}
			name := "Inline Fragment"
			if sel.TypeCondition != "" {
				name += " on " + sel.TypeCondition
			}
			it.push(frame, sel.SelectionSet, sel.Directives, name)

		case *language.FragmentSpread:
			if !shouldInclude(sel.Directives, it.op.Variables) {
				continue
			}
			fragment := it.op.Fragments[sel.Name]
			if fragment == nil {
				continue
			}
			if !it.matches(fragment.TypeCondition, fragment.SelectionSet) {
				continue
			}
			it.push(frame, fragment.SelectionSet, sel.Directives, fragment.Name)
		}
	}
	return nil
}

func (it *selectionIterator) push(parent *selectionFrame, selections language.SelectionSet, directives language.DirectiveList, name string) {
	optional := optionalityOf(directives)
	if optional == inheritOptional {
		optional = parent.optional
	}
	deferred := parent.deferred || isDeferred(directives, it.op.Variables)
	it.op.pushDebug(name)
	it.frames = append(it.frames, selectionFrame{
		selections: selections,
		deferred:   deferred,
		optional:   optional,
		debug:      true,
	})
}

func (it *selectionIterator) matches(typeCondition string, selections language.SelectionSet) bool {
	if it.op.store.schema != nil {
		return it.op.store.isInterfaceOfType(typeCondition, it.typename)
	}
	return it.heuristicallyMatches(typeCondition, selections)
}

// heuristicallyMatches guesses whether a fragment applies without a schema:
// writes always apply it, reads apply it when every field it selects directly
// is already cached for the entity.
func (it *selectionIterator) heuristicallyMatches(typeCondition string, selections language.SelectionSet) bool {
	if it.typename == "" {
		return false
	}
	if typeCondition == "" || typeCondition == it.typename {
		return true
	}
	it.op.warn(16, "Heuristic Fragment Matching: A fragment is trying to match against the `"+it.typename+
		"` type, but the type condition is `"+typeCondition+"`. Since GraphQL allows for interfaces `"+
		typeCondition+"` may be an interface.\nA schema needs to be defined for this match to be deterministic, "+
		"otherwise the fragment will be matched heuristically!")
	if it.op.walk == data.Write {
		return true
	}
	for _, sel := range selections {
		field, ok := sel.(*language.Field)
		if !ok {
			continue
		}
		fieldKey := keys.OfField(field.Name, language.FieldArguments(field, it.op.Variables))
		if !it.op.pass.HasField(it.entityKey, fieldKey) {
			return false
		}
	}
	return true
}

// shouldInclude evaluates @include and @skip. The first of them carrying an
// if argument decides.
func shouldInclude(directives language.DirectiveList, variables map[string]any) bool {
	for _, d := range directives {
		if d.Name != "include" && d.Name != "skip" {
			continue
		}
		if len(d.Arguments) == 0 || d.Arguments[0].Name != "if" {
			continue
		}
		value := truthy(language.ValueFromAST(d.Arguments[0].Value, variables))
		if d.Name == "include" {
			return value
		}
		return !value
	}
	return true
}

func isDeferred(directives language.DirectiveList, variables map[string]any) bool {
	for _, d := range directives {
		if d.Name != "defer" {
			continue
		}
		for _, arg := range d.Arguments {
			if arg.Name == "if" {
				return truthy(language.ValueFromAST(arg.Value, variables))
			}
		}
		return true
	}
	return false
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
