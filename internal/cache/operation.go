package cache

import (
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/diag"
	language "github.com/hanpama/graphcache/internal/language"
)

// operation is the state of one read, write or invalidation walk. Its
// embedded ResolveInfo is what resolvers receive.
type operation struct {
	ResolveInfo

	store *Store
	cache *facade
	pass  *data.Pass

	errors  map[string]*gqlerror.Error
	hasNext bool
	stack   []string

	// walk is the kind of walk; write and invalidate walks never see
	// __typename fields.
	walk data.Kind
}

func (f *facade) newOperation(walk data.Kind, variables map[string]any, fragments map[string]*language.FragmentDefinition, typename, entityKey string, errs gqlerror.List) *operation {
	op := &operation{
		ResolveInfo: ResolveInfo{
			ParentTypeName: typename,
			ParentKey:      entityKey,
			Variables:      variables,
			Fragments:      fragments,
			Optimistic:     f.pass.Optimistic(),
		},
		store:  f.store,
		cache:  f,
		pass:   f.pass,
		errors: errorMap(errs),
		walk:   walk,
	}
	return op
}

func errorMap(errs gqlerror.List) map[string]*gqlerror.Error {
	var out map[string]*gqlerror.Error
	for _, err := range errs {
		if err == nil || len(err.Path) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]*gqlerror.Error)
		}
		out[pathKey(err.Path)] = err
	}
	return out
}

func pathKey(path ast.Path) string {
	var b strings.Builder
	for i, el := range path {
		if i > 0 {
			b.WriteByte('.')
		}
		switch el := el.(type) {
		case ast.PathIndex:
			b.WriteString(strconv.Itoa(int(el)))
		case ast.PathName:
			b.WriteString(string(el))
		}
	}
	return b.String()
}

func (op *operation) pushName(name string) { op.Path = append(op.Path, ast.PathName(name)) }
func (op *operation) pushIndex(i int)      { op.Path = append(op.Path, ast.PathIndex(i)) }
func (op *operation) pop()                 { op.Path = op.Path[:len(op.Path)-1] }

// fieldError returns the error reported at the current path.
func (op *operation) fieldError() *gqlerror.Error {
	if len(op.errors) == 0 || len(op.Path) == 0 {
		return nil
	}
	return op.errors[pathKey(op.Path)]
}

// enter points the resolve info at a field before a callback runs.
func (op *operation) enter(parent map[string]any, typename, entityKey, fieldKey, fieldName string) {
	op.Parent = parent
	op.ParentTypeName = typename
	op.ParentKey = entityKey
	op.ParentFieldKey = fieldKey
	op.FieldName = fieldName
	op.Error = op.fieldError()
	op.cache.current = op
}

func (op *operation) warn(code int, message string) {
	diag.Warn(op.store.logger, code, message, op.stack)
}

func (op *operation) pushDebug(name string) { op.stack = append(op.stack, name) }
func (op *operation) popDebug()             { op.stack = op.stack[:len(op.stack)-1] }
