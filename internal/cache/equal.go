package cache

import "reflect"

// same reports whether a and b are the identical value: the same map, the
// same slice of the same length, or equal scalars. It is how the read engine
// decides whether a subtree of a previous result can be reused.
func same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map:
		return va.UnsafePointer() == vb.UnsafePointer()
	case reflect.Slice:
		return va.UnsafePointer() == vb.UnsafePointer() && va.Len() == vb.Len()
	case reflect.Func:
		return false
	}
	if !va.Type().Comparable() {
		return false
	}
	return a == b
}

// asList returns v as a generic list when it is one of the list shapes
// produced by decoding JSON or by resolvers.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
