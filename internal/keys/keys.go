// Package keys derives the string identities used by the normalized store:
// field keys for fields with arguments, joined keys for embedded entities and
// dependencies, and the serialized keys of persisted entries.
package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hanpama/graphcache/internal/diag"
)

// FieldInfo describes one cached variant of a field.
type FieldInfo struct {
	FieldKey  string
	FieldName string
	Arguments map[string]any
}

// OfField returns the field key for name called with args. Argument order
// never affects the result.
func OfField(name string, args map[string]any) string {
	if len(args) == 0 {
		return name
	}
	return name + "(" + Stringify(args) + ")"
}

// FieldInfoOf parses a key produced by OfField. Whole numbers in the
// arguments come back as int and other numbers as float64.
func FieldInfoOf(fieldKey string) FieldInfo {
	paren := strings.IndexByte(fieldKey, '(')
	if paren < 0 || !strings.HasSuffix(fieldKey, ")") {
		return FieldInfo{FieldKey: fieldKey, FieldName: fieldKey}
	}
	info := FieldInfo{FieldKey: fieldKey, FieldName: fieldKey[:paren]}
	dec := json.NewDecoder(strings.NewReader(fieldKey[paren+1 : len(fieldKey)-1]))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err == nil {
		info.Arguments = numbers(args).(map[string]any)
	}
	return info
}

// numbers replaces the json.Number values of v in place.
func numbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil && int64(int(i)) == i {
			return int(i)
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, item := range v {
			v[k] = numbers(item)
		}
	case []any:
		for i, item := range v {
			v[i] = numbers(item)
		}
	}
	return v
}

// Join nests key under parent, as used for embedded entities and for the
// dependency keys of root fields.
func Join(parent, key string) string {
	return parent + "." + key
}

const serialSep = "\t"

// Serialize is the persisted key of one entity field.
func Serialize(entityKey, fieldKey string) string {
	return entityKey + serialSep + fieldKey
}

// Deserialize splits a key produced by Serialize.
func Deserialize(key string) (entityKey, fieldKey string) {
	entityKey, fieldKey, _ = strings.Cut(key, serialSep)
	return entityKey, fieldKey
}

// Stringify renders v as JSON with object keys sorted and without HTML
// escaping, so equal values always produce equal strings. Values JSON cannot
// encode are rendered with fmt and logged once.
func Stringify(v any) string {
	s, err := Marshal(v)
	if err != nil {
		diag.Warn(nil, 31, fmt.Sprintf("value of type %T is not JSON encodable: %v", v, err), nil)
		return fmt.Sprint(v)
	}
	return s
}

// Marshal is Stringify without the fallback.
func Marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
