// Package props holds the property dictionaries attached to services and
// bundles. Keys are compared case-insensitively but keep the spelling they
// were first given, and values are normalized into a small closed set of
// kinds so filters can compare them without reflection.
package props

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ErrDuplicateKey is returned when two keys differ only in case.
var ErrDuplicateKey = errors.New("duplicate property key ignoring case")

// Kind classifies a normalized property value.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindOpaque:
		return "opaque"
	default:
		return "invalid"
	}
}

// KindOf reports the kind of a normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindInvalid
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindOpaque
	}
}

// Normalize converts v into bool, int64, float64, string, []any or
// map[string]any. Values that fit none of these are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return normalizeUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return normalizeUint(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case Map:
		return t.ToMap()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// Map is an immutable, case-insensitive property dictionary.
type Map struct {
	values map[string]any
	index  map[string]string
}

// New builds a Map from m, normalizing every value. Keys that collide
// ignoring case produce ErrDuplicateKey.
func New(m map[string]any) (Map, error) {
	out := Map{
		values: make(map[string]any, len(m)),
		index:  make(map[string]string, len(m)),
	}
	for k, v := range m {
		lk := strings.ToLower(k)
		if prev, ok := out.index[lk]; ok {
			return Map{}, fmt.Errorf("%w: %q and %q", ErrDuplicateKey, prev, k)
		}
		out.index[lk] = k
		out.values[k] = Normalize(v)
	}
	return out, nil
}

// MustNew is like New but panics on duplicate keys.
func MustNew(m map[string]any) Map {
	p, err := New(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of properties.
func (m Map) Len() int { return len(m.values) }

// Get looks up key ignoring case.
func (m Map) Get(key string) (any, bool) {
	orig, ok := m.index[strings.ToLower(key)]
	if !ok {
		return nil, false
	}
	return m.values[orig], true
}

// Value returns the value for key or nil.
func (m Map) Value(key string) any {
	v, _ := m.Get(key)
	return v
}

// Lookup resolves key ignoring case, falling back to a dotted path through
// nested maps when no top-level key matches ("a.b.c" finds
// {"a": {"b": {"c": v}}} as well as {"a.b": {"c": v}}).
func (m Map) Lookup(key string) (any, bool) {
	if v, ok := m.Get(key); ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	return lookupPath(m.values, key)
}

func lookupPath(m map[string]any, key string) (any, bool) {
	if v, ok := getFold(m, key); ok {
		return v, true
	}
	for i := 0; i < len(key); i++ {
		if key[i] != '.' {
			continue
		}
		head, ok := getFold(m, key[:i])
		if !ok {
			continue
		}
		nested, ok := head.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lookupPath(nested, key[i+1:]); ok {
			return v, true
		}
	}
	return nil, false
}

func getFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Keys returns the keys in their original spelling, sorted.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap returns a shallow copy of the properties.
func (m Map) ToMap() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// With returns a copy of m with key set to v, replacing any existing key
// that matches ignoring case.
func (m Map) With(key string, v any) Map {
	out := Map{
		values: make(map[string]any, len(m.values)+1),
		index:  make(map[string]string, len(m.index)+1),
	}
	lk := strings.ToLower(key)
	for k, val := range m.values {
		if strings.ToLower(k) == lk {
			continue
		}
		out.values[k] = val
		out.index[strings.ToLower(k)] = k
	}
	out.values[key] = Normalize(v)
	out.index[lk] = key
	return out
}

// Without returns a copy of m with key removed.
func (m Map) Without(key string) Map {
	orig, ok := m.index[strings.ToLower(key)]
	if !ok {
		return m
	}
	out := Map{
		values: make(map[string]any, len(m.values)),
		index:  make(map[string]string, len(m.index)),
	}
	for k, v := range m.values {
		if k == orig {
			continue
		}
		out.values[k] = v
		out.index[strings.ToLower(k)] = k
	}
	return out
}

// String renders the map with sorted keys.
func (m Map) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, m.values[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Strings converts a string or list value into a string slice.
func Strings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
