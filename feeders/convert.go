package feeders

import (
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

func structValue(structure any) (reflect.Value, error) {
	rv := reflect.ValueOf(structure)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, wrapStructureError(structure)
	}
	return rv.Elem(), nil
}

// setFromString converts s into the field's type. Slices take a
// comma-separated list.
func setFromString(field reflect.Value, s, path string) error {
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return wrapConvertError(s, field.Type().String(), path, err)
		}
		field.SetInt(int64(d))
		return nil
	case field.Kind() == reflect.Slice:
		parts := splitList(s)
		out := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			if err := setFromString(out.Index(i), p, path); err != nil {
				return err
			}
		}
		field.Set(out)
		return nil
	}
	v, err := cast.FromType(s, field.Type())
	if err != nil {
		return wrapConvertError(s, field.Type().String(), path, err)
	}
	field.Set(reflect.ValueOf(v).Convert(field.Type()))
	return nil
}

// setFromValue assigns an arbitrary decoded value, converting through
// strings when the types differ.
func setFromValue(field reflect.Value, v any, path string) error {
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return setFromString(field, s, path)
	}
	rv := reflect.ValueOf(v)
	if field.Kind() == reflect.Slice && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		out := reflect.MakeSlice(field.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if err := setFromValue(out.Index(i), rv.Index(i).Interface(), path); err != nil {
				return err
			}
		}
		field.Set(out)
		return nil
	}
	if field.Type() == durationType && rv.CanInt() {
		field.SetInt(rv.Int())
		return nil
	}
	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(field.Type()) && rv.Kind() != reflect.String && field.Kind() != reflect.String {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return wrapConvertError(v, field.Type().String(), path, nil)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
