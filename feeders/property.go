package feeders

import (
	"fmt"
	"reflect"
	"strings"
)

// PropertyFeeder fills fields tagged `prop:"key"` from a launch property
// map. Keys match ignoring case.
type PropertyFeeder struct {
	Props map[string]any
}

// NewPropertyFeeder creates a PropertyFeeder over props.
func NewPropertyFeeder(props map[string]any) PropertyFeeder {
	return PropertyFeeder{Props: props}
}

// Feed copies matching properties into structure.
func (p PropertyFeeder) Feed(structure any) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	if len(p.Props) == 0 {
		return nil
	}
	folded := make(map[string]any, len(p.Props))
	for k, v := range p.Props {
		folded[strings.ToLower(k)] = v
	}
	return fillFromProps(rv, folded)
}

func fillFromProps(rv reflect.Value, props map[string]any) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := fillFromProps(field, props); err != nil {
				return err
			}
			continue
		}
		tag, ok := fieldType.Tag.Lookup("prop")
		if !ok || tag == "" {
			continue
		}
		v, ok := props[strings.ToLower(tag)]
		if !ok {
			continue
		}
		if err := setFromValue(field, v, tag); err != nil {
			return fmt.Errorf("property '%s': %w", tag, err)
		}
	}
	return nil
}
