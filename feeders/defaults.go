package feeders

import (
	"fmt"
	"reflect"
)

// DefaultFeeder fills zero-valued fields from their `default` tag.
type DefaultFeeder struct{}

// Feed applies defaults to structure.
func (DefaultFeeder) Feed(structure any) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	return applyDefaults(rv)
}

func applyDefaults(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		def, ok := fieldType.Tag.Lookup("default")
		if !ok || !field.IsZero() {
			continue
		}
		if err := setFromString(field, def, fieldType.Name); err != nil {
			return fmt.Errorf("default for field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}
