package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
)

// AffixedEnvFeeder reads fields tagged `env:"NAME"` from variables named
// PREFIX_NAME_SUFFIX. Either affix may be empty, not both.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
}

// NewAffixedEnvFeeder creates a new AffixedEnvFeeder.
func NewAffixedEnvFeeder(prefix, suffix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix, Suffix: suffix}
}

// Feed reads environment variables and populates the provided structure.
func (f AffixedEnvFeeder) Feed(structure any) error {
	rv, err := structValue(structure)
	if err != nil {
		return err
	}
	if f.Prefix == "" && f.Suffix == "" {
		return ErrEmptyPrefix
	}
	return f.fillStruct(rv)
}

// VarName returns the variable consulted for an env tag.
func (f AffixedEnvFeeder) VarName(tag string) string {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = strings.ToUpper(strings.TrimSuffix(f.Prefix, "_")) + "_" + name
	}
	if f.Suffix != "" {
		name = name + "_" + strings.ToUpper(strings.TrimPrefix(f.Suffix, "_"))
	}
	return name
}

func (f AffixedEnvFeeder) fillStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		switch {
		case field.Kind() == reflect.Struct:
			if err := f.fillStruct(field); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Pointer && !field.IsNil() && field.Elem().Kind() == reflect.Struct:
			if err := f.fillStruct(field.Elem()); err != nil {
				return err
			}
			continue
		}

		tag, ok := fieldType.Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}
		value, ok := os.LookupEnv(f.VarName(tag))
		if !ok || value == "" {
			continue
		}
		if err := setFromString(field, value, fieldType.Name); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}
