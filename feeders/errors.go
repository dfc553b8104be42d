package feeders

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStructure  = errors.New("expected pointer to struct")
	ErrEmptyPrefix       = errors.New("env: prefix or suffix cannot be empty")
	ErrFieldCannotBeSet  = errors.New("field cannot be set")
	ErrCannotConvert     = errors.New("cannot convert value to field type")
	ErrUnsupportedFormat = errors.New("unsupported configuration file format")
)

func wrapStructureError(got any) error {
	return fmt.Errorf("%w, got %T", ErrInvalidStructure, got)
}

func wrapConvertError(value any, fieldType, fieldPath string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w %T to %s for field %s: %w", ErrCannotConvert, value, fieldType, fieldPath, cause)
	}
	return fmt.Errorf("%w %T to %s for field %s", ErrCannotConvert, value, fieldType, fieldPath)
}
