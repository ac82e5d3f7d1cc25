package config

import (
	"reflect"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// Validator is implemented by configuration structs that need checks beyond
// the required tag. Load calls Validate on the root struct and on every
// nested struct that implements it, innermost first, so component configs
// such as auth.KeySetConfig validate themselves wherever they are embedded.
//
// Errors that are already *sserr.Error are returned unchanged; others are
// wrapped with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if isNested(sf) {
			if err := validate(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return runValidator(rv, path)
}

func runValidator(rv reflect.Value, path string) error {
	if !rv.CanAddr() {
		return nil
	}
	v, ok := rv.Addr().Interface().(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	if _, isSSErr := sserr.AsError(err); isSSErr {
		return err
	}
	if path == "" {
		return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
	}
	return sserr.Wrapf(err, sserr.CodeValidation, "config: validation of %q failed", path)
}
