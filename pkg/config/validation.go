package config

import (
	"reflect"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// Validator is an optional interface that configuration structs may
// implement for custom validation logic. If the struct passed to
// [Loader.Load] implements Validator, its Validate method is called
// after tag-based validation (the required tag) succeeds.
//
// Validate should return an error describing the first validation
// failure, or nil if the configuration is valid. Errors that are
// already [*amcperr.Error] are returned as-is; other errors are wrapped
// with [amcperr.CodeValidation].
//
// Example:
//
//	func (c *MeshConfig) Validate() error {
//	    if c.Fallback.MinConfidence < 0 || c.Fallback.MinConfidence > 100 {
//	        return amcperr.Newf(amcperr.CodeValidation,
//	            "config: fallback.min-confidence %d is out of range [0, 100]",
//	            c.Fallback.MinConfidence)
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

// validate performs tag-based required validation and then invokes the
// Validator interface if the config struct implements it. The cfg
// parameter is the original interface value (for Validator type
// assertion); rv is the dereferenced reflect.Value of the struct.
func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			// Pass through platform errors unchanged.
			if _, isPlatform := amcperr.AsError(err); isPlatform {
				return err
			}
			return amcperr.Wrap(err, amcperr.CodeValidation,
				"config: custom validation failed")
		}
	}

	return nil
}

// validateRequired recursively checks that all fields tagged with
// `required:"true"` hold non-zero values. The path parameter accumulates
// nested field names for error messages.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		name := sf.Name
		if path != "" {
			name = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := validateRequired(field, name); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return amcperr.Newf(amcperr.CodeValidation,
				"config: required field %q is not set", name)
		}
	}

	return nil
}
