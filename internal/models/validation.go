package models

import (
	"strings"
)

// FieldError is one failed check on a payload field.
type FieldError struct {
	Field string
	Err   error
}

func (f FieldError) Error() string {
	if f.Field == "" {
		return f.Err.Error()
	}
	return f.Field + ": " + f.Err.Error()
}

func (f FieldError) Unwrap() error { return f.Err }

// ValidationErrors collects field errors from one payload so a decoder can
// report every missing id at once.
type ValidationErrors struct {
	Errors []FieldError
}

// Add records err against field. A nil err is ignored.
func (v *ValidationErrors) Add(field string, err error) {
	if err != nil {
		v.Errors = append(v.Errors, FieldError{Field: field, Err: err})
	}
}

// Require records ErrMissingField for field when value is blank. It reports
// whether value was present.
func (v *ValidationErrors) Require(field, value string) bool {
	if strings.TrimSpace(value) != "" {
		return true
	}
	v.Add(field, ErrMissingField)
	return false
}

// Err returns nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes each field error to errors.Is and errors.As.
func (v *ValidationErrors) Unwrap() []error {
	if v == nil {
		return nil
	}
	errs := make([]error, len(v.Errors))
	for i, err := range v.Errors {
		errs[i] = err
	}
	return errs
}
