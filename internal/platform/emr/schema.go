package emr

import "fmt"

// SchemaError describes a provider payload that decoded but does not have
// the shape the integration relies on.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("field %q %s", e.Field, e.Reason)
}

func errMissingField(field string) error {
	return &SchemaError{Field: field, Reason: "is required"}
}

func errUnexpected(field string, v interface{}) error {
	return &SchemaError{Field: field, Reason: fmt.Sprintf("has unexpected value %v", v)}
}
