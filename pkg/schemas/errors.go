package schemas

import "fmt"

// ValidationError reports one or more field-level constraint violations
// for a Finding, Annotation, or ClinicalSummary.
type ValidationError struct {
	Resource    string
	Message     string
	FieldErrors map[string]string
}

// NewValidationError constructs a ValidationError with an empty field-error
// map, ready for AddFieldError calls.
func NewValidationError(resource, message string) *ValidationError {
	return &ValidationError{
		Resource:    resource,
		Message:     message,
		FieldErrors: make(map[string]string),
	}
}

// AddFieldError records or overwrites the error for a single field.
func (e *ValidationError) AddFieldError(field, message string) {
	e.FieldErrors[field] = message
}

func (e *ValidationError) Error() string {
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("%s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s (fields: %v)", e.Resource, e.Message, e.FieldErrors)
}
