package schemas

import (
	"strings"

	"github.com/radscribe/annotator/internal/validation"
)

// Finding is a single abnormality (or explicit absence thereof) reported
// against an image. label is intentionally short (tier-2 AnnotationRow.label
// is derived from it and capped at 20 chars).
type Finding struct {
	Label    string `json:"label" validate:"required,max=20"`
	Location string `json:"location" validate:"required"`
	Severity string `json:"severity" validate:"required"`
}

// Validate enforces Finding's invariant (label non-empty after trim) beyond
// what the struct tags alone express, since "required" accepts a
// whitespace-only string.
func (f Finding) Validate() error {
	ve := NewValidationError("finding", "validation failed")
	if !validation.TrimmedNonEmpty(f.Label) {
		ve.AddFieldError("label", "must be non-empty after trimming whitespace")
	}
	if len(f.Label) > 20 {
		ve.AddFieldError("label", "must be 20 characters or less")
	}
	if strings.TrimSpace(f.Location) == "" {
		ve.AddFieldError("location", "is required")
	}
	if strings.TrimSpace(f.Severity) == "" {
		ve.AddFieldError("severity", "is required")
	}
	if len(ve.FieldErrors) > 0 {
		return ve
	}
	return nil
}
