// Package validation provides small, dependency-free input guards shared
// across the pipeline (patient_id hints, chat messages, path strings)
// plus the shared go-playground/validator instance used to enforce the
// schemas package's struct-tag constraints.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// unsafePattern flags coarse SQL/script-injection signatures before a
// string reaches a raw query or is echoed into a log line.
var unsafePattern = regexp.MustCompile(`(?i)(union\s+select|--|<script|drop\s+table|;\s*drop|'\s*or\s*'1'\s*=\s*'1)`)

// controlCharPattern matches non-printable control characters other than
// tab, newline, and carriage return.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)

// ValidateStringInput checks a free-form string field for length and for
// the coarse injection/control-character signatures above. maxLen <= 0
// disables the length check.
func ValidateStringInput(field, value string, maxLen int) error {
	if maxLen > 0 && len(value) > maxLen {
		return fmt.Errorf("%s must be %d characters or less", field, maxLen)
	}
	if unsafePattern.MatchString(value) {
		return fmt.Errorf("%s contains potentially unsafe characters", field)
	}
	if controlCharPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid control characters", field)
	}
	return nil
}

// SanitizeForLogging replaces control characters with '?' and truncates to
// 200 characters (with a trailing ellipsis) so untrusted text (vision
// output, chat messages) is safe to write to structured logs.
func SanitizeForLogging(input string) string {
	sanitized := controlCharPattern.ReplaceAllString(input, "?")
	if len(sanitized) > 200 {
		return sanitized[:197] + "..."
	}
	return sanitized
}

// New returns a validator.Validate instance with the custom tags the
// schemas package relies on registered.
func New() *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("urgencylevel", func(fl validator.FieldLevel) bool {
		return isOneOf(fl.Field().String(), fl.Field().Kind().String() == "string" && fl.Field().Len() == 0, "critical", "urgent", "routine")
	})
	_ = v.RegisterValidation("clinicalsignificance", func(fl validator.FieldLevel) bool {
		return isOneOf(fl.Field().String(), fl.Field().Len() == 0, "high", "medium", "low")
	})
	_ = v.RegisterValidation("validationstatus", func(fl validator.FieldLevel) bool {
		return isOneOf(fl.Field().String(), false, "success", "retry", "fallback")
	})

	return v
}

func isOneOf(value string, allowEmpty bool, allowed ...string) bool {
	if value == "" {
		return allowEmpty
	}
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// TrimmedNonEmpty reports whether value is non-empty after trimming
// surrounding whitespace (Finding.label's invariant).
func TrimmedNonEmpty(value string) bool {
	return strings.TrimSpace(value) != ""
}
