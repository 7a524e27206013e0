package schemas

import (
	"strconv"

	govalidator "github.com/go-playground/validator/v10"

	"github.com/radscribe/annotator/internal/validation"
)

const (
	UrgencyCritical = "critical"
	UrgencyUrgent   = "urgent"
	UrgencyRoutine  = "routine"

	SignificanceHigh   = "high"
	SignificanceMedium = "medium"
	SignificanceLow    = "low"
)

// validate is the shared instance carrying the urgencylevel,
// clinicalsignificance, and validationstatus tags internal/validation
// registers; schemas structs use the urgencylevel and clinicalsignificance
// tags, and no schemas struct uses validationstatus.
var validate = validation.New()

// Annotation is the typed, accepted output of the Validator (and,
// optionally, the Enhancer). It is passed by value between pipeline
// stages; nothing downstream mutates a shared Annotation in place.
type Annotation struct {
	PatientID            *string   `json:"patient_id,omitempty"`
	Findings             []Finding `json:"findings"`
	ConfidenceScore      float64   `json:"confidence_score" validate:"gte=0,lte=1"`
	GeneratedBy          string    `json:"generated_by" validate:"required"`
	AdditionalNotes      *string   `json:"additional_notes,omitempty"`
	GeminiEnhanced       bool      `json:"gemini_enhanced"`
	GeminiReport         *string   `json:"gemini_report,omitempty"`
	UrgencyLevel         *string   `json:"urgency_level,omitempty" validate:"omitempty,urgencylevel"`
	ClinicalSignificance *string   `json:"clinical_significance,omitempty" validate:"omitempty,clinicalsignificance"`
}

// Validate checks Annotation's invariants:
// confidence_score within [0,1], enhancement-field enums, enhancement
// fields nil unless gemini_enhanced is set, and every Finding individually
// valid. Struct-tag constraints run first through the shared validator;
// the gemini_enhanced cross-field rule and per-Finding checks don't fit a
// single struct tag and are applied after.
func (a Annotation) Validate() error {
	ve := NewValidationError("annotation", "validation failed")

	if err := validate.Struct(a); err != nil {
		if fieldErrs, ok := err.(govalidator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				ve.AddFieldError(fe.Field(), fe.Tag())
			}
		} else {
			ve.AddFieldError("_struct", err.Error())
		}
	}

	if !a.GeminiEnhanced {
		if a.GeminiReport != nil {
			ve.AddFieldError("gemini_report", "must be nil when gemini_enhanced is false")
		}
		if a.UrgencyLevel != nil {
			ve.AddFieldError("urgency_level", "must be nil when gemini_enhanced is false")
		}
		if a.ClinicalSignificance != nil {
			ve.AddFieldError("clinical_significance", "must be nil when gemini_enhanced is false")
		}
	}

	for i, f := range a.Findings {
		if err := f.Validate(); err != nil {
			ve.AddFieldError(findingField(i), err.Error())
		}
	}

	if len(ve.FieldErrors) > 0 {
		return ve
	}
	return nil
}

func findingField(i int) string {
	return "findings[" + strconv.Itoa(i) + "]"
}
