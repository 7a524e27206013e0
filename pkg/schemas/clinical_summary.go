package schemas

// ClinicalSummary is the SummaryGenerator's typed output.
type ClinicalSummary struct {
	PrimaryDiagnosis string   `json:"primary_diagnosis"`
	Summary          string   `json:"summary"`
	KeyFindings      []string `json:"key_findings"`
	Recommendations  *string  `json:"recommendations,omitempty"`
	ConfidenceNote   *string  `json:"confidence_note,omitempty"`
}

// Validate checks ClinicalSummary's per-field length and count
// constraints. The cross-cutting "rendered form stays within 4000 chars"
// invariant is enforced by the Serializer at render time, not here, since
// it depends on the rendering algorithm, not the raw fields.
func (c ClinicalSummary) Validate() error {
	ve := NewValidationError("clinical_summary", "validation failed")

	if c.PrimaryDiagnosis == "" {
		ve.AddFieldError("primary_diagnosis", "is required")
	}
	if len(c.PrimaryDiagnosis) > 100 {
		ve.AddFieldError("primary_diagnosis", "must be 100 characters or less")
	}
	if c.Summary == "" {
		ve.AddFieldError("summary", "is required")
	}
	if len(c.Summary) > 3500 {
		ve.AddFieldError("summary", "must be 3500 characters or less")
	}
	if len(c.KeyFindings) > 5 {
		ve.AddFieldError("key_findings", "must contain 5 items or fewer")
	}
	if c.Recommendations != nil && len(*c.Recommendations) > 500 {
		ve.AddFieldError("recommendations", "must be 500 characters or less")
	}
	if c.ConfidenceNote != nil && len(*c.ConfidenceNote) > 200 {
		ve.AddFieldError("confidence_note", "must be 200 characters or less")
	}

	if len(ve.FieldErrors) > 0 {
		return ve
	}
	return nil
}
