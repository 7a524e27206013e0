// Package models holds the Repository's two-tier persistence shapes:
// RequestRow (tier-1 staging) and AnnotationRow (tier-2 production),
// plus the Label and Patient lookup tables. Every field here maps directly to a column; business-rule
// helpers belong to the Repository and Serializer, not to these structs.
package models

import "time"

// ValidationStatus tags how a RequestRow's typed output was obtained:
// a bare string column in the database, this type keeps
// the three legal values out of reach of ad-hoc string literals in Go code.
type ValidationStatus string

const (
	ValidationSuccess  ValidationStatus = "success"
	ValidationRetry    ValidationStatus = "retry"
	ValidationFallback ValidationStatus = "fallback"
)

// RequestRow is the tier-1 staging record. It is the audit
// trail: every intermediate artifact the pipeline produced for one image,
// kept even when the pipeline never reaches tier 2.
type RequestRow struct {
	ID                   int64            `db:"id"`
	SetName              int64            `db:"set_name"`
	PathURL              string           `db:"path_url"`
	VisionRaw            string           `db:"vision_raw"`
	StructuredJSON       *string          `db:"structured_json"`
	ValidationAttempts   int              `db:"validation_attempts"`
	ValidationStatus     ValidationStatus `db:"validation_status"`
	PydanticOutput       string           `db:"pydantic_output"`
	ConfidenceScore      float64          `db:"confidence_score"`
	Enhanced             bool             `db:"enhanced"`
	Report               *string          `db:"report"`
	UrgencyLevel         *string          `db:"urgency_level"`
	ClinicalSignificance *string          `db:"clinical_significance"`
	Flagged              bool             `db:"flagged"`
	CreatedAt            time.Time        `db:"created_at"`
	Processed            bool             `db:"processed"`
	ProcessingError      *string          `db:"processing_error"`
}

// AnnotationRow is the tier-2 production record: the human-facing label
// and description, joined back to its RequestRow on demand rather than
// holding an in-memory back-reference.
type AnnotationRow struct {
	SetName   int64  `db:"set_name"`
	PathURL   string `db:"path_url"`
	Label     string `db:"label"`
	PatientID int64  `db:"patient_id"`
	Desc      string `db:"desc"`
	RequestID int64  `db:"request_id"`
}

// AnnotationWithRequest is the joined record Repository.GetAnnotationWithRequest
// returns for audit: the production row plus the staging
// row it descends from.
type AnnotationWithRequest struct {
	Annotation AnnotationRow `db:"annotation"`
	Request    RequestRow    `db:"request"`
}

// Label is an auxiliary lookup table: every distinct AnnotationRow label
// (the primary label ProcessRequest writes) across all datasets, inserted
// in the same transaction before the AnnotationRow that references it.
type Label struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Patient is an auxiliary lookup table keyed by the coerced integer
// patient_id (the Serializer's coercion rule).
type Patient struct {
	ID         int64 `db:"id"`
	ExternalID int64 `db:"external_id"`
}

// PipelineStats is Repository.PipelineStats' return shape.
type PipelineStats struct {
	Total         int                      `json:"total"`
	Processed     int                      `json:"processed"`
	Unprocessed   int                      `json:"unprocessed"`
	ByStatus      map[ValidationStatus]int `json:"by_status"`
	EnhancedCount int                      `json:"enhanced_count"`
	AvgConfidence float64                  `json:"avg_confidence"`
}
