// Package serializer renders a validated Annotation and its generated
// ClinicalSummary into the size-bounded forms the tier-2 AnnotationRow
// persists: a ≤4000 char description and a ≤20 char label.
package serializer

import (
	"strconv"
	"strings"

	"github.com/radscribe/annotator/pkg/metrics"
	"github.com/radscribe/annotator/pkg/schemas"
)

const (
	// descBudget is the hard ceiling AnnotationRow.desc must fit within
	// (4000 persists as-is, 4001 truncates).
	descBudget = 4000
	// hardTruncateAt leaves room for the trailing ellipsis marker when
	// every other truncation step still leaves the render oversized.
	hardTruncateAt = 3900
	ellipsisMarker = "... [truncated]"

	notesBudget  = 500
	reportBudget = 800

	labelBudget = 20

	noFindingsLabel = "No findings"
)

// ToDesc renders summary into the ordered text block AnnotationRow.desc
// stores. When the render exceeds descBudget, fields are truncated in
// priority order: shorten additional_notes/confidence_note to
// 500 chars, then report to 800, then hard-truncate at 3900 preserving a
// trailing ellipsis marker. Truncation is observable via metrics but never
// fails.
func ToDesc(summary schemas.ClinicalSummary, annotation schemas.Annotation) string {
	rendered := render(summary, annotation)
	if len(rendered) <= descBudget {
		return rendered
	}
	metrics.RecordSerializerTruncation("notes")

	trimmedNote := truncateFieldPtr(annotation.AdditionalNotes, notesBudget)
	trimmedConfNote := truncateFieldPtr(summary.ConfidenceNote, notesBudget)
	annotation.AdditionalNotes = trimmedNote
	summary.ConfidenceNote = trimmedConfNote
	rendered = render(summary, annotation)
	if len(rendered) <= descBudget {
		return rendered
	}

	metrics.RecordSerializerTruncation("report")
	annotation.GeminiReport = truncateFieldPtr(annotation.GeminiReport, reportBudget)
	rendered = render(summary, annotation)
	if len(rendered) <= descBudget {
		return rendered
	}

	metrics.RecordSerializerTruncation("hard")
	if len(rendered) <= hardTruncateAt {
		return rendered
	}
	return rendered[:hardTruncateAt] + ellipsisMarker
}

// PrimaryLabel derives AnnotationRow.label: the
// ClinicalSummary's primary_diagnosis trimmed and capped at 20 chars; if
// empty, the first Finding's label; if there are no findings, the literal
// "No findings".
func PrimaryLabel(summary schemas.ClinicalSummary, annotation schemas.Annotation) string {
	trimmed := strings.TrimSpace(summary.PrimaryDiagnosis)
	if trimmed != "" {
		return truncateRunes(trimmed, labelBudget)
	}
	if len(annotation.Findings) > 0 {
		return truncateRunes(annotation.Findings[0].Label, labelBudget)
	}
	return noFindingsLabel
}

// PatientIDInt coerces Annotation.PatientID to an integer:
// if it parses as an integer, that value; otherwise 0.
func PatientIDInt(patientID *string) int64 {
	if patientID == nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(*patientID), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// render builds the ordered text block: PRIMARY DIAGNOSIS, blank line,
// SUMMARY body, KEY FINDINGS bullets, then optional RECOMMENDATIONS,
// NOTE, and ENHANCED REPORT.
func render(summary schemas.ClinicalSummary, annotation schemas.Annotation) string {
	var b strings.Builder

	b.WriteString("PRIMARY DIAGNOSIS: ")
	b.WriteString(summary.PrimaryDiagnosis)
	b.WriteString("\n\n")

	b.WriteString("SUMMARY:\n")
	b.WriteString(summary.Summary)
	b.WriteString("\n\n")

	b.WriteString("KEY FINDINGS:\n")
	if len(summary.KeyFindings) == 0 {
		b.WriteString("- None reported\n")
	}
	for _, kf := range summary.KeyFindings {
		b.WriteString("- ")
		b.WriteString(kf)
		b.WriteString("\n")
	}

	if summary.Recommendations != nil && *summary.Recommendations != "" {
		b.WriteString("\nRECOMMENDATIONS: ")
		b.WriteString(*summary.Recommendations)
		b.WriteString("\n")
	}

	note := combinedNote(annotation.AdditionalNotes, summary.ConfidenceNote)
	if note != "" {
		b.WriteString("\nNOTE: ")
		b.WriteString(note)
		b.WriteString("\n")
	}

	if annotation.GeminiEnhanced && annotation.GeminiReport != nil && *annotation.GeminiReport != "" {
		b.WriteString("\nENHANCED REPORT:\n")
		b.WriteString(*annotation.GeminiReport)
		b.WriteString("\n")
	}

	return b.String()
}

func combinedNote(additionalNotes, confidenceNote *string) string {
	var parts []string
	if additionalNotes != nil && *additionalNotes != "" {
		parts = append(parts, *additionalNotes)
	}
	if confidenceNote != nil && *confidenceNote != "" {
		parts = append(parts, *confidenceNote)
	}
	return strings.Join(parts, " ")
}

func truncateFieldPtr(field *string, limit int) *string {
	if field == nil {
		return nil
	}
	truncated := truncateRunes(*field, limit)
	return &truncated
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// Parse inverts render for any desc ToDesc produced without truncation
// (ToDesc(Parse(desc)) == desc). It assumes
// the single-line convention ToDesc's own fields follow for
// recommendations and the combined note; a desc that does not start with
// the expected "PRIMARY DIAGNOSIS: " header returns ok=false.
func Parse(desc string) (summary schemas.ClinicalSummary, annotation schemas.Annotation, ok bool) {
	const primaryPrefix = "PRIMARY DIAGNOSIS: "
	if !strings.HasPrefix(desc, primaryPrefix) {
		return summary, annotation, false
	}
	rest := desc[len(primaryPrefix):]

	idx := strings.Index(rest, "\n\n")
	if idx < 0 {
		return summary, annotation, false
	}
	summary.PrimaryDiagnosis = rest[:idx]
	rest = rest[idx+2:]

	const summaryPrefix = "SUMMARY:\n"
	if !strings.HasPrefix(rest, summaryPrefix) {
		return summary, annotation, false
	}
	rest = rest[len(summaryPrefix):]

	const keyFindingsMarker = "\n\nKEY FINDINGS:\n"
	idx = strings.Index(rest, keyFindingsMarker)
	if idx < 0 {
		return summary, annotation, false
	}
	summary.Summary = rest[:idx]
	rest = rest[idx+len(keyFindingsMarker):]

	lines := strings.Split(rest, "\n")
	var findings []string
	consumed := 0
	for _, ln := range lines {
		if !strings.HasPrefix(ln, "- ") {
			break
		}
		item := strings.TrimPrefix(ln, "- ")
		if item != "None reported" {
			findings = append(findings, item)
		}
		consumed += len(ln) + 1
	}
	summary.KeyFindings = findings
	rest = rest[consumed:]

	rest = consumeSection(rest, "\nRECOMMENDATIONS: ", &summary.Recommendations)
	rest = consumeSection(rest, "\nNOTE: ", &annotation.AdditionalNotes)

	const enhancedPrefix = "\nENHANCED REPORT:\n"
	if strings.HasPrefix(rest, enhancedPrefix) {
		report := strings.TrimSuffix(rest[len(enhancedPrefix):], "\n")
		annotation.GeminiEnhanced = true
		annotation.GeminiReport = &report
	}

	return summary, annotation, true
}

// consumeSection extracts a single-line "<prefix><value>\n"-shaped section
// from the front of rest, if present, storing value into dst and
// returning the remainder.
func consumeSection(rest, prefix string, dst **string) string {
	if !strings.HasPrefix(rest, prefix) {
		return rest
	}
	body := rest[len(prefix):]
	idx := strings.Index(body, "\n")
	if idx < 0 {
		idx = len(body)
	}
	value := body[:idx]
	*dst = &value
	if idx < len(body) {
		return body[idx+1:]
	}
	return ""
}
