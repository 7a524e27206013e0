package annotationvalidator

import (
	"strings"

	"github.com/radscribe/annotator/pkg/schemas"
)

// FallbackTerm pairs a lowercase search term with the Finding label the
// fallback parser emits when the term appears in the vision text. Labels
// stay within the 20 char budget AnnotationRow.label derives from.
type FallbackTerm struct {
	Term  string
	Label string
}

// defaultFallbackTerms is the built-in recognizer vocabulary. The list is
// deliberately small and high-precision; deployments extend it through
// Config.FallbackVocabulary rather than editing this table.
var defaultFallbackTerms = []FallbackTerm{
	{Term: "pneumothorax", Label: "Pneumothorax"},
	{Term: "fracture", Label: "Fracture"},
	{Term: "effusion", Label: "Effusion"},
	{Term: "consolidation", Label: "Consolidation"},
	{Term: "opacity", Label: "Opacity"},
	{Term: "pneumonia", Label: "Pneumonia"},
	{Term: "cardiomegaly", Label: "Cardiomegaly"},
	{Term: "atelectasis", Label: "Atelectasis"},
	{Term: "edema", Label: "Edema"},
	{Term: "nodule", Label: "Nodule"},
	{Term: "mass", Label: "Mass"},
	{Term: "normal", Label: "Normal"},
}

const (
	fallbackConfidence  = 0.30
	fallbackGeneratedBy = "fallback-parser"

	incompleteLabel = "Analysis Incomplete"
)

// fallbackParse runs the deterministic keyword recognizer over visionText
// and builds the degraded Annotation the Validator returns when the
// structured-output model cannot produce an acceptable one. For every
// vocabulary term present it emits one Finding with location
// "Unspecified" and severity "Unknown"; when nothing matches it emits a
// single "Analysis Incomplete" Finding so the row is still persistable.
func fallbackParse(visionText string, patientID *string, terms []FallbackTerm) schemas.Annotation {
	lowered := strings.ToLower(visionText)

	var findings []schemas.Finding
	for _, t := range terms {
		if strings.Contains(lowered, t.Term) {
			findings = append(findings, schemas.Finding{
				Label:    t.Label,
				Location: "Unspecified",
				Severity: "Unknown",
			})
		}
	}

	if len(findings) == 0 {
		findings = []schemas.Finding{{
			Label:    incompleteLabel,
			Location: "Overall",
			Severity: "Unknown",
		}}
	}

	return schemas.Annotation{
		PatientID:       patientID,
		Findings:        findings,
		ConfidenceScore: fallbackConfidence,
		GeneratedBy:     fallbackGeneratedBy,
	}
}

// mergeVocabulary appends configured extra terms to the built-in table,
// skipping duplicates. Extra entries use the term itself (title-cased,
// capped at 20 chars) as the label.
func mergeVocabulary(extra []string) []FallbackTerm {
	terms := make([]FallbackTerm, len(defaultFallbackTerms))
	copy(terms, defaultFallbackTerms)

	known := make(map[string]bool, len(terms))
	for _, t := range terms {
		known[t.Term] = true
	}

	for _, raw := range extra {
		term := strings.ToLower(strings.TrimSpace(raw))
		if term == "" || known[term] {
			continue
		}
		known[term] = true
		terms = append(terms, FallbackTerm{Term: term, Label: termLabel(term)})
	}
	return terms
}

func termLabel(term string) string {
	label := strings.ToUpper(term[:1]) + term[1:]
	r := []rune(label)
	if len(r) > 20 {
		return string(r[:20])
	}
	return label
}
