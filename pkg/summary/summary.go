// Package summary produces the ClinicalSummary for an accepted
// Annotation: an LLM call in JSON-response mode at low temperature, with
// a deterministic minimal summary constructed from the Annotation itself
// whenever the model's output fails validation.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/radscribe/annotator/internal/llmclient"
	"github.com/radscribe/annotator/pkg/schemas"
)

// StructuredCaller is the slice of llmclient.Client the generator needs.
type StructuredCaller interface {
	CallStructured(ctx context.Context, model string, req llmclient.StructuredRequest) (json.RawMessage, error)
}

// Config configures the summary model call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Generator produces ClinicalSummaries.
type Generator struct {
	client StructuredCaller
	cfg    Config
	logger *logrus.Logger
}

// New constructs a Generator.
func New(client StructuredCaller, cfg Config, logger *logrus.Logger) *Generator {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Generator{client: client, cfg: cfg, logger: logger}
}

var summarySchema = llmclient.SchemaFromJSONTags(map[string]interface{}{
	"primary_diagnosis": map[string]interface{}{"type": "string", "maxLength": 100},
	"summary":           map[string]interface{}{"type": "string", "maxLength": 3500},
	"key_findings": map[string]interface{}{
		"type":     "array",
		"items":    map[string]interface{}{"type": "string"},
		"maxItems": 5,
	},
	"recommendations": map[string]interface{}{"type": "string", "maxLength": 500},
	"confidence_note": map[string]interface{}{"type": "string", "maxLength": 200},
}, []string{"primary_diagnosis", "summary", "key_findings"})

// Summarize returns a ClinicalSummary for annotation. It never fails:
// when the model is unreachable or its output violates the summary
// constraints, the deterministic minimal summary is returned instead.
func (g *Generator) Summarize(ctx context.Context, annotation schemas.Annotation) schemas.ClinicalSummary {
	raw, err := g.client.CallStructured(ctx, g.cfg.Model, llmclient.StructuredRequest{
		SystemPrompt:    "You are a radiology reporting assistant. Write a concise clinical summary of the structured findings below.",
		UserPrompt:      g.buildPrompt(annotation),
		Temperature:     g.cfg.Temperature,
		MaxTokens:       g.cfg.MaxTokens,
		ToolName:        "record_summary",
		ToolDescription: "Record the clinical summary for the annotation.",
		InputSchema:     summarySchema,
	})
	if err != nil {
		g.logger.WithField("error", err.Error()).Warn("summary model call failed, using minimal summary")
		return MinimalSummary(annotation)
	}

	var generated schemas.ClinicalSummary
	if err := json.Unmarshal(raw, &generated); err != nil {
		g.logger.WithField("error", err.Error()).Warn("summary response is not valid JSON, using minimal summary")
		return MinimalSummary(annotation)
	}
	if err := generated.Validate(); err != nil {
		g.logger.WithField("error", err.Error()).Warn("summary response failed constraints, using minimal summary")
		return MinimalSummary(annotation)
	}
	return generated
}

func (g *Generator) buildPrompt(annotation schemas.Annotation) string {
	var b strings.Builder
	b.WriteString("Structured findings:\n")
	if len(annotation.Findings) == 0 {
		b.WriteString("- none reported\n")
	}
	for _, f := range annotation.Findings {
		fmt.Fprintf(&b, "- %s at %s, severity %s\n", f.Label, f.Location, f.Severity)
	}
	fmt.Fprintf(&b, "\nAnnotation confidence: %.2f\n", annotation.ConfidenceScore)
	if annotation.AdditionalNotes != nil && *annotation.AdditionalNotes != "" {
		b.WriteString("Additional notes: ")
		b.WriteString(*annotation.AdditionalNotes)
		b.WriteString("\n")
	}
	if annotation.GeminiEnhanced && annotation.UrgencyLevel != nil {
		fmt.Fprintf(&b, "Triage urgency: %s\n", *annotation.UrgencyLevel)
	}
	b.WriteString("\nProduce primary_diagnosis (up to 100 chars), summary (up to 3500 chars), ")
	b.WriteString("key_findings (up to 5 short items), and optional recommendations and confidence_note.")
	return b.String()
}

// MinimalSummary is the deterministic degraded summary:
// primary_diagnosis from the first finding's label, a formulaic
// concatenation of findings as the summary body, and up to 5 enumerated
// key findings.
func MinimalSummary(annotation schemas.Annotation) schemas.ClinicalSummary {
	primary := "No significant findings"
	if len(annotation.Findings) > 0 {
		primary = annotation.Findings[0].Label
	}

	var parts []string
	var keyFindings []string
	for i, f := range annotation.Findings {
		parts = append(parts, fmt.Sprintf("%s (%s, %s)", f.Label, f.Location, f.Severity))
		if i < 5 {
			keyFindings = append(keyFindings, f.Label)
		}
	}

	body := "No findings were reported for this image."
	if len(parts) > 0 {
		body = "Reported findings: " + strings.Join(parts, "; ") + "."
	}

	note := fmt.Sprintf("Automated summary; annotation confidence %.2f.", annotation.ConfidenceScore)
	return schemas.ClinicalSummary{
		PrimaryDiagnosis: primary,
		Summary:          body,
		KeyFindings:      keyFindings,
		ConfidenceNote:   &note,
	}
}
