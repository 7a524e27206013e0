// Package enhancer optionally enriches an accepted Annotation with an
// urgency level, a clinical significance, and a narrative report.
// Enhancement failures are non-fatal: the pipeline logs them and
// continues with the unmodified Annotation.
package enhancer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/internal/llmclient"
	"github.com/radscribe/annotator/pkg/schemas"
)

// StructuredCaller is the slice of llmclient.Client the Enhancer needs.
type StructuredCaller interface {
	CallStructured(ctx context.Context, model string, req llmclient.StructuredRequest) (json.RawMessage, error)
}

// Config configures the enrichment model call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Enhancer enriches Annotations.
type Enhancer struct {
	client StructuredCaller
	cfg    Config
	logger *logrus.Logger
}

// New constructs an Enhancer.
func New(client StructuredCaller, cfg Config, logger *logrus.Logger) *Enhancer {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Enhancer{client: client, cfg: cfg, logger: logger}
}

// enrichment is the tool-input shape the enhancement model fills.
type enrichment struct {
	UrgencyLevel         string `json:"urgency_level"`
	ClinicalSignificance string `json:"clinical_significance"`
	Report               string `json:"report"`
}

var enrichmentSchema = llmclient.SchemaFromJSONTags(map[string]interface{}{
	"urgency_level": map[string]interface{}{
		"type": "string",
		"enum": []string{schemas.UrgencyCritical, schemas.UrgencyUrgent, schemas.UrgencyRoutine},
	},
	"clinical_significance": map[string]interface{}{
		"type": "string",
		"enum": []string{schemas.SignificanceHigh, schemas.SignificanceMedium, schemas.SignificanceLow},
	},
	"report": map[string]interface{}{
		"type":        "string",
		"description": "A short narrative report summarizing the clinical picture.",
	},
}, []string{"urgency_level", "clinical_significance", "report"})

// Enhance returns a copy of annotation with the enhancement fields
// populated. On any failure the original annotation is returned unchanged
// alongside the error; callers treat the error as advisory.
func (e *Enhancer) Enhance(ctx context.Context, annotation schemas.Annotation) (schemas.Annotation, error) {
	raw, err := e.client.CallStructured(ctx, e.cfg.Model, llmclient.StructuredRequest{
		SystemPrompt:    "You are a clinical triage assistant. Assess the urgency and significance of the findings below.",
		UserPrompt:      e.buildPrompt(annotation),
		Temperature:     e.cfg.Temperature,
		MaxTokens:       e.cfg.MaxTokens,
		ToolName:        "record_assessment",
		ToolDescription: "Record the urgency, clinical significance, and narrative report for the annotation.",
		InputSchema:     enrichmentSchema,
	})
	if err != nil {
		return annotation, err
	}

	var assessed enrichment
	if err := json.Unmarshal(raw, &assessed); err != nil {
		return annotation, apperrors.Wrap(err, apperrors.ErrorTypeValidatorFormat, "enhancement response is not valid JSON")
	}

	enhanced := annotation
	enhanced.GeminiEnhanced = true
	enhanced.GeminiReport = &assessed.Report
	enhanced.UrgencyLevel = &assessed.UrgencyLevel
	enhanced.ClinicalSignificance = &assessed.ClinicalSignificance

	if err := enhanced.Validate(); err != nil {
		e.logger.WithField("error", err.Error()).Warn("enhancement response failed annotation invariants")
		return annotation, apperrors.Wrap(err, apperrors.ErrorTypeValidatorFormat, "enhancement response rejected")
	}
	return enhanced, nil
}

func (e *Enhancer) buildPrompt(annotation schemas.Annotation) string {
	findings := "No findings reported."
	if len(annotation.Findings) > 0 {
		findings = ""
		for _, f := range annotation.Findings {
			findings += fmt.Sprintf("- %s (%s, severity: %s)\n", f.Label, f.Location, f.Severity)
		}
	}

	prompt := "Findings:\n" + findings + fmt.Sprintf("\nAnnotation confidence: %.2f\n", annotation.ConfidenceScore)
	if annotation.AdditionalNotes != nil && *annotation.AdditionalNotes != "" {
		prompt += "Notes: " + *annotation.AdditionalNotes + "\n"
	}
	return prompt
}
