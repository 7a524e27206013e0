// Package annotationvalidator converts the VisionTool's free-form text
// into an accepted Annotation: a structured-output LLM call at low
// temperature, a bounded retry loop with a stricter second prompt,
// and a deterministic keyword fallback when the model cannot produce a
// valid payload. Retries are loop-driven; no exception-style control flow.
package annotationvalidator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/radscribe/annotator/internal/llmclient"
	"github.com/radscribe/annotator/internal/validation"
	"github.com/radscribe/annotator/pkg/datastorage/models"
	"github.com/radscribe/annotator/pkg/metrics"
	"github.com/radscribe/annotator/pkg/schemas"
)

// StructuredCaller is the slice of llmclient.Client the Validator needs.
type StructuredCaller interface {
	CallStructured(ctx context.Context, model string, req llmclient.StructuredRequest) (json.RawMessage, error)
}

// Config configures the retry loop and vocabulary.
type Config struct {
	Model              string
	Temperature        float64
	MaxTokens          int64
	MaxAttempts        int
	FallbackVocabulary []string
}

// Result is the Validator's returned tuple: the accepted (or fallback)
// Annotation, the raw structured JSON before acceptance (nil when the
// fallback parser produced the Annotation), and the status/attempts
// metadata the staging row records.
type Result struct {
	Annotation     schemas.Annotation
	StructuredJSON *string
	Status         models.ValidationStatus
	Attempts       int
}

// Validator drives the structured-output conversion.
type Validator struct {
	client StructuredCaller
	cfg    Config
	logger *logrus.Logger
	terms  []FallbackTerm
}

// New constructs a Validator. Zero/absent config fields fall back to the
// defaults (temperature 0.1, two attempts).
func New(client StructuredCaller, cfg Config, logger *logrus.Logger) *Validator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Validator{
		client: client,
		cfg:    cfg,
		logger: logger,
		terms:  mergeVocabulary(cfg.FallbackVocabulary),
	}
}

// Validate converts visionText into an Annotation. It never returns an
// error under normal operation: the fallback parser always produces a
// persistable Annotation, including for empty vision text, which skips
// the model entirely and goes straight to fallback.
func (v *Validator) Validate(ctx context.Context, visionText string, patientID string) (Result, error) {
	var pid *string
	if strings.TrimSpace(patientID) != "" {
		pid = &patientID
	}

	if strings.TrimSpace(visionText) == "" {
		v.logger.Warn("vision text empty, skipping structured-output call")
		return v.fallbackResult(visionText, pid, 1), nil
	}

	var lastFailure string
	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		raw, err := v.client.CallStructured(ctx, v.cfg.Model, llmclient.StructuredRequest{
			SystemPrompt:    systemPrompt,
			UserPrompt:      v.buildPrompt(visionText, patientID, attempt, lastFailure),
			Temperature:     v.cfg.Temperature,
			MaxTokens:       v.cfg.MaxTokens,
			ToolName:        "record_annotation",
			ToolDescription: "Record the structured annotation extracted from the radiology analysis.",
			InputSchema:     annotationSchema,
		})
		if err != nil {
			v.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("structured-output call failed")
			lastFailure = err.Error()
			continue
		}

		annotation, parseErr := parseAnnotation(raw, pid)
		if parseErr != nil {
			v.logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"error":    parseErr.Error(),
				"response": validation.SanitizeForLogging(string(raw)),
			}).Warn("structured-output response rejected")
			lastFailure = parseErr.Error()
			continue
		}

		structured := string(raw)
		status := models.ValidationSuccess
		if attempt > 1 {
			status = models.ValidationRetry
		}
		metrics.RecordValidationStatus(string(status), attempt)
		return Result{
			Annotation:     annotation,
			StructuredJSON: &structured,
			Status:         status,
			Attempts:       attempt,
		}, nil
	}

	v.logger.WithField("attempts", v.cfg.MaxAttempts).Warn("structured-output attempts exhausted, using fallback parser")
	return v.fallbackResult(visionText, pid, v.cfg.MaxAttempts), nil
}

func (v *Validator) fallbackResult(visionText string, pid *string, attempts int) Result {
	metrics.RecordValidationStatus(string(models.ValidationFallback), attempts)
	return Result{
		Annotation: fallbackParse(visionText, pid, v.terms),
		Status:     models.ValidationFallback,
		Attempts:   attempts,
	}
}

// parseAnnotation decodes raw into an Annotation, forces the bookkeeping
// fields the model does not own, and applies the schema invariants.
func parseAnnotation(raw json.RawMessage, pid *string) (schemas.Annotation, error) {
	var annotation schemas.Annotation
	if err := json.Unmarshal(raw, &annotation); err != nil {
		return schemas.Annotation{}, fmt.Errorf("response is not valid JSON for the annotation schema: %w", err)
	}

	// Enhancement fields belong to the Enhancer, never to the Validator's
	// model; patient_id comes from the caller's hint.
	annotation.GeminiEnhanced = false
	annotation.GeminiReport = nil
	annotation.UrgencyLevel = nil
	annotation.ClinicalSignificance = nil
	if annotation.PatientID == nil {
		annotation.PatientID = pid
	}
	if annotation.GeneratedBy == "" {
		annotation.GeneratedBy = "structured-output-llm"
	}
	if annotation.Findings == nil {
		annotation.Findings = []schemas.Finding{}
	}

	if err := annotation.Validate(); err != nil {
		return schemas.Annotation{}, err
	}
	return annotation, nil
}

const systemPrompt = "You are a medical annotation extraction system. " +
	"You read a radiology analysis and record exactly one structured annotation. " +
	"Never invent findings that the analysis does not mention."

// annotationSchema is the declared JSON response format for the
// record_annotation tool.
var annotationSchema = llmclient.SchemaFromJSONTags(map[string]interface{}{
	"patient_id": map[string]interface{}{
		"type":        "string",
		"description": "Patient identifier if stated in the analysis, otherwise omit.",
	},
	"findings": map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"label":    map[string]interface{}{"type": "string", "maxLength": 20},
				"location": map[string]interface{}{"type": "string"},
				"severity": map[string]interface{}{"type": "string"},
			},
			"required": []string{"label", "location", "severity"},
		},
	},
	"confidence_score": map[string]interface{}{
		"type":    "number",
		"minimum": 0.0,
		"maximum": 1.0,
	},
	"generated_by": map[string]interface{}{
		"type": "string",
	},
	"additional_notes": map[string]interface{}{
		"type": "string",
	},
}, []string{"findings", "confidence_score"})

// buildPrompt restates the target schema around the raw vision text. The
// retry prompt is stricter: it names each field, its type and one
// exemplar value, and repeats the prior failure message.
func (v *Validator) buildPrompt(visionText, patientID string, attempt int, lastFailure string) string {
	var b strings.Builder

	if attempt == 1 {
		b.WriteString("Extract a structured annotation from the radiology analysis below.\n")
		b.WriteString("Record findings (label, location, severity), a confidence_score between 0.0 and 1.0, ")
		b.WriteString("and any additional_notes. Finding labels must be 20 characters or less.\n")
	} else {
		b.WriteString("Your previous response was rejected. Follow the schema exactly this time.\n")
		b.WriteString("Rejection reason: ")
		b.WriteString(lastFailure)
		b.WriteString("\n\nExpected fields:\n")
		b.WriteString("- findings: array of objects, each {label: string up to 20 chars, e.g. \"Pneumothorax\"; location: string, e.g. \"Right upper lobe\"; severity: string, e.g. \"Mild\"}\n")
		b.WriteString("- confidence_score: number in [0.0, 1.0], e.g. 0.85\n")
		b.WriteString("- patient_id: string, e.g. \"12345\" (omit if unknown)\n")
		b.WriteString("- additional_notes: string, e.g. \"Comparison with prior study recommended\" (omit if none)\n")
	}

	if patientID != "" {
		b.WriteString("\nPatient identifier hint: ")
		b.WriteString(patientID)
		b.WriteString("\n")
	}

	b.WriteString("\nRadiology analysis:\n")
	b.WriteString(visionText)
	return b.String()
}
