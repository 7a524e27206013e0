// Package pipeline orchestrates the six-step annotation flow: vision
// analysis, validation, optional enhancement, staging payload assembly,
// summarization, and label derivation. The pipeline is
// reentrant across calls; the VisionTool's lazy load is the only shared
// mutable state and is guarded inside the tool itself.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/pkg/annotationvalidator"
	"github.com/radscribe/annotator/pkg/datastorage/models"
	"github.com/radscribe/annotator/pkg/metrics"
	"github.com/radscribe/annotator/pkg/schemas"
	"github.com/radscribe/annotator/pkg/serializer"
)

// DefaultPrompt is supplied to the VisionTool when the caller provides no
// prompt of its own.
const DefaultPrompt = "Analyze this medical image. Describe all visible findings, " +
	"their locations, and their severity. Note any areas of concern."

// VisionAnalyzer is the VisionTool contract the pipeline consumes.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, image []byte, prompt string) (string, error)
}

// AnnotationValidator converts vision text into an accepted Annotation.
type AnnotationValidator interface {
	Validate(ctx context.Context, visionText string, patientID string) (annotationvalidator.Result, error)
}

// AnnotationEnhancer optionally enriches an Annotation.
type AnnotationEnhancer interface {
	Enhance(ctx context.Context, annotation schemas.Annotation) (schemas.Annotation, error)
}

// SummaryGenerator produces a ClinicalSummary.
type SummaryGenerator interface {
	Summarize(ctx context.Context, annotation schemas.Annotation) schemas.ClinicalSummary
}

// Request carries one image through Annotate.
type Request struct {
	Image             []byte
	SetName           int64
	PathURL           string
	Prompt            string
	PatientID         string
	EnableEnhancement bool
}

// Artifacts is Annotate's four-part result: the
// validated Annotation, the staging-row payload, the formatted summary
// text, and the primary label. Callers persist Payload via the
// Repository; the pipeline itself never writes.
type Artifacts struct {
	Annotation   schemas.Annotation
	Payload      models.RequestRow
	DescText     string
	PrimaryLabel string
}

// Pipeline wires the four stages together behind a vision worker-pool
// bound (concurrency equal to the number of model replicas).
type Pipeline struct {
	vision     VisionAnalyzer
	validator  AnnotationValidator
	enhancer   AnnotationEnhancer
	summarizer SummaryGenerator
	visionSem  *semaphore.Weighted
	logger     *zap.Logger
}

// New constructs a Pipeline. enhancer may be nil when enhancement is not
// deployed; visionConcurrency <= 0 defaults to 1.
func New(vision VisionAnalyzer, validator AnnotationValidator, enhancer AnnotationEnhancer, summarizer SummaryGenerator, visionConcurrency int, logger *zap.Logger) *Pipeline {
	if visionConcurrency <= 0 {
		visionConcurrency = 1
	}
	return &Pipeline{
		vision:     vision,
		validator:  validator,
		enhancer:   enhancer,
		summarizer: summarizer,
		visionSem:  semaphore.NewWeighted(int64(visionConcurrency)),
		logger:     logger,
	}
}

// Annotate runs the six-step protocol for one image. Vision failures do
// not abort silently: the returned Artifacts carry a degraded payload
// with processing_error set so the caller can still persist the row for
// audit. The returned error is non-nil only when
// not even a degraded payload could be constructed.
func (p *Pipeline) Annotate(ctx context.Context, req Request) (*Artifacts, error) {
	callID := uuid.New().String()
	logger := p.logger.With(
		zap.String("call_id", callID),
		zap.Int64("set_name", req.SetName),
		zap.String("path_url", req.PathURL),
	)

	prompt := req.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	// Step 1: vision analysis, bounded by the model-replica worker pool.
	if err := p.visionSem.Acquire(ctx, 1); err != nil {
		return p.degradedArtifacts(req, apperrors.Wrap(err, apperrors.ErrorTypeVisionUnavailable, "pipeline cancelled before vision analysis"))
	}
	timer := metrics.NewTimer()
	visionRaw, visionErr := p.vision.Analyze(ctx, req.Image, prompt)
	p.visionSem.Release(1)
	timer.ObserveStage("vision")

	if visionErr != nil {
		logger.Warn("vision analysis failed, assembling degraded payload",
			zap.String("error", visionErr.Error()))
		return p.degradedArtifacts(req, visionErr)
	}

	// Step 2: validation with bounded retries and fallback.
	timer = metrics.NewTimer()
	validated, err := p.validator.Validate(ctx, visionRaw, req.PatientID)
	timer.ObserveStage("validator")
	if err != nil {
		logger.Warn("validator failed without a fallback, assembling degraded payload",
			zap.String("error", err.Error()))
		return p.degradedArtifacts(req, err)
	}
	annotation := validated.Annotation

	// Step 3: conditional enhancement; errors are swallowed.
	if req.EnableEnhancement && p.enhancer != nil && validated.Status != models.ValidationFallback {
		timer = metrics.NewTimer()
		enhanced, enhanceErr := p.enhancer.Enhance(ctx, annotation)
		timer.ObserveStage("enhancer")
		if enhanceErr != nil {
			metrics.RecordEnhancement("error_swallowed")
			logger.Warn("enhancement failed, continuing with unmodified annotation",
				zap.String("error", enhanceErr.Error()))
		} else {
			metrics.RecordEnhancement("applied")
			annotation = enhanced
		}
	} else if req.EnableEnhancement {
		metrics.RecordEnhancement("skipped_fallback")
	}

	// Step 4: assemble the staging payload.
	payload, err := p.assemblePayload(req, visionRaw, annotation, validated)
	if err != nil {
		return nil, err
	}

	// Step 5: summarize and render the persisted description.
	timer = metrics.NewTimer()
	clinicalSummary := p.summarizer.Summarize(ctx, annotation)
	timer.ObserveStage("summary")
	descText := serializer.ToDesc(clinicalSummary, annotation)

	// Step 6: derive the primary label.
	primaryLabel := serializer.PrimaryLabel(clinicalSummary, annotation)

	logger.Info("annotation pipeline completed",
		zap.String("validation_status", string(validated.Status)),
		zap.Int("attempts", validated.Attempts),
		zap.Float64("confidence", annotation.ConfidenceScore),
		zap.String("label", primaryLabel))

	return &Artifacts{
		Annotation:   annotation,
		Payload:      payload,
		DescText:     descText,
		PrimaryLabel: primaryLabel,
	}, nil
}

func (p *Pipeline) assemblePayload(req Request, visionRaw string, annotation schemas.Annotation, validated annotationvalidator.Result) (models.RequestRow, error) {
	typed, err := json.Marshal(annotation)
	if err != nil {
		return models.RequestRow{}, apperrors.Wrap(err, apperrors.ErrorTypeSchemaViolation, "annotation failed to serialize")
	}

	return models.RequestRow{
		SetName:              req.SetName,
		PathURL:              req.PathURL,
		VisionRaw:            visionRaw,
		StructuredJSON:       validated.StructuredJSON,
		ValidationAttempts:   validated.Attempts,
		ValidationStatus:     validated.Status,
		PydanticOutput:       string(typed),
		ConfidenceScore:      annotation.ConfidenceScore,
		Enhanced:             annotation.GeminiEnhanced,
		Report:               annotation.GeminiReport,
		UrgencyLevel:         annotation.UrgencyLevel,
		ClinicalSignificance: annotation.ClinicalSignificance,
	}, nil
}

// degradedArtifacts builds the failure payload: empty findings, zero
// confidence, processing_error set, a
// description explaining the cause, and the "Analysis Incomplete" label.
func (p *Pipeline) degradedArtifacts(req Request, cause error) (*Artifacts, error) {
	annotation := schemas.Annotation{
		Findings:        []schemas.Finding{},
		ConfidenceScore: 0.0,
		GeneratedBy:     "pipeline-degraded",
	}
	typed, err := json.Marshal(annotation)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeVisionUnavailable, "pipeline could not construct a degraded payload")
	}

	errText := cause.Error()
	clinicalSummary := schemas.ClinicalSummary{
		PrimaryDiagnosis: "Analysis Incomplete",
		Summary:          "The image could not be analyzed: " + errText,
	}

	return &Artifacts{
		Annotation: annotation,
		Payload: models.RequestRow{
			SetName:            req.SetName,
			PathURL:            req.PathURL,
			ValidationAttempts: 1,
			ValidationStatus:   models.ValidationFallback,
			PydanticOutput:     string(typed),
			ConfidenceScore:    0.0,
			ProcessingError:    &errText,
		},
		DescText:     serializer.ToDesc(clinicalSummary, annotation),
		PrimaryLabel: serializer.PrimaryLabel(clinicalSummary, annotation),
	}, nil
}
