// Package service composes the pipeline, repository, and chat subsystems
// into the operations an HTTP layer calls. It owns the batch runner for
// dataset analysis, including the analyze_flagged implementation the
// ChatTool invokes in-process.
package service

import (
	"context"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/internal/validation"
	"github.com/radscribe/annotator/pkg/datastorage/models"
	"github.com/radscribe/annotator/pkg/pipeline"
)

const maxPathLength = 200

// Store is the repository surface the service consumes.
type Store interface {
	Ping(ctx context.Context) error
	SaveRequest(ctx context.Context, payload *models.RequestRow) (int64, error)
	CreatePlaceholder(ctx context.Context, setName int64, pathURL string, flagged bool) (bool, error)
	GetRequests(ctx context.Context, setName int64) ([]models.RequestRow, error)
	GetUnprocessed(ctx context.Context, setName int64) ([]models.RequestRow, error)
	GetFlagged(ctx context.Context, setName int64) ([]models.RequestRow, error)
	ProcessRequest(ctx context.Context, requestID int64, descText, primaryLabel string) error
	GetAnnotations(ctx context.Context, setName int64) ([]models.AnnotationRow, error)
	UpdateAnnotation(ctx context.Context, setName int64, pathURL string, label, desc *string) (*models.AnnotationRow, error)
	DeleteAnnotation(ctx context.Context, setName int64, pathURL string) error
	DeleteAnnotationDeep(ctx context.Context, setName int64, pathURL string) error
	Flag(ctx context.Context, setName int64, pathURL string, flagged bool) (bool, error)
	PipelineStats(ctx context.Context, setName int64) (*models.PipelineStats, error)
}

// Annotator runs the per-image pipeline.
type Annotator interface {
	Annotate(ctx context.Context, req pipeline.Request) (*pipeline.Artifacts, error)
}

// Chatter answers dataset questions.
type Chatter interface {
	Chat(ctx context.Context, message string, setName int64, requestID *int64) (string, error)
}

// HealthProber reports whether a model-facing dependency is usable.
type HealthProber interface {
	Healthy(ctx context.Context) bool
}

// ImageLoader reads image bytes for a path the dataset loader registered.
// The file system walker that discovers paths is an external collaborator;
// this hook only turns an already-known path into bytes.
type ImageLoader func(path string) ([]byte, error)

// Options bundles the service's tuning knobs.
type Options struct {
	LLMConcurrency    int
	EnableEnhancement bool
}

// Service implements the externally exposed operations.
type Service struct {
	repo      Store
	annotator Annotator
	chatter   Chatter
	vision    HealthProber
	llm       HealthProber
	loadImage ImageLoader
	opts      Options
	logger    *zap.Logger
}

// New constructs a Service. loadImage may be nil, defaulting to reading
// from the local file system.
func New(repo Store, annotator Annotator, chatter Chatter, vision, llm HealthProber, loadImage ImageLoader, opts Options, logger *zap.Logger) *Service {
	if loadImage == nil {
		loadImage = os.ReadFile
	}
	if opts.LLMConcurrency <= 0 {
		opts.LLMConcurrency = 4
	}
	return &Service{
		repo:      repo,
		annotator: annotator,
		chatter:   chatter,
		vision:    vision,
		llm:       llm,
		loadImage: loadImage,
		opts:      opts,
		logger:    logger,
	}
}

// LoadResult is load_dataset's success shape.
type LoadResult struct {
	Loaded  int      `json:"loaded"`
	Skipped int      `json:"skipped"`
	Invalid []string `json:"invalid,omitempty"`
}

// LoadDataset registers paths as placeholder staging rows. An invalid
// path or an already-registered duplicate is skipped, never fatal.
func (s *Service) LoadDataset(ctx context.Context, datasetID int64, paths []string) (*LoadResult, error) {
	if datasetID <= 0 {
		return nil, apperrors.NewValidationError("dataset id must be positive")
	}

	result := &LoadResult{}
	for _, path := range paths {
		if path == "" || len(path) > maxPathLength || validation.ValidateStringInput("path", path, maxPathLength) != nil {
			result.Skipped++
			result.Invalid = append(result.Invalid, path)
			continue
		}
		created, err := s.repo.CreatePlaceholder(ctx, datasetID, path, false)
		if err != nil {
			return nil, err
		}
		if created {
			result.Loaded++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// AnalyzeResult is analyze_dataset's success shape.
type AnalyzeResult struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
}

// AnalyzeDataset runs the pipeline over the dataset's staging rows:
// unprocessed rows by default, every row when force is set. Rows fail
// independently; a failing row records its error and the batch continues.
func (s *Service) AnalyzeDataset(ctx context.Context, datasetID int64, prompt string, force bool) (*AnalyzeResult, error) {
	var rows []models.RequestRow
	var err error
	if force {
		rows, err = s.repo.GetRequests(ctx, datasetID)
	} else {
		rows, err = s.repo.GetUnprocessed(ctx, datasetID)
	}
	if err != nil {
		return nil, err
	}
	return s.analyzeRows(ctx, rows, prompt)
}

// AnalyzeFlagged implements the ChatTool's declared analyze_flagged tool:
// a batch run over the dataset's unprocessed flagged
// rows, optionally restricted to specific paths, invoked in-process.
func (s *Service) AnalyzeFlagged(ctx context.Context, datasetID int64, paths []string, prompt string) (int, []string, error) {
	flagged, err := s.repo.GetFlagged(ctx, datasetID)
	if err != nil {
		return 0, nil, err
	}

	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	var rows []models.RequestRow
	for _, row := range flagged {
		if row.Processed {
			continue
		}
		if len(wanted) > 0 && !wanted[row.PathURL] {
			continue
		}
		rows = append(rows, row)
	}

	result, err := s.analyzeRows(ctx, rows, prompt)
	if err != nil {
		return 0, nil, err
	}
	return result.Processed, result.Errors, nil
}

// analyzeRows fans the rows out over a bounded worker group. The vision
// stage is additionally serialized inside the Pipeline to the model
// replica count; this bound caps concurrent remote LLM calls.
func (s *Service) analyzeRows(ctx context.Context, rows []models.RequestRow, prompt string) (*AnalyzeResult, error) {
	result := &AnalyzeResult{Errors: []string{}}
	if len(rows) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.LLMConcurrency)

	for _, row := range rows {
		row := row
		group.Go(func() error {
			if err := s.analyzeRow(groupCtx, row, prompt); err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, row.PathURL+": "+apperrors.SafeErrorMessage(err))
				mu.Unlock()
				s.logger.Warn("row analysis failed",
					zap.Int64("set_name", row.SetName),
					zap.String("path_url", row.PathURL),
					zap.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			result.Processed++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return result, nil
}

func (s *Service) analyzeRow(ctx context.Context, row models.RequestRow, prompt string) error {
	image, err := s.loadImage(row.PathURL)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "image could not be read")
	}

	artifacts, err := s.annotator.Annotate(ctx, pipeline.Request{
		Image:             image,
		SetName:           row.SetName,
		PathURL:           row.PathURL,
		Prompt:            prompt,
		EnableEnhancement: s.opts.EnableEnhancement,
	})
	if err != nil {
		return err
	}

	requestID, err := s.repo.SaveRequest(ctx, &artifacts.Payload)
	if err != nil {
		return err
	}

	// A degraded payload stays at tier 1 for audit; no tier-2 write occurs
	// until a later successful re-analysis.
	if artifacts.Payload.ProcessingError != nil {
		return apperrors.New(apperrors.ErrorTypeVisionUnavailable, *artifacts.Payload.ProcessingError)
	}

	return s.repo.ProcessRequest(ctx, requestID, artifacts.DescText, artifacts.PrimaryLabel)
}

// GetAnnotations returns the dataset's production rows, distinguishing an
// empty-but-known dataset from one the store has never seen.
func (s *Service) GetAnnotations(ctx context.Context, datasetID int64) ([]models.AnnotationRow, error) {
	rows, err := s.repo.GetAnnotations(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		stats, err := s.repo.PipelineStats(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		if stats.Total == 0 {
			return nil, apperrors.NewNotFoundError("dataset")
		}
	}
	return rows, nil
}

// ExportAnnotation is one entry of the export payload.
type ExportAnnotation struct {
	Path        string `json:"path"`
	Label       string `json:"label"`
	PatientID   int64  `json:"patient_id"`
	Description string `json:"description"`
}

// ExportPayload is the export JSON shape.
type ExportPayload struct {
	DatasetName      string             `json:"dataset_name"`
	TotalAnnotations int                `json:"total_annotations"`
	Annotations      []ExportAnnotation `json:"annotations"`
}

// Export renders the dataset's production rows as the export payload.
func (s *Service) Export(ctx context.Context, datasetID int64) (*ExportPayload, error) {
	rows, err := s.GetAnnotations(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	payload := &ExportPayload{
		DatasetName:      strconv.FormatInt(datasetID, 10),
		TotalAnnotations: len(rows),
		Annotations:      make([]ExportAnnotation, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Annotations = append(payload.Annotations, ExportAnnotation{
			Path:        row.PathURL,
			Label:       row.Label,
			PatientID:   row.PatientID,
			Description: row.Desc,
		})
	}
	return payload, nil
}

// UpdateAnnotation applies a manual edit to a production row.
func (s *Service) UpdateAnnotation(ctx context.Context, datasetID int64, path string, label, desc *string) (*models.AnnotationRow, error) {
	return s.repo.UpdateAnnotation(ctx, datasetID, path, label, desc)
}

// DeleteAnnotation removes a production row; deep also removes the
// staging row through the schema cascade.
func (s *Service) DeleteAnnotation(ctx context.Context, datasetID int64, path string, deep bool) error {
	if deep {
		return s.repo.DeleteAnnotationDeep(ctx, datasetID, path)
	}
	return s.repo.DeleteAnnotation(ctx, datasetID, path)
}

// Flag toggles the review flag on a path.
func (s *Service) Flag(ctx context.Context, datasetID int64, path string, flagged bool) (bool, error) {
	if datasetID <= 0 {
		return false, apperrors.NewValidationError("dataset id must be positive")
	}
	return s.repo.Flag(ctx, datasetID, path, flagged)
}

// Chat routes a message to the ChatTool. On model unavailability the
// caller still receives a short apology alongside the error code.
func (s *Service) Chat(ctx context.Context, message string, datasetID int64, requestID *int64) (string, error) {
	reply, err := s.chatter.Chat(ctx, message, datasetID, requestID)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeValidation) {
			return "", err
		}
		return "Sorry, the assistant is temporarily unavailable. Please try again shortly.", err
	}
	return reply, nil
}

// HealthStatus is the health probe's result.
type HealthStatus struct {
	Vision     bool `json:"vision"`
	Structured bool `json:"structured"`
	Store      bool `json:"store"`
}

// Health probes the three dependency groups without side effects.
func (s *Service) Health(ctx context.Context) HealthStatus {
	return HealthStatus{
		Vision:     s.vision != nil && s.vision.Healthy(ctx),
		Structured: s.llm != nil && s.llm.Healthy(ctx),
		Store:      s.repo.Ping(ctx) == nil,
	}
}
