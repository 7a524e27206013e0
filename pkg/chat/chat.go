// Package chat implements the dataset-aware Q&A subsystem: a context
// bundle built from the Repository, an LLM call that may invoke the
// declared analyze_flagged tool, and direct in-process pipeline
// invocation for that tool — never a loopback through an HTTP surface.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/internal/llmclient"
	"github.com/radscribe/annotator/internal/validation"
	"github.com/radscribe/annotator/pkg/datastorage/models"
)

const (
	maxFlaggedSummaries = 10
	maxRecentOutputs    = 5
	rawOutputTruncateAt = 200

	maxMessageLength = 4000
)

// ToolCaller is the slice of llmclient.Client the ChatTool needs.
type ToolCaller interface {
	CallWithTools(ctx context.Context, model string, systemPrompt, userPrompt string, temperature float64, maxTokens int64, tools []llmclient.ToolDeclaration) (string, *llmclient.ToolInvocation, error)
}

// ContextRepository is the read surface the context bundle is built from.
type ContextRepository interface {
	PipelineStats(ctx context.Context, setName int64) (*models.PipelineStats, error)
	LabelHistogram(ctx context.Context, setName int64) (map[string]int, error)
	GetFlagged(ctx context.Context, setName int64) ([]models.RequestRow, error)
	RecentRequests(ctx context.Context, setName int64, limit int) ([]models.RequestRow, error)
	GetRequest(ctx context.Context, requestID int64) (*models.RequestRow, error)
}

// BatchAnalyzer runs the batch pipeline over unprocessed flagged rows.
// The service layer implements it; the ChatTool invokes it in-process
// when the model calls analyze_flagged.
type BatchAnalyzer interface {
	AnalyzeFlagged(ctx context.Context, setName int64, paths []string, prompt string) (processed int, failures []string, err error)
}

// Config configures the chat model call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Tool is the ChatTool.
type Tool struct {
	client ToolCaller
	repo   ContextRepository
	batch  BatchAnalyzer
	cfg    Config
	logger *logrus.Logger
}

// New constructs a Tool. batch may be wired after construction via
// SetBatchAnalyzer when the implementing service is built later in the
// composition root.
func New(client ToolCaller, repo ContextRepository, batch BatchAnalyzer, cfg Config, logger *logrus.Logger) *Tool {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Tool{client: client, repo: repo, batch: batch, cfg: cfg, logger: logger}
}

// SetBatchAnalyzer wires the analyze_flagged implementation.
func (t *Tool) SetBatchAnalyzer(batch BatchAnalyzer) {
	t.batch = batch
}

// analyzeFlaggedInput is the declared tool's input shape.
type analyzeFlaggedInput struct {
	SetName int64    `json:"set_name"`
	Paths   []string `json:"paths,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
}

func (t *Tool) declaredTools() []llmclient.ToolDeclaration {
	return []llmclient.ToolDeclaration{{
		Name:        "analyze_flagged",
		Description: "Run the annotation pipeline over the dataset's unprocessed flagged images and report how many were analyzed.",
		InputSchema: llmclient.SchemaFromJSONTags(map[string]interface{}{
			"set_name": map[string]interface{}{"type": "integer"},
			"paths": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"prompt": map[string]interface{}{"type": "string"},
		}, []string{"set_name"}),
	}}
}

// Chat answers message against the dataset. Focused mode (a full single
// RequestRow replacing the bundle) is chosen iff requestID is provided.
// The call completes in one model round-trip plus
// at most one tool invocation.
func (t *Tool) Chat(ctx context.Context, message string, setName int64, requestID *int64) (string, error) {
	if err := validation.ValidateStringInput("message", message, maxMessageLength); err != nil {
		return "", apperrors.NewValidationError(err.Error())
	}

	sessionID := uuid.New().String()
	logger := t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"set_name":   setName,
		"focused":    requestID != nil,
	})

	var bundle string
	var err error
	if requestID != nil {
		bundle, err = t.focusedBundle(ctx, *requestID)
	} else {
		bundle, err = t.generalBundle(ctx, setName)
	}
	if err != nil {
		return "", err
	}

	text, invocation, err := t.client.CallWithTools(ctx, t.cfg.Model,
		systemPrompt+"\n\n"+bundle, message,
		t.cfg.Temperature, t.cfg.MaxTokens, t.declaredTools())
	if err != nil {
		logger.WithField("error", err.Error()).Warn("chat model call failed")
		return "", err
	}

	if invocation == nil {
		return text, nil
	}
	if invocation.Name != "analyze_flagged" {
		logger.WithField("tool", invocation.Name).Warn("model requested an undeclared tool")
		return text, nil
	}

	status := t.runAnalyzeFlagged(ctx, setName, invocation.Input, logger)
	if text == "" {
		return status, nil
	}
	return text + "\n\n" + status, nil
}

// runAnalyzeFlagged executes the declared tool in-process and renders its
// short textual status. Tool failures degrade to a status line rather
// than failing the chat call.
func (t *Tool) runAnalyzeFlagged(ctx context.Context, setName int64, input json.RawMessage, logger *logrus.Entry) string {
	if t.batch == nil {
		return "Batch analysis is not available in this deployment."
	}

	var parsed analyzeFlaggedInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		logger.WithField("error", err.Error()).Warn("analyze_flagged input failed to parse")
		return "The batch analysis request could not be understood."
	}
	// The session's dataset wins over whatever set_name the model emitted.
	parsed.SetName = setName

	processed, failures, err := t.batch.AnalyzeFlagged(ctx, parsed.SetName, parsed.Paths, parsed.Prompt)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("analyze_flagged batch failed")
		return "Batch analysis failed: " + apperrors.SafeErrorMessage(err)
	}

	status := fmt.Sprintf("Analyzed %d flagged image(s).", processed)
	if len(failures) > 0 {
		status += fmt.Sprintf(" %d failed: %s.", len(failures), strings.Join(failures, "; "))
	}
	return status
}

const systemPrompt = "You are an assistant for a medical image annotation dataset. " +
	"Answer questions using the dataset context below. " +
	"When the user asks to analyze flagged images, call the analyze_flagged tool."

// generalBundle builds the dataset context block: dataset
// size, label histogram, flagged count with up to 10 path summaries, and
// up to 5 recent raw vision outputs truncated to 200 chars each.
func (t *Tool) generalBundle(ctx context.Context, setName int64) (string, error) {
	stats, err := t.repo.PipelineStats(ctx, setName)
	if err != nil {
		return "", err
	}
	histogram, err := t.repo.LabelHistogram(ctx, setName)
	if err != nil {
		return "", err
	}
	flagged, err := t.repo.GetFlagged(ctx, setName)
	if err != nil {
		return "", err
	}
	recent, err := t.repo.RecentRequests(ctx, setName, maxRecentOutputs)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %d context:\n", setName)
	fmt.Fprintf(&b, "Images: %d total, %d processed, %d unprocessed.\n", stats.Total, stats.Processed, stats.Unprocessed)

	if len(histogram) > 0 {
		b.WriteString("Label counts:\n")
		for label, count := range histogram {
			fmt.Fprintf(&b, "- %s: %d\n", label, count)
		}
	}

	fmt.Fprintf(&b, "Flagged for review: %d\n", len(flagged))
	for i, row := range flagged {
		if i >= maxFlaggedSummaries {
			fmt.Fprintf(&b, "(and %d more)\n", len(flagged)-maxFlaggedSummaries)
			break
		}
		state := "unprocessed"
		if row.Processed {
			state = "processed"
		}
		fmt.Fprintf(&b, "- %s (%s, status %s)\n", row.PathURL, state, row.ValidationStatus)
	}

	if len(recent) > 0 {
		b.WriteString("Recent vision outputs:\n")
		for _, row := range recent {
			fmt.Fprintf(&b, "- %s: %s\n", row.PathURL, truncateRaw(row.VisionRaw))
		}
	}
	return b.String(), nil
}

// focusedBundle replaces the dataset bundle with one RequestRow's full
// contents.
func (t *Tool) focusedBundle(ctx context.Context, requestID int64) (string, error) {
	row, err := t.repo.GetRequest(ctx, requestID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Focused on request %d (dataset %d, path %s):\n", row.ID, row.SetName, row.PathURL)
	fmt.Fprintf(&b, "Validation: %s in %d attempt(s), confidence %.2f.\n", row.ValidationStatus, row.ValidationAttempts, row.ConfidenceScore)
	fmt.Fprintf(&b, "Processed: %t, flagged: %t, enhanced: %t.\n", row.Processed, row.Flagged, row.Enhanced)
	if row.ProcessingError != nil {
		fmt.Fprintf(&b, "Processing error: %s\n", *row.ProcessingError)
	}
	if row.UrgencyLevel != nil {
		fmt.Fprintf(&b, "Urgency: %s", *row.UrgencyLevel)
		if row.ClinicalSignificance != nil {
			fmt.Fprintf(&b, ", significance: %s", *row.ClinicalSignificance)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Typed annotation:\n%s\n", row.PydanticOutput)
	if row.Report != nil {
		fmt.Fprintf(&b, "Enhancement report:\n%s\n", *row.Report)
	}
	fmt.Fprintf(&b, "Raw vision output:\n%s\n", row.VisionRaw)
	return b.String(), nil
}

func truncateRaw(raw string) string {
	sanitized := validation.SanitizeForLogging(raw)
	if len(sanitized) > rawOutputTruncateAt {
		return sanitized[:rawOutputTruncateAt]
	}
	return sanitized
}
