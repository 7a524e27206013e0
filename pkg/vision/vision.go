// Package vision implements the VisionTool: given an image and a
// prompt, produce free-form medical text. Three modes are
// supported — local (a lazily-loaded on-process model), remote (an HTTP
// endpoint), and mock (a canned responder for tests and environments
// without a model) — behind one Analyze contract.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	apperrors "github.com/radscribe/annotator/internal/errors"
)

// Mode selects how Analyze is fulfilled.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeMock   Mode = "mock"
)

// loadState is the local-mode load state machine:
// unloaded -> loading -> loaded -> failed, with failed sticky for the
// process lifetime.
type loadState int

const (
	stateUnloaded loadState = iota
	stateLoaded
	stateFailed
)

// Config configures a Tool.
type Config struct {
	Mode                  Mode
	ModelID               string
	Device                string
	CacheDir              string
	EndpointURL           string
	RequestTimeoutSeconds int
	AuthToken             string
}

// LocalRunner materializes and runs the local model. The concrete
// inference runtime (a model-serving process or cgo binding) is an
// external collaborator this module does not own; a composition root
// wires a real LocalRunner for ModeLocal, and the zero value returns
// VisionUnavailable so a misconfigured deployment fails the state
// machine's "loading" transition rather than panicking.
type LocalRunner interface {
	// Load materializes the model; called at most once per process.
	Load(ctx context.Context, modelID, device, cacheDir string) error
	// Infer runs inference against an already-loaded model.
	Infer(ctx context.Context, image []byte, prompt string) (string, error)
}

// Tool is the VisionTool. Zero value is not usable; construct with New.
type Tool struct {
	cfg    Config
	logger *logrus.Logger

	runner LocalRunner

	loadOnce  sync.Once
	loadState loadState
	loadErr   error

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Tool. runner is only consulted in ModeLocal; pass nil
// for ModeRemote/ModeMock.
func New(cfg Config, logger *logrus.Logger, runner LocalRunner) *Tool {
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 600
	}
	t := &Tool{
		cfg:    cfg,
		logger: logger,
		runner: runner,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vision-remote",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return t
}

// Analyze produces free-form medical text for image under prompt.
func (t *Tool) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	if prompt == "" {
		return "", apperrors.New(apperrors.ErrorTypeVisionInternal, "prompt must not be empty")
	}

	switch t.cfg.Mode {
	case ModeMock:
		return t.analyzeMock(prompt), nil
	case ModeLocal:
		return t.analyzeLocal(ctx, image, prompt)
	case ModeRemote:
		return t.analyzeRemote(ctx, image, prompt)
	default:
		return "", apperrors.New(apperrors.ErrorTypeVisionInternal, fmt.Sprintf("unknown vision mode %q", t.cfg.Mode))
	}
}

// Healthy reports whether Analyze has a chance of succeeding without
// side effects: no model load is triggered, no request is sent.
func (t *Tool) Healthy(_ context.Context) bool {
	switch t.cfg.Mode {
	case ModeMock:
		return true
	case ModeLocal:
		return t.runner != nil && t.loadState != stateFailed
	case ModeRemote:
		return t.cfg.EndpointURL != "" && t.breaker.State() != gobreaker.StateOpen
	default:
		return false
	}
}

// analyzeMock returns a deterministic, plausible radiology read so
// downstream stages (Validator, Enhancer, SummaryGenerator) can be
// exercised without a model or network dependency.
func (t *Tool) analyzeMock(prompt string) string {
	return "Findings: no acute cardiopulmonary abnormality. Lungs are clear bilaterally. " +
		"Cardiac silhouette is normal in size. No pleural effusion or pneumothorax identified. " +
		"Assessment corresponds to the request: " + prompt
}

// analyzeLocal implements the lazy-load state machine: the
// first call triggers unloaded->loading, success moves to loaded, failure
// moves to failed and is sticky — sync.Once guarantees concurrent first
// calls block on a single initialization and that Load never runs again
// once it has settled either way.
func (t *Tool) analyzeLocal(ctx context.Context, image []byte, prompt string) (string, error) {
	t.loadOnce.Do(func() {
		if t.runner == nil {
			t.loadState = stateFailed
			t.loadErr = apperrors.New(apperrors.ErrorTypeVisionUnavailable, "no local model runner configured")
			return
		}
		t.logger.WithFields(logrus.Fields{"model_id": t.cfg.ModelID, "device": t.cfg.Device}).Info("loading local vision model")
		if err := t.runner.Load(ctx, t.cfg.ModelID, t.cfg.Device, t.cfg.CacheDir); err != nil {
			t.loadState = stateFailed
			t.loadErr = apperrors.NewVisionUnavailableError(err, "local model failed to load")
			return
		}
		t.loadState = stateLoaded
	})

	if t.loadState == stateFailed {
		return "", t.loadErr
	}

	text, err := t.runner.Infer(ctx, image, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.NewVisionTimeoutError(err.Error())
		}
		return "", apperrors.Wrap(err, apperrors.ErrorTypeVisionInternal, "local inference failed")
	}
	return text, nil
}

// remoteRequest/remoteResponse are the wire shapes for ModeRemote.
type remoteRequest struct {
	ImageBase64 string `json:"image_base64"`
	Prompt      string `json:"prompt"`
}

type remoteResponse struct {
	Text string `json:"text"`
}

// analyzeRemote posts the image and prompt to the configured endpoint,
// behind a circuit breaker so a flapping endpoint fails fast instead of
// hammering the remote service with retries.
func (t *Tool) analyzeRemote(ctx context.Context, image []byte, prompt string) (string, error) {
	if t.cfg.EndpointURL == "" {
		return "", apperrors.New(apperrors.ErrorTypeVisionUnavailable, "remote endpoint_url not configured")
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.doRemoteRequest(ctx, image, prompt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", apperrors.NewVisionUnavailableError(err, "circuit breaker open")
		}
		return "", err
	}
	return result.(string), nil
}

func (t *Tool) doRemoteRequest(ctx context.Context, image []byte, prompt string) (string, error) {
	body, err := json.Marshal(remoteRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Prompt:      prompt,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeVisionInternal, "failed to encode remote request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeVisionInternal, "failed to build remote request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.NewVisionTimeoutError(err.Error())
		}
		return "", apperrors.NewVisionUnavailableError(err, "remote endpoint unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeVisionProtocol, "failed to read remote response body")
	}

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.ErrorTypeVisionUnavailable, fmt.Sprintf("remote endpoint returned status %d", resp.StatusCode)).WithDetails(string(respBody))
	}

	var parsed remoteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeVisionProtocol, "malformed remote response")
	}
	if parsed.Text == "" {
		return "", apperrors.New(apperrors.ErrorTypeVisionProtocol, "remote response carried no text field")
	}
	return parsed.Text, nil
}
