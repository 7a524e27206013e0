// Package llmclient wraps github.com/anthropics/anthropic-sdk-go behind
// one structured-output call shape, shared by the Validator, Enhancer,
// SummaryGenerator, and ChatTool so each of them declares a JSON schema
// and gets back parsed tool input instead of hand-rolling message
// construction four times over.
package llmclient

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	apperrors "github.com/radscribe/annotator/internal/errors"
)

// StructuredRequest describes one structured-output call: a system
// prompt, a user message, sampling parameters, and the single tool the
// model is forced to call so its Input is the structured payload.
type StructuredRequest struct {
	SystemPrompt    string
	UserPrompt      string
	Temperature     float64
	MaxTokens       int64
	ToolName        string
	ToolDescription string
	InputSchema     map[string]interface{}
}

// ToolDeclaration describes an additional tool the model may invoke
// instead of (or alongside) the forced structured-output tool — used by
// ChatTool's analyze_flagged.
type ToolDeclaration struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolInvocation is a tool call the model requested.
type ToolInvocation struct {
	Name  string
	Input json.RawMessage
}

// Client is the structured-output LLM client the Validator, Enhancer,
// and SummaryGenerator share.
type Client struct {
	sdk     anthropic.Client
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Client. apiKey is required; the anthropic-sdk-go
// client itself validates the key format lazily on first call.
func New(apiKey string, breakerName string) *Client {
	return &Client{
		sdk: anthropic.NewClient(option.WithAPIKey(apiKey)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Healthy reports whether the client's circuit breaker still admits
// requests. No request is sent.
func (c *Client) Healthy(_ context.Context) bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// CallStructured forces the model to call req.ToolName and returns its
// parsed Input, behind the circuit breaker.
func (c *Client) CallStructured(ctx context.Context, model string, req StructuredRequest) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callStructured(ctx, model, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.New(apperrors.ErrorTypeValidatorUnavailable, "structured-output service circuit open")
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Client) callStructured(ctx context.Context, model string, req StructuredRequest) (json.RawMessage, error) {
	tool := anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        req.ToolName,
			Description: anthropic.String(req.ToolDescription),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: req.InputSchema["properties"]},
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: req.MaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt))},
		Tools:     []anthropic.ToolUnionParam{tool},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolName},
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewTimeoutError("structured-output call")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidatorUnavailable, "structured-output service unreachable")
	}

	for _, block := range message.Content {
		if toolUse, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			return toolUse.Input, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrorTypeValidatorFormat, "structured-output response carried no tool_use block")
}

// CallWithTools invokes the model with a free-form system/user prompt and
// a set of optional tools (ChatTool's declared-tool routing), returning
// the model's text plus at most one tool invocation it chose to make. Used where the caller does not want to force a single
// tool call, unlike CallStructured.
func (c *Client) CallWithTools(ctx context.Context, model string, systemPrompt, userPrompt string, temperature float64, maxTokens int64, tools []ToolDeclaration) (string, *ToolInvocation, error) {
	toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, td := range tools {
		toolParams = append(toolParams, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        td.Name,
				Description: anthropic.String(td.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: td.InputSchema["properties"]},
			},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt))},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}

	message, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, apperrors.NewTimeoutError("chat call")
		}
		return "", nil, apperrors.Wrap(err, apperrors.ErrorTypeValidatorUnavailable, "chat model unreachable")
	}

	var text string
	var invocation *ToolInvocation
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += b.Text
		case anthropic.ToolUseBlock:
			if invocation == nil {
				invocation = &ToolInvocation{Name: b.Name, Input: b.Input}
			}
		}
	}
	return text, invocation, nil
}

// SchemaFromJSONTags is a minimal structural helper: callers build the
// JSON Schema "properties" map by hand (the Annotation/ClinicalSummary
// shapes are small and stable) rather than reflecting over struct tags,
// since the schema also carries enum/description metadata struct tags
// don't express.
func SchemaFromJSONTags(properties map[string]interface{}, required []string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
