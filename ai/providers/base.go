package providers

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// BaseClient provides common functionality for all AI providers
type BaseClient struct {
	Provider string
	Logger   core.Logger

	// Default configuration
	DefaultModel        string
	DefaultTemperature  float32
	DefaultTopP         float32
	DefaultMaxTokens    int
	DefaultSystemPrompt string
}

// NewBaseClient creates a base client seeded from the labeling config
func NewBaseClient(provider string, cfg core.AIConfig, logger core.Logger) *BaseClient {
	return &BaseClient{
		Provider:           provider,
		Logger:             core.WithComponent(logger, "mathupdater/ai/"+provider),
		DefaultModel:       cfg.Model,
		DefaultTemperature: cfg.Temperature,
		DefaultTopP:        cfg.TopP,
		DefaultMaxTokens:   cfg.MaxTokens,
	}
}

// ApplyDefaults returns a copy of options with unset values filled in
func (b *BaseClient) ApplyDefaults(options *core.AIOptions) *core.AIOptions {
	out := core.AIOptions{}
	if options != nil {
		out = *options
	}

	if out.Model == "" {
		out.Model = b.DefaultModel
	}
	if out.Temperature == 0 {
		out.Temperature = b.DefaultTemperature
	}
	if out.TopP == 0 {
		out.TopP = b.DefaultTopP
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = b.DefaultMaxTokens
	}
	if out.SystemPrompt == "" {
		out.SystemPrompt = b.DefaultSystemPrompt
	}
	return &out
}

// StartSpan opens the provider call span
func (b *BaseClient) StartSpan(ctx context.Context, options *core.AIOptions, prompt string) (context.Context, func()) {
	ctx, span := telemetry.StartSpan(ctx, "ai.generate_response",
		attribute.String("ai.provider", b.Provider),
		attribute.String("ai.model", options.Model),
		attribute.Int("ai.prompt_length", len(prompt)))
	return ctx, func() { span.End() }
}

// LogRequest logs outgoing API requests
func (b *BaseClient) LogRequest(ctx context.Context, options *core.AIOptions, prompt string) {
	b.Logger.DebugWithContext(ctx, "AI request initiated", map[string]interface{}{
		"operation":         "ai_request",
		"provider":          b.Provider,
		"model":             options.Model,
		"prompt_length":     len(prompt),
		"max_tokens":        options.MaxTokens,
		"temperature":       options.Temperature,
		"top_p":             options.TopP,
		"structured_output": options.JSONSchema != nil,
	})
}

// LogResponse logs API responses and records token usage on the span
func (b *BaseClient) LogResponse(ctx context.Context, resp *core.AIResponse, duration time.Duration) {
	telemetry.SetSpanAttributes(ctx,
		attribute.Int("ai.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("ai.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("ai.response_length", len(resp.Content)))

	fields := map[string]interface{}{
		"operation":         "ai_response",
		"provider":          b.Provider,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
		"duration_ms":       duration.Milliseconds(),
	}
	if duration > 0 {
		fields["tokens_per_second"] = float64(resp.Usage.TotalTokens) / duration.Seconds()
	}
	b.Logger.InfoWithContext(ctx, "AI response received", fields)
}

// LogError logs a failed provider call with the phase it failed in
func (b *BaseClient) LogError(ctx context.Context, phase string, err error) {
	telemetry.RecordSpanError(ctx, err)
	b.Logger.ErrorWithContext(ctx, "AI request failed", map[string]interface{}{
		"operation": "ai_request_error",
		"provider":  b.Provider,
		"phase":     phase,
		"error":     err.Error(),
	})
}
