package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// Labeler asks a language model for a short label and summary per cluster.
type Labeler struct {
	client  core.AIClient
	opts    core.AIOptions
	timeout time.Duration
	logger  core.Logger
}

// NewLabeler wraps client with the labeling prompt and inference settings
// from cfg. An empty cfg.Prompt selects DefaultSystemPrompt.
func NewLabeler(client core.AIClient, cfg core.AIConfig, logger core.Logger) *Labeler {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return &Labeler{
		client: client,
		opts: core.AIOptions{
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			TopP:           cfg.TopP,
			MaxTokens:      cfg.MaxTokens,
			SystemPrompt:   prompt,
			JSONSchemaName: LabelSchemaName,
		},
		timeout: cfg.Timeout,
		logger:  core.WithComponent(logger, "mathupdater/ai"),
	}
}

// Label returns labels for the clusters 0..n-1 of insights. Clusters the
// model left out are absent from the map.
func (l *Labeler) Label(ctx context.Context, insights *ConversationInsights, n int) (map[int]ClusterLabel, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.label",
		attribute.Int("ai.clusters", n),
		attribute.String("ai.model", l.opts.Model))
	defer span.End()

	if n <= 0 {
		return map[int]ClusterLabel{}, nil
	}

	prompt, err := BuildPrompt(insights)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrLabelingFailed, err)
	}

	opts := l.opts
	schema, err := LabelSchema(n)
	if err != nil {
		l.logger.WarnWithContext(ctx, "Structured output schema unavailable", map[string]interface{}{
			"operation": "ai_label",
			"error":     err.Error(),
		})
	} else {
		opts.JSONSchema = schema
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := l.client.GenerateResponse(ctx, prompt, &opts)
	telemetry.Duration("mathupdater.ai.request.duration", start, "outcome", labelOutcome(err))
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: labeling after %s: %v", core.ErrTimeout, time.Since(start).Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrLabelingFailed, err)
	}

	labels, strict, err := ParseLabels(resp.Content, n)
	if err != nil {
		telemetry.Counter("mathupdater.ai.labels.malformed")
		telemetry.RecordSpanError(ctx, err)
		l.logger.WarnWithContext(ctx, "Labeling output rejected", map[string]interface{}{
			"operation": "ai_label",
			"output":    truncateRunes(resp.Content, 2000),
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", core.ErrLabelingFailed, err)
	}
	if !strict {
		telemetry.Counter("mathupdater.ai.labels.loose")
		l.logger.WarnWithContext(ctx, "Labeling output failed strict validation, using loose parse", map[string]interface{}{
			"operation": "ai_label",
			"clusters":  n,
			"labeled":   len(labels),
		})
	}

	telemetry.Add("mathupdater.ai.tokens", int64(resp.Usage.TotalTokens), "provider", resp.Provider)
	l.logger.InfoWithContext(ctx, "Clusters labeled", map[string]interface{}{
		"operation":     "ai_label",
		"provider":      resp.Provider,
		"model":         resp.Model,
		"clusters":      n,
		"labeled":       len(labels),
		"strict":        strict,
		"input_tokens":  resp.Usage.PromptTokens,
		"output_tokens": resp.Usage.CompletionTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return labels, nil
}

func labelOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
