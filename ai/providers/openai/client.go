package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/ai/providers"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// DefaultModel is used when ai.model still holds the Bedrock default.
const DefaultModel = "gpt-4o-mini"

// Client implements core.AIClient over the OpenAI Responses API
type Client struct {
	*providers.BaseClient
	client openai.Client
}

// NewClient creates an OpenAI client. An empty baseURL targets api.openai.com.
func NewClient(apiKey, baseURL string, cfg core.AIConfig, logger core.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(telemetry.NewTracedHTTPClient(cfg.Timeout)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	base := providers.NewBaseClient(ai.ProviderOpenAI, cfg, logger)
	if base.DefaultModel == "" || base.DefaultModel == core.DefaultAIModel {
		base.DefaultModel = DefaultModel
	}
	return &Client{
		BaseClient: base,
		client:     openai.NewClient(opts...),
	}
}

// GenerateResponse sends prompt as the user input and the system prompt as
// instructions. A JSON schema in options switches on strict structured
// output.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	options = c.ApplyDefaults(options)
	if options.Model == core.DefaultAIModel {
		options.Model = c.DefaultModel
	}
	ctx, end := c.StartSpan(ctx, options, prompt)
	defer end()

	c.LogRequest(ctx, options, prompt)
	startTime := time.Now()

	params := responses.ResponseNewParams{
		Model: options.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(prompt, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if options.SystemPrompt != "" {
		params.Instructions = openai.String(options.SystemPrompt)
	}
	if options.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(options.MaxTokens))
	}
	if options.Temperature > 0 {
		params.Temperature = openai.Float(float64(options.Temperature))
	}
	if options.TopP > 0 {
		params.TopP = openai.Float(float64(options.TopP))
	}
	if options.JSONSchema != nil {
		name := options.JSONSchemaName
		if name == "" {
			name = "response"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        name,
					Schema:      options.JSONSchema,
					Strict:      openai.Bool(true),
					Description: openai.String("Cluster labels and summaries"),
					Type:        "json_schema",
				},
			},
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		c.LogError(ctx, "request_execution", err)
		return nil, fmt.Errorf("openai responses: %w", err)
	}

	content := resp.OutputText()
	if content == "" {
		err := errors.New("openai: no text content in response")
		c.LogError(ctx, "response_validation", err)
		return nil, err
	}

	model := options.Model
	if resp.Model != "" {
		model = string(resp.Model)
	}
	result := &core.AIResponse{
		Content:  content,
		Model:    model,
		Provider: ai.ProviderOpenAI,
		Usage: core.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}

	c.LogResponse(ctx, result, time.Since(startTime))
	return result, nil
}
