package bedrock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/ai/providers"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

// DefaultModel is the Bedrock model used when ai.model is empty.
const DefaultModel = core.DefaultAIModel

// Converser is the part of the Bedrock runtime client the labeler uses.
type Converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements core.AIClient for AWS Bedrock
type Client struct {
	*providers.BaseClient
	converser Converser
	region    string
}

// NewClient creates a Bedrock client over an existing runtime client
func NewClient(converser Converser, cfg core.AIConfig, logger core.Logger) *Client {
	base := providers.NewBaseClient(ai.ProviderBedrock, cfg, logger)
	if base.DefaultModel == "" {
		base.DefaultModel = DefaultModel
	}
	return &Client{
		BaseClient: base,
		converser:  converser,
		region:     cfg.Region,
	}
}

// GenerateResponse sends prompt through the Converse API. Bedrock has no
// schema-constrained output for these models, so options.JSONSchema is
// left to the system prompt.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	options = c.ApplyDefaults(options)
	ctx, end := c.StartSpan(ctx, options, prompt)
	defer end()
	telemetry.SetSpanAttributes(ctx, attribute.String("ai.region", c.region))

	c.LogRequest(ctx, options, prompt)
	startTime := time.Now()

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(options.Model),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: prompt},
				},
			},
		},
	}

	if options.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: options.SystemPrompt},
		}
	}

	inferenceConfig := &types.InferenceConfiguration{}
	configSet := false
	if options.MaxTokens > 0 {
		inferenceConfig.MaxTokens = aws.Int32(int32(options.MaxTokens))
		configSet = true
	}
	if options.Temperature > 0 {
		inferenceConfig.Temperature = aws.Float32(options.Temperature)
		configSet = true
	}
	if options.TopP > 0 {
		inferenceConfig.TopP = aws.Float32(options.TopP)
		configSet = true
	}
	if configSet {
		input.InferenceConfig = inferenceConfig
	}

	output, err := c.converser.Converse(ctx, input)
	if err != nil {
		c.LogError(ctx, "request_execution", err)
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		err := errors.New("bedrock: response carries no message")
		c.LogError(ctx, "response_validation", err)
		return nil, err
	}
	var content string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content += text.Value
		}
	}
	if content == "" {
		err := errors.New("bedrock: no text content in response")
		c.LogError(ctx, "response_validation", err)
		return nil, err
	}

	result := &core.AIResponse{
		Content:  content,
		Model:    options.Model,
		Provider: ai.ProviderBedrock,
	}
	if u := output.Usage; u != nil {
		result.Usage = core.TokenUsage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	if output.StopReason != "" {
		telemetry.SetSpanAttributes(ctx, attribute.String("ai.stop_reason", string(output.StopReason)))
		if output.StopReason == types.StopReasonMaxTokens {
			c.Logger.WarnWithContext(ctx, "Bedrock response truncated at max tokens", map[string]interface{}{
				"operation":  "ai_response",
				"max_tokens": options.MaxTokens,
			})
		}
	}

	c.LogResponse(ctx, result, time.Since(startTime))
	return result, nil
}

// CreateAWSConfig loads the default AWS credential chain (environment,
// shared profile, instance role) for region.
func CreateAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}
