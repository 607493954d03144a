package bedrock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
)

func init() {
	ai.MustRegister(&Factory{})
}

// Factory creates AWS Bedrock AI clients
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return ai.ProviderBedrock
}

// Description returns provider description
func (f *Factory) Description() string {
	return "AWS Bedrock Converse API (Mistral, Claude, Llama and others)"
}

// Create loads AWS credentials for cfg.Region and builds the client
func (f *Factory) Create(cfg core.AIConfig, logger core.Logger) (core.AIClient, error) {
	awsCfg, err := CreateAWSConfig(context.Background(), cfg.Region)
	if err != nil {
		return nil, core.NewUpdaterError("bedrock.Create", "config", err)
	}
	return NewClient(bedrockruntime.NewFromConfig(awsCfg), cfg, logger), nil
}
