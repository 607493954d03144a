package openai

import (
	"fmt"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
)

func init() {
	ai.MustRegister(&Factory{})
}

// Factory implements ai.ProviderFactory for OpenAI
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return ai.ProviderOpenAI
}

// Description returns provider description
func (f *Factory) Description() string {
	return "OpenAI Responses API with strict JSON schema output"
}

// Create builds the client. OPENAI_API_KEY is required.
func (f *Factory) Create(cfg core.AIConfig, logger core.Logger) (core.AIClient, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, core.NewUpdaterError("openai.Create", "config",
			fmt.Errorf("OPENAI_API_KEY: %w", core.ErrMissingConfiguration))
	}
	return NewClient(cfg.OpenAIAPIKey, cfg.OpenAIURL, cfg, logger), nil
}
