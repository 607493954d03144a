package ai

import (
	"fmt"

	"github.com/zkorum/mathupdater/core"
)

// Provider names accepted by ai.provider.
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

// NewClient creates the labeling client for cfg.Provider. The provider
// package must be linked in, usually with a blank import in main.
func NewClient(cfg core.AIConfig, logger core.Logger) (core.AIClient, error) {
	logger = core.WithComponent(logger, "mathupdater/ai")

	factory, ok := GetProvider(cfg.Provider)
	if !ok {
		logger.Error("AI provider not registered", map[string]interface{}{
			"operation":           "ai_client_creation",
			"provider":            cfg.Provider,
			"available_providers": ListProviders(),
		})
		return nil, core.NewUpdaterError("ai.NewClient", "config",
			fmt.Errorf("provider %q: %w", cfg.Provider, core.ErrInvalidConfiguration))
	}

	client, err := factory.Create(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}

	logger.Info("AI client created", map[string]interface{}{
		"operation": "ai_client_creation",
		"provider":  cfg.Provider,
		"model":     cfg.Model,
	})
	return client, nil
}
