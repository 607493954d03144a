// Package mock provides a scripted AI provider for tests and for running
// the updater locally without model credentials (ai.provider: mock).
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
)

// ProviderName selects the mock provider.
const ProviderName = "mock"

func init() {
	ai.MustRegister(&Factory{})
}

// Factory creates mock AI clients
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return ProviderName
}

// Description returns provider description
func (f *Factory) Description() string {
	return "Deterministic labels derived from the prompt, no network calls"
}

// Create returns a client that echoes a label for every cluster in the prompt
func (f *Factory) Create(cfg core.AIConfig, logger core.Logger) (core.AIClient, error) {
	return &Client{Respond: EchoLabels}, nil
}

// Client implements core.AIClient. Responses are served in order, then
// Respond is used; Err fails every call; Delay waits before answering and
// honours context cancellation.
type Client struct {
	Responses []string
	Respond   func(prompt string) (string, error)
	Err       error
	Delay     time.Duration

	mu          sync.Mutex
	calls       int
	lastPrompt  string
	lastOptions *core.AIOptions
}

// GenerateResponse returns the next scripted response
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.lastPrompt = prompt
	if options != nil {
		opts := *options
		c.lastOptions = &opts
	}
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}

	var content string
	switch {
	case idx < len(c.Responses):
		content = c.Responses[idx]
	case c.Respond != nil:
		var err error
		if content, err = c.Respond(prompt); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mock: no response scripted for call %d", idx+1)
	}

	model := "mock"
	if options != nil && options.Model != "" {
		model = options.Model
	}
	return &core.AIResponse{
		Content:  content,
		Model:    model,
		Provider: ProviderName,
		Usage: core.TokenUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}, nil
}

// Calls reports how many requests were made
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// LastPrompt returns the prompt of the latest call
func (c *Client) LastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPrompt
}

// LastOptions returns a copy of the options of the latest call
func (c *Client) LastOptions() *core.AIOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOptions
}

// EchoLabels answers with "Group N" labels for every cluster key of the
// insights prompt.
func EchoLabels(prompt string) (string, error) {
	var in ai.ConversationInsights
	if err := json.Unmarshal([]byte(prompt), &in); err != nil {
		return "", fmt.Errorf("mock: decode prompt: %w", err)
	}
	keys := make([]int, 0, len(in.Clusters))
	for k := range in.Clusters {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, n)
	}
	sort.Ints(keys)

	out := make(map[string]map[string]string, len(keys))
	for _, k := range keys {
		c := in.Clusters[strconv.Itoa(k)]
		out[strconv.Itoa(k)] = map[string]string{
			"reasoning": fmt.Sprintf("%d agreements and %d disagreements", len(c.AgreesWith), len(c.DisagreesWith)),
			"label":     fmt.Sprintf("Group %d", k),
			"summary":   fmt.Sprintf("Participants of group %d share %d representative opinions.", k, len(c.AgreesWith)+len(c.DisagreesWith)),
		}
	}
	data, err := json.Marshal(map[string]interface{}{"clusters": out})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
