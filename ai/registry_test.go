package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkorum/mathupdater/core"
)

type stubFactory struct {
	name   string
	client core.AIClient
	err    error
	got    core.AIConfig
}

func (f *stubFactory) Create(cfg core.AIConfig, logger core.Logger) (core.AIClient, error) {
	f.got = cfg
	return f.client, f.err
}
func (f *stubFactory) Name() string        { return f.name }
func (f *stubFactory) Description() string { return "stub " + f.name }

type stubClient struct{}

func (stubClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	return &core.AIResponse{Content: "{}"}, nil
}

func TestRegister(t *testing.T) {
	f := &stubFactory{name: "stub-register"}
	t.Cleanup(func() { unregister(f.name) })

	require.NoError(t, Register(f))
	assert.Error(t, Register(f), "duplicate names are rejected")
	assert.Error(t, Register(nil))
	assert.Error(t, Register(&stubFactory{}))

	got, ok := GetProvider("stub-register")
	require.True(t, ok)
	assert.Same(t, f, got)
	assert.Contains(t, ListProviders(), "stub-register")

	assert.Panics(t, func() { MustRegister(f) })
}

func TestNewClient(t *testing.T) {
	f := &stubFactory{name: "stub-client", client: stubClient{}}
	require.NoError(t, Register(f))
	t.Cleanup(func() { unregister(f.name) })

	client, err := NewClient(core.AIConfig{Provider: "stub-client", Model: "m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, stubClient{}, client)
	assert.Equal(t, "m1", f.got.Model)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(core.AIConfig{Provider: "nope"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestNewClient_FactoryError(t *testing.T) {
	boom := errors.New("no credentials")
	f := &stubFactory{name: "stub-failing", err: boom}
	require.NoError(t, Register(f))
	t.Cleanup(func() { unregister(f.name) })

	_, err := NewClient(core.AIConfig{Provider: "stub-failing"}, nil)
	assert.ErrorIs(t, err, boom)
}
