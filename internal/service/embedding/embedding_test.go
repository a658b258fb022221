package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commontrace/commontrace/internal/config"
)

func autoCfg(mutate func(*config.Config)) config.Config {
	cfg := config.Config{
		EmbeddingProvider:   "auto",
		EmbeddingModel:      "text-embedding-3-small",
		OllamaModel:         "mxbai-embed-large",
		EmbeddingDimensions: 1536,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func TestNewProviderAutoPrefersOpenAI(t *testing.T) {
	p := NewProvider(autoCfg(func(c *config.Config) {
		c.OpenAIAPIKey = "sk-test"
		c.OllamaURL = "http://localhost:11434"
	}))
	assert.Equal(t, "text-embedding-3-small", p.ModelID())
}

func TestNewProviderAutoFallsBackToOllama(t *testing.T) {
	p := NewProvider(autoCfg(func(c *config.Config) {
		c.OllamaURL = "http://localhost:11434"
	}))
	assert.Equal(t, "mxbai-embed-large", p.ModelID())
}

func TestNewProviderAutoDegradesWhenNothingConfigured(t *testing.T) {
	p := NewProvider(autoCfg(nil))
	assert.Equal(t, "", p.ModelID())

	_, err := p.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewProviderExplicitSelection(t *testing.T) {
	openai := NewProvider(autoCfg(func(c *config.Config) {
		c.EmbeddingProvider = "openai"
		c.OpenAIAPIKey = "sk-test"
	}))
	assert.Equal(t, "text-embedding-3-small", openai.ModelID())

	ollama := NewProvider(autoCfg(func(c *config.Config) {
		c.EmbeddingProvider = "ollama"
	}))
	assert.Equal(t, "mxbai-embed-large", ollama.ModelID())

	noop := NewProvider(autoCfg(func(c *config.Config) {
		c.EmbeddingProvider = "noop"
	}))
	assert.Equal(t, "", noop.ModelID())
}
