// Package embedding provides vector embedding generation for semantic
// search, plus the background worker that fills trace embeddings.
//
// A Provider turns text into a fixed-dimension vector and reports which
// model produced it, so stored vectors stay comparable across model
// upgrades. The worker is the sole writer of traces' embedding fields.
package embedding

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"

	"github.com/commontrace/commontrace/internal/config"
)

// ErrNotConfigured is returned when no embedding backend is available.
// Search treats it as service-unavailable; the worker aborts the batch
// and keeps polling.
var ErrNotConfigured = errors.New("embedding: provider not configured")

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// ModelID identifies the embedding model (e.g. "text-embedding-3-small").
	ModelID() string

	// ModelVersion identifies the model revision, empty when the backend
	// doesn't version its models.
	ModelVersion() string

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// NewProvider selects a provider from configuration. "auto" prefers
// OpenAI when a key is present, then Ollama, and otherwise degrades to
// the not-configured provider.
func NewProvider(cfg config.Config) Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		return withBreaker(NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions))
	case "ollama":
		return withBreaker(NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions))
	case "noop":
		return NewNotConfiguredProvider(cfg.EmbeddingDimensions)
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			return withBreaker(NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions))
		}
		if cfg.OllamaURL != "" {
			return withBreaker(NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions))
		}
		return NewNotConfiguredProvider(cfg.EmbeddingDimensions)
	}
}
