package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// NotConfiguredProvider is the degraded provider used when no backend is
// available. Every Embed call fails with ErrNotConfigured, so traces keep
// their null embeddings and semantic search reports unavailability
// instead of silently returning garbage similarity.
type NotConfiguredProvider struct {
	dims int
}

// NewNotConfiguredProvider creates the degraded provider.
func NewNotConfiguredProvider(dims int) *NotConfiguredProvider {
	return &NotConfiguredProvider{dims: dims}
}

// ModelID is empty: nothing produces vectors.
func (p *NotConfiguredProvider) ModelID() string { return "" }

// ModelVersion is empty.
func (p *NotConfiguredProvider) ModelVersion() string { return "" }

// Dimensions returns the configured vector size.
func (p *NotConfiguredProvider) Dimensions() int { return p.dims }

// Embed always fails with ErrNotConfigured.
func (p *NotConfiguredProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrNotConfigured
}
