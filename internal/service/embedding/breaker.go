package embedding

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"
)

// breakerProvider wraps a remote Provider with a circuit breaker so a
// dead embedding backend fails fast instead of stacking up 30-second
// timeouts in the search path. ErrNotConfigured from the inner provider
// is configuration state, not backend health, and never trips the
// breaker.
type breakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// withBreaker wraps a provider that talks to a remote backend. Five
// consecutive failures open the circuit for 30 seconds; a half-open
// probe then decides whether it closes again.
func withBreaker(inner Provider) Provider {
	return &breakerProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding:" + inner.ModelID(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *breakerProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := p.breaker.Execute(func() (any, error) {
		return p.inner.Embed(ctx, text)
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return v.(pgvector.Vector), nil
}

func (p *breakerProvider) ModelID() string      { return p.inner.ModelID() }
func (p *breakerProvider) ModelVersion() string { return p.inner.ModelVersion() }
func (p *breakerProvider) Dimensions() int      { return p.inner.Dimensions() }
