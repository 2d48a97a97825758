package embedding

import (
	"context"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/resilience"
)

// Compile-time check that ResilientEmbedder implements Embedder.
var _ Embedder = (*ResilientEmbedder)(nil)

// ResilientEmbedder wraps an ordered chain of providers behind a shared
// circuit breaker and per-provider retries. The breaker guards the embedding
// service as one fault domain: when it opens, Embed fails fast with
// resilience.ErrCircuitOpen and callers degrade to lexical-only retrieval.
type ResilientEmbedder struct {
	providers []namedProvider
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

type namedProvider struct {
	name     string
	embedder Embedder
}

// NewResilient builds a ResilientEmbedder from providers tried in order,
// most capable first. The breaker must be the shared instance for the
// embedding fault domain.
func NewResilient(breaker *resilience.CircuitBreaker, retry resilience.RetryConfig, providers ...Embedder) *ResilientEmbedder {
	named := make([]namedProvider, len(providers))
	for i, p := range providers {
		named[i] = namedProvider{name: providerName(p), embedder: p}
	}
	return &ResilientEmbedder{providers: named, retry: retry, breaker: breaker}
}

func providerName(e Embedder) string {
	switch e.(type) {
	case *OpenAIEmbedder:
		return "openai"
	case *OllamaEmbedder:
		return "ollama"
	default:
		return "embedder"
	}
}

// Embed tries each provider in order through the breaker, retrying each one
// per the retry config before moving on to the next.
func (r *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return resilience.Guard(ctx, r.breaker, func(ctx context.Context) ([]float32, error) {
		strategies := make([]resilience.Strategy[[]float32], len(r.providers))
		for i, p := range r.providers {
			strategies[i] = resilience.Strategy[[]float32]{
				Name: p.name,
				Run: func(ctx context.Context) ([]float32, error) {
					result, err := resilience.Retry(ctx, r.retry, func(ctx context.Context) ([]float32, error) {
						return p.embedder.Embed(ctx, text)
					})
					if err != nil {
						return nil, err
					}
					return result.Value, nil
				},
			}
		}

		result, err := resilience.Fallback(ctx, strategies)
		if err != nil {
			return nil, err
		}
		return result.Value, nil
	})
}
