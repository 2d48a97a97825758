// Package embedding turns text into fixed-length vectors via an external
// embedding service. Two providers are supported: OpenAI and a local Ollama
// instance. Callers compose them with the resilience layer when the service
// is flaky.
package embedding

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Embedder generates a fixed-length vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedBatch embeds multiple texts concurrently through the given Embedder.
// Returns nil (not error) for empty input.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the service.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
