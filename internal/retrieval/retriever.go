// Package retrieval implements the hybrid read path: concurrent vector and
// lexical sub-queries over the experience store, fused into one ranked list
// with reciprocal rank fusion. A single failed signal degrades the result
// instead of failing the call.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/embedding"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// Store is the read surface the retriever needs from the experience store.
type Store interface {
	SearchVector(ctx context.Context, vector []float32, topK int, category string) ([]models.ScoredExperience, error)
	SearchLexical(ctx context.Context, query string, topK int, category string) ([]models.ScoredExperience, error)
	ListRecent(ctx context.Context, topK int, category string) ([]models.Experience, error)
	GetExperience(ctx context.Context, id string) (models.Experience, error)
}

// Query is one retrieval request. Text and SimilarTo are mutually exclusive;
// when SimilarTo is set the record's stored embedding becomes the query
// vector and no embedding call is made.
type Query struct {
	Text       string  `json:"text,omitempty"`
	SimilarTo  string  `json:"similar_to,omitempty"`
	Filters    Filters `json:"filters,omitempty"`
	MaxResults int     `json:"max_results,omitempty"`
}

// Result is a ranked, possibly degraded retrieval outcome. Degraded means one
// ranking signal was unavailable; HasMore means the fused list was truncated
// at the caller's cap.
type Result struct {
	Experiences []RankedExperience `json:"experiences"`
	Degraded    bool               `json:"degraded"`
	HasMore     bool               `json:"has_more"`
}

const (
	defaultMaxResults = 10
	// candidateOversample widens the sub-query caps so post-ranking filters
	// don't starve the fused list.
	candidateOversample = 4
	minCandidates       = 40
)

// Retriever fuses vector and lexical ranking signals over the store.
type Retriever struct {
	embedder embedding.Embedder
	store    Store
	rrfK     int
	logger   *slog.Logger
}

// NewRetriever creates a Retriever backed by the given embedder and store.
func NewRetriever(embedder embedding.Embedder, store Store) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		rrfK:     DefaultRRFK,
		logger:   slog.Default(),
	}
}

// Search runs the hybrid retrieval pipeline. The vector and lexical
// sub-queries run concurrently; if one fails the other's results are
// returned with Degraded set. If both fail, the call fails.
func (r *Retriever) Search(ctx context.Context, q Query) (Result, error) {
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	candidates := maxResults * candidateOversample
	if candidates < minCandidates {
		candidates = minCandidates
	}

	queryVector, lexicalText, vectorErr, err := r.resolveSignals(ctx, q)
	if err != nil {
		return Result{}, err
	}

	if queryVector == nil && lexicalText == "" {
		// No lexical fallback either: the lost vector signal was the only one.
		if vectorErr != nil {
			return Result{}, vectorErr
		}
		// Neither a natural query nor a similar-to anchor: filters-only listing.
		return r.listFiltered(ctx, q.Filters, maxResults, candidates)
	}

	var (
		wg         sync.WaitGroup
		vectorHits []models.ScoredExperience
		lexHits    []models.ScoredExperience
		lexErr     error
	)

	if queryVector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorHits, vectorErr = r.store.SearchVector(ctx, queryVector, candidates, q.Filters.Category)
		}()
	}
	if lexicalText != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lexHits, lexErr = r.store.SearchLexical(ctx, lexicalText, candidates, q.Filters.Category)
		}()
	}
	wg.Wait()

	// A lost vector signal plus a failed lexical sub-query means zero ranking
	// signals succeeded, whether the vector side died at embed time or in its
	// own sub-query.
	if vectorErr != nil && lexErr != nil {
		return Result{}, fmt.Errorf("both ranking signals failed: vector: %w; lexical: %w", vectorErr, lexErr)
	}

	degraded := false
	if vectorErr != nil {
		r.logger.Warn("vector signal unavailable, degrading to lexical-only", "error", vectorErr)
		degraded = true
		vectorHits = nil
	}
	if lexicalText != "" && lexErr != nil {
		r.logger.Warn("lexical sub-query failed, degrading to vector-only", "error", lexErr)
		degraded = true
		lexHits = nil
	}

	// Hard pre-filter before ranking: excluded records contribute no rank to
	// either signal.
	vectorHits = q.Filters.apply(vectorHits)
	lexHits = q.Filters.apply(lexHits)

	fused := fuse(vectorHits, lexHits, r.rrfK)

	// Similar-to search never returns its own anchor.
	if q.SimilarTo != "" {
		fused = removeID(fused, q.SimilarTo)
	}

	hasMore := len(fused) > maxResults
	if hasMore {
		fused = fused[:maxResults]
	}

	return Result{Experiences: fused, Degraded: degraded, HasMore: hasMore}, nil
}

// resolveSignals determines the query vector and lexical query text.
// With SimilarTo the stored embedding is reused and the anchor's title seeds
// the lexical signal; with Text the embedding service is consulted. A lost
// vector signal (embed failure, anchor without an embedding) comes back as
// vectorErr rather than err: Search degrades on it while the lexical signal
// holds, and fails the call when that one is gone too.
func (r *Retriever) resolveSignals(ctx context.Context, q Query) (vector []float32, lexicalText string, vectorErr, err error) {
	if q.SimilarTo != "" {
		anchor, loadErr := r.store.GetExperience(ctx, q.SimilarTo)
		if loadErr != nil {
			return nil, "", nil, fmt.Errorf("loading anchor experience %s: %w", q.SimilarTo, loadErr)
		}
		if len(anchor.Embedding) == 0 {
			return nil, anchor.Title, fmt.Errorf("anchor experience %s has no stored embedding", q.SimilarTo), nil
		}
		return anchor.Embedding, anchor.Title, nil, nil
	}

	if q.Text == "" {
		return nil, "", nil, nil
	}

	v, embedErr := r.embedder.Embed(ctx, q.Text)
	if embedErr != nil {
		return nil, q.Text, fmt.Errorf("embedding query: %w", embedErr), nil
	}
	return v, q.Text, nil, nil
}

// listFiltered serves the no-signal path: recent experiences narrowed by the
// filters, with zero scores.
func (r *Retriever) listFiltered(ctx context.Context, f Filters, maxResults, candidates int) (Result, error) {
	recent, err := r.store.ListRecent(ctx, candidates, f.Category)
	if err != nil {
		return Result{}, fmt.Errorf("listing experiences: %w", err)
	}

	results := make([]RankedExperience, 0, maxResults)
	hasMore := false
	for _, e := range recent {
		if !f.Matches(e) {
			continue
		}
		if len(results) == maxResults {
			hasMore = true
			break
		}
		results = append(results, RankedExperience{Experience: e})
	}
	return Result{Experiences: results, HasMore: hasMore}, nil
}

func removeID(list []RankedExperience, id string) []RankedExperience {
	out := list[:0]
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
