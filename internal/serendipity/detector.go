// Package serendipity finds cross-category clusters of experiences that
// sit unexpectedly close, in embedding space, to a query's results.
package serendipity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

// Store is the subset of the experience store the detector needs.
type Store interface {
	GetExperiencesByIDs(ctx context.Context, ids []string) ([]models.Experience, error)
	SearchVector(ctx context.Context, vector []float32, topK int, category string) ([]models.ScoredExperience, error)
}

const (
	defaultCandidateCap    = 30
	defaultLooseFloor      = 0.5
	defaultStrictFloor     = 0.6
	defaultMinClusterSize  = 3
	defaultRepresentatives = 5
)

// Config tunes the detection thresholds. The zero value picks sane defaults.
type Config struct {
	// CandidateCap bounds the centroid neighbor query.
	CandidateCap int
	// LooseFloor is the minimum similarity for a centroid neighbor to be
	// considered at all.
	LooseFloor float64
	// StrictFloor is the similarity a cross-category neighbor must exceed
	// to count toward a cluster.
	StrictFloor float64
	// MinClusterSize is the smallest same-category cluster that counts as
	// a pattern rather than noise.
	MinClusterSize int
}

func (c Config) withDefaults() Config {
	if c.CandidateCap <= 0 {
		c.CandidateCap = defaultCandidateCap
	}
	if c.LooseFloor <= 0 {
		c.LooseFloor = defaultLooseFloor
	}
	if c.StrictFloor <= 0 {
		c.StrictFloor = defaultStrictFloor
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = defaultMinClusterSize
	}
	return c
}

// Connection describes a detected cross-category cluster.
type Connection struct {
	PrimaryCategory string              `json:"primary_category"`
	TargetCategory  string              `json:"target_category"`
	Count           int                 `json:"count"`
	AvgSimilarity   float64             `json:"avg_similarity"`
	Representatives []models.Experience `json:"representatives"`
	Explanation     string              `json:"explanation"`
}

// Detector runs the centroid-plus-double-threshold pipeline. It is
// stateless and safe for concurrent use.
type Detector struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func NewDetector(store Store, cfg Config) *Detector {
	return &Detector{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "serendipity"),
	}
}

// Detect looks for a cross-category cluster near the centroid of the
// given records. A nil return with a nil error means no connection was
// found, which is the common case and not a failure.
func (d *Detector) Detect(ctx context.Context, records []models.Experience, queryText string) (*Connection, error) {
	if len(records) == 0 {
		return nil, nil
	}

	primary := primaryCategory(records)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	full, err := d.store.GetExperiencesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}

	var vectors [][]float32
	for _, e := range full {
		if len(e.Embedding) > 0 {
			vectors = append(vectors, e.Embedding)
		}
	}
	if len(vectors) == 0 {
		d.logger.Debug("no embeddings available", "records", len(records))
		return nil, nil
	}

	center := centroid(vectors)

	neighbors, err := d.store.SearchVector(ctx, center, d.cfg.CandidateCap, "")
	if err != nil {
		return nil, fmt.Errorf("centroid neighbor query: %w", err)
	}

	var survivors []models.ScoredExperience
	for _, n := range neighbors {
		if n.Score < d.cfg.LooseFloor {
			continue
		}
		if n.Category == primary {
			continue
		}
		// Cross-category neighbors must exceed the strict floor; sitting
		// exactly on it is not enough.
		if n.Score <= d.cfg.StrictFloor {
			continue
		}
		survivors = append(survivors, n)
	}
	if len(survivors) < d.cfg.MinClusterSize {
		return nil, nil
	}

	target, cluster := largestCategory(survivors)
	if len(cluster) < d.cfg.MinClusterSize {
		return nil, nil
	}

	var sum float64
	for _, s := range cluster {
		sum += s.Score
	}
	avg := sum / float64(len(cluster))

	reps := make([]models.Experience, 0, defaultRepresentatives)
	for _, s := range cluster {
		if len(reps) == defaultRepresentatives {
			break
		}
		reps = append(reps, s.Experience)
	}

	d.logger.Info("connection detected",
		"primary", primary, "target", target,
		"count", len(cluster), "avg_similarity", avg)

	return &Connection{
		PrimaryCategory: primary,
		TargetCategory:  target,
		Count:           len(cluster),
		AvgSimilarity:   avg,
		Representatives: reps,
		Explanation:     explain(primary, target, len(cluster), queryText),
	}, nil
}

// primaryCategory returns the most frequent category among records.
// Ties resolve to the category seen first.
func primaryCategory(records []models.Experience) string {
	counts := make(map[string]int, len(records))
	best, bestCount := "", 0
	for _, r := range records {
		counts[r.Category]++
		if counts[r.Category] > bestCount {
			best, bestCount = r.Category, counts[r.Category]
		}
	}
	return best
}

// centroid computes the per-dimension mean of the vectors. Vectors
// shorter than the first one contribute only to their own dimensions.
func centroid(vectors [][]float32) []float32 {
	dims := len(vectors[0])
	sums := make([]float64, dims)
	for _, v := range vectors {
		for i, x := range v {
			if i >= dims {
				break
			}
			sums[i] += float64(x)
		}
	}
	out := make([]float32, dims)
	n := float64(len(vectors))
	for i, s := range sums {
		out[i] = float32(s / n)
	}
	return out
}

func largestCategory(survivors []models.ScoredExperience) (string, []models.ScoredExperience) {
	groups := make(map[string][]models.ScoredExperience)
	order := make([]string, 0, 4)
	for _, s := range survivors {
		if _, ok := groups[s.Category]; !ok {
			order = append(order, s.Category)
		}
		groups[s.Category] = append(groups[s.Category], s)
	}
	best := ""
	for _, cat := range order {
		if best == "" || len(groups[cat]) > len(groups[best]) {
			best = cat
		}
	}
	return best, groups[best]
}

func explain(primary, target string, count int, queryText string) string {
	if queryText != "" {
		return fmt.Sprintf("While searching %s experiences for %q, %d %s experiences turned out to be unusually similar.", primary, queryText, count, target)
	}
	return fmt.Sprintf("%d %s experiences are unusually similar to this group of %s experiences.", count, target, primary)
}
