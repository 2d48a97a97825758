package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

const experienceColumns = `id, title, body, category, embedding, tags, attributes, location, has_witness, occurred_at, created_at`

// SaveExperience inserts or replaces an experience row, including its
// embedding blob.
func (s *Store) SaveExperience(ctx context.Context, e models.Experience) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	if e.Tags == nil {
		tags = []byte("[]")
	}
	if e.Attributes == nil {
		attrs = []byte("{}")
	}

	var blob []byte
	if len(e.Embedding) > 0 {
		blob = encodeFloat32s(e.Embedding)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO experiences (`+experienceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Body, e.Category, blob, string(tags), string(attrs),
		e.Location, boolToInt(e.HasWitness), formatTime(e.OccurredAt), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("saving experience %s: %w", e.ID, err)
	}
	return nil
}

// GetExperience returns a single experience by ID, including its stored
// embedding. Returns ErrNotFound if no row matches.
func (s *Store) GetExperience(ctx context.Context, id string) (models.Experience, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experienceColumns+` FROM experiences WHERE id = ?`, id)
	e, err := scanExperience(row)
	if err == sql.ErrNoRows {
		return models.Experience{}, ErrNotFound
	}
	if err != nil {
		return models.Experience{}, fmt.Errorf("loading experience %s: %w", id, err)
	}
	return e, nil
}

// GetExperiencesByIDs returns experiences matching the given IDs. Missing IDs
// are silently omitted from the result.
func (s *Store) GetExperiencesByIDs(ctx context.Context, ids []string) ([]models.Experience, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + experienceColumns + ` FROM experiences WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying experiences by IDs: %w", err)
	}
	defer rows.Close()

	var results []models.Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning experience: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// ListRecent returns up to topK experiences ordered by recency (occurrence
// time, falling back to creation time). If category is non-empty only that
// category is listed.
func (s *Store) ListRecent(ctx context.Context, topK int, category string) ([]models.Experience, error) {
	if topK <= 0 {
		return nil, nil
	}

	q := `SELECT ` + experienceColumns + ` FROM experiences`
	args := []interface{}{}
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY CASE WHEN occurred_at != '' THEN occurred_at ELSE created_at END DESC LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing experiences: %w", err)
	}
	defer rows.Close()

	var results []models.Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning experience: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// CountExperiences returns the number of stored experiences.
func (s *Store) CountExperiences(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiences").Scan(&count)
	return count, err
}

// idScore holds only the ID and score during the scan phase of SearchVector.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// SearchVector performs brute-force cosine similarity search over all stored
// embeddings, returning the top-K most similar experiences. If category is
// non-empty only experiences in that category are considered. Rows without an
// embedding are skipped.
func (s *Store) SearchVector(ctx context.Context, vector []float32, topK int, category string) ([]models.ScoredExperience, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	q := `SELECT id, embedding FROM experiences WHERE embedding IS NOT NULL`
	args := []interface{}{}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	full, err := s.GetExperiencesByIDs(ctx, topIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K experiences: %w", err)
	}

	results := make([]models.ScoredExperience, 0, len(full))
	for _, e := range full {
		results = append(results, models.ScoredExperience{Experience: e, Score: scores[e.ID]})
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// SearchLexical performs a ranked full-text query against the FTS index,
// returning the top-K matches scored by BM25 (negated so higher is better).
// If category is non-empty only experiences in that category are considered.
func (s *Store) SearchLexical(ctx context.Context, query string, topK int, category string) ([]models.ScoredExperience, error) {
	if topK <= 0 {
		return nil, nil
	}

	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	q := `SELECT e.id, -bm25(experiences_fts) AS score
		FROM experiences_fts f
		JOIN experiences e ON e.rowid = f.rowid
		WHERE experiences_fts MATCH ?`
	args := []interface{}{match}
	if category != "" {
		q += ` AND e.category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY bm25(experiences_fts) ASC LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying full-text index: %w", err)
	}
	defer rows.Close()

	var ids []string
	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		ids = append(ids, id)
		scores[id] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	full, err := s.GetExperiencesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching matched experiences: %w", err)
	}
	byID := make(map[string]models.Experience, len(full))
	for _, e := range full {
		byID[e.ID] = e
	}

	// Rebuild in rank order: the IN fetch doesn't preserve it.
	results := make([]models.ScoredExperience, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			continue
		}
		results = append(results, models.ScoredExperience{Experience: e, Score: scores[id]})
	}
	return results, nil
}

// ftsMatchExpr converts free-form query text into a safe FTS5 MATCH
// expression: each alphanumeric token is double-quoted and tokens are OR'd.
func ftsMatchExpr(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r == '_' || r == '-' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			r > 127)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// sortByScore sorts ScoredExperiences by Score descending. Used for small slices (topK).
func sortByScore(results []models.ScoredExperience) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// scanner abstracts *sql.Row and *sql.Rows for scanExperience.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExperience(sc scanner) (models.Experience, error) {
	var e models.Experience
	var blob []byte
	var tags, attrs, occurredAt, createdAt string
	var hasWitness int

	if err := sc.Scan(&e.ID, &e.Title, &e.Body, &e.Category, &blob, &tags, &attrs,
		&e.Location, &hasWitness, &occurredAt, &createdAt); err != nil {
		return models.Experience{}, err
	}

	if len(blob) > 0 {
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return models.Experience{}, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
		}
		e.Embedding = embedding
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return models.Experience{}, fmt.Errorf("decoding tags for %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return models.Experience{}, fmt.Errorf("decoding attributes for %s: %w", e.ID, err)
	}
	e.HasWitness = hasWitness != 0

	var err error
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return models.Experience{}, fmt.Errorf("parsing occurred_at for %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Experience{}, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of SearchVector to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
