package citation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
)

func TestExtract_RecordList(t *testing.T) {
	payload := map[string]any{
		"experiences": []any{
			map[string]any{"id": "a", "title": "First", "body": "a long body", "similarity": 0.8},
			map[string]any{"id": "b", "title": "Second"},
		},
	}
	got := Extract("search_experiences", payload)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ExperienceID != "a" || got[0].Snippet != "a long body" {
		t.Errorf("candidate = %+v", got[0])
	}
	if !got[0].hasMetric || got[0].metric != 0.8 {
		t.Errorf("metric = (%v, %v), want (0.8, true)", got[0].metric, got[0].hasMetric)
	}
	if got[1].Snippet != "Second" {
		t.Errorf("snippet fell back to %q, want title", got[1].Snippet)
	}
}

func TestExtract_ResultListByReference(t *testing.T) {
	payload := map[string]any{
		"results": []any{
			map[string]any{"experience_id": "x", "rank": 3.0, "snippet": "quoted text"},
		},
	}
	got := Extract("keyword_search", payload)
	if len(got) != 1 || got[0].ExperienceID != "x" || got[0].Snippet != "quoted text" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestExtract_NestedOneLevel(t *testing.T) {
	payload := map[string]any{
		"connection": map[string]any{
			"representatives": []any{
				map[string]any{"id": "r1", "title": "Rep", "similarity": 0.7},
			},
		},
	}
	got := Extract("find_connections", payload)
	if len(got) != 1 || got[0].ExperienceID != "r1" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestExtract_SnippetTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("ö", maxSnippetLen+50)
	payload := map[string]any{
		"experiences": []any{
			map[string]any{"id": "a", "title": "T", "body": body},
		},
	}
	got := Extract("search_experiences", payload)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if !utf8.ValidString(got[0].Snippet) {
		t.Error("snippet contains a split rune")
	}
	if n := utf8.RuneCountInString(got[0].Snippet); n != maxSnippetLen {
		t.Errorf("snippet length = %d runes, want %d", n, maxSnippetLen)
	}
}

func TestExtract_UnrecognizedYieldsNothing(t *testing.T) {
	for _, payload := range []any{
		nil,
		"a plain string",
		map[string]any{"count": 3.0},
		map[string]any{"data": map[string]any{"deeper": map[string]any{"experiences": []any{}}}},
	} {
		if got := Extract("whatever", payload); len(got) != 0 {
			t.Errorf("payload %v yielded %d candidates, want 0", payload, len(got))
		}
	}
}

func TestRelevance_PerToolKind(t *testing.T) {
	tests := []struct {
		name string
		tool string
		c    Candidate
		want float64
	}{
		{"semantic passthrough", "search_experiences", Candidate{metric: 0.73, hasMetric: true}, 0.73},
		{"geo distance converts", "geo_nearby", Candidate{metric: 25, hasMetric: true}, 0.75},
		{"geo beyond max clamps to zero", "geo_nearby", Candidate{metric: 250, hasMetric: true}, 0},
		{"lexical rank converts", "keyword_search", Candidate{metric: 3, hasMetric: true}, 0.3},
		{"lexical rank caps at one", "keyword_search", Candidate{metric: 40, hasMetric: true}, 1},
		{"confidence passthrough", "find_connections", Candidate{metric: 0.65, hasMetric: true}, 0.65},
		{"unknown tool flat default", "mystery_tool", Candidate{metric: 0.1, hasMetric: true}, 0.9},
		{"no metric flat default", "search_experiences", Candidate{}, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.c.ToolName = tt.tool
			got := relevance(tt.c, DefaultMaxDistance)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("relevance = %v, want %v", got, tt.want)
			}
		})
	}
}

// Duplicate ids keep the first-seen candidate unmodified, then the set
// sorts by relevance descending with 1-based indices.
func TestAssign_DedupeThenSort(t *testing.T) {
	candidates := []Candidate{
		{ExperienceID: "A", ToolName: "search", metric: 0.5, hasMetric: true},
		{ExperienceID: "B", ToolName: "search", metric: 0.9, hasMetric: true},
		{ExperienceID: "A", ToolName: "search", metric: 0.7, hasMetric: true},
		{ExperienceID: "C", ToolName: "search", metric: 0.3, hasMetric: true},
	}
	got := Assign("msg-1", candidates, DefaultMaxDistance)
	if len(got) != 3 {
		t.Fatalf("got %d citations, want 3", len(got))
	}
	wantOrder := []struct {
		id        string
		relevance float64
	}{
		{"B", 0.9}, {"A", 0.5}, {"C", 0.3},
	}
	for i, want := range wantOrder {
		c := got[i]
		if c.ExperienceID != want.id || c.Relevance != want.relevance || c.Index != i+1 {
			t.Errorf("citation %d = {%s %v index %d}, want {%s %v index %d}",
				i, c.ExperienceID, c.Relevance, c.Index, want.id, want.relevance, i+1)
		}
		if c.MessageID != "msg-1" {
			t.Errorf("message id = %q", c.MessageID)
		}
	}
}

type mockStorage struct {
	saveFn func(ctx context.Context, messageID string, citations []models.Citation) error
	listFn func(ctx context.Context, messageID string) ([]models.Citation, error)
}

func (m *mockStorage) SaveCitations(ctx context.Context, messageID string, citations []models.Citation) error {
	return m.saveFn(ctx, messageID, citations)
}

func (m *mockStorage) CitationsForMessage(ctx context.Context, messageID string) ([]models.Citation, error) {
	return m.listFn(ctx, messageID)
}

func TestTracker_RecordPersistsAcrossTools(t *testing.T) {
	var saved []models.Citation
	tracker := NewTracker(&mockStorage{
		saveFn: func(_ context.Context, messageID string, citations []models.Citation) error {
			if messageID != "msg-7" {
				t.Errorf("message id = %q", messageID)
			}
			saved = citations
			return nil
		},
	})

	outputs := []ToolOutput{
		{Tool: "search_experiences", Payload: map[string]any{
			"experiences": []any{
				map[string]any{"id": "a", "title": "A", "similarity": 0.4},
			},
		}},
		{Tool: "find_connections", Payload: map[string]any{
			"connection": map[string]any{
				"representatives": []any{
					map[string]any{"id": "b", "title": "B", "confidence": 0.8},
				},
			},
		}},
		{Tool: "broken_tool", Payload: "not json shaped"},
	}

	got, err := tracker.Record(context.Background(), "msg-7", outputs)
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if len(got) != 2 || len(saved) != 2 {
		t.Fatalf("got %d citations, saved %d, want 2 each", len(got), len(saved))
	}
	if got[0].ExperienceID != "b" || got[1].ExperienceID != "a" {
		t.Errorf("order = [%s %s], want [b a]", got[0].ExperienceID, got[1].ExperienceID)
	}
}

func TestTracker_NoCitationsSkipsStorage(t *testing.T) {
	tracker := NewTracker(&mockStorage{
		saveFn: func(_ context.Context, _ string, _ []models.Citation) error {
			t.Fatal("storage called with zero citations")
			return nil
		},
	})
	got, err := tracker.Record(context.Background(), "msg-1", []ToolOutput{
		{Tool: "tool", Payload: map[string]any{"unrelated": true}},
	})
	if err != nil || got != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestTracker_StorageErrorPropagates(t *testing.T) {
	tracker := NewTracker(&mockStorage{
		saveFn: func(_ context.Context, _ string, _ []models.Citation) error {
			return errors.New("disk full")
		},
	})
	_, err := tracker.Record(context.Background(), "msg-1", []ToolOutput{
		{Tool: "search", Payload: map[string]any{
			"experiences": []any{map[string]any{"id": "a", "title": "A"}},
		}},
	})
	if err == nil {
		t.Fatal("expected storage error to propagate")
	}
}
