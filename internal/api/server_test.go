package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/citation"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/outbox"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/resilience"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/retrieval"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/serendipity"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockSearcher struct {
	searchFn func(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

func (m *mockSearcher) Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	return m.searchFn(ctx, q)
}

type mockConnector struct {
	detectFn func(ctx context.Context, records []models.Experience, queryText string) (*serendipity.Connection, error)
}

func (m *mockConnector) Detect(ctx context.Context, records []models.Experience, queryText string) (*serendipity.Connection, error) {
	return m.detectFn(ctx, records, queryText)
}

type mockAPIEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockAPIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return []float32{0.1, 0.2}, nil
}

// --- helpers ---

func setupDeps(t *testing.T) (Deps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return Deps{
		Retriever: &mockSearcher{searchFn: func(_ context.Context, _ retrieval.Query) (retrieval.Result, error) {
			return retrieval.Result{}, nil
		}},
		Detector: &mockConnector{detectFn: func(_ context.Context, _ []models.Experience, _ string) (*serendipity.Connection, error) {
			return nil, nil
		}},
		Citations: citation.NewTracker(store),
		Store:     store,
		Embedder:  &mockAPIEmbedder{},
		Outbox:    outbox.New(store, outbox.Config{}),
		Token:     testToken,
	}, store
}

func authReq(method, url, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedExperience(t *testing.T, store *storage.Store, id, category string, embedding []float32) {
	t.Helper()
	err := store.SaveExperience(context.Background(), models.Experience{
		ID:        id,
		Title:     "title " + id,
		Body:      "body " + id,
		Category:  category,
		Embedding: embedding,
	})
	if err != nil {
		t.Fatalf("seeding experience %s: %v", id, err)
	}
}

// --- tests ---

func TestSearch_RequiresAuth(t *testing.T) {
	deps, _ := setupDeps(t)
	h := NewHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"text":"q"}`))
	rec := doReq(t, h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSearch_ReturnsResults(t *testing.T) {
	deps, _ := setupDeps(t)
	deps.Retriever = &mockSearcher{searchFn: func(_ context.Context, q retrieval.Query) (retrieval.Result, error) {
		if q.Text != "floating lights" {
			t.Errorf("query text = %q", q.Text)
		}
		return retrieval.Result{
			Experiences: []retrieval.RankedExperience{
				{Experience: models.Experience{ID: "e1", Title: "Lights"}},
			},
		}, nil
	}}
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/search", `{"text":"floating lights"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Experiences) != 1 || resp.Experiences[0].ID != "e1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSearch_CircuitOpenMapsTo503(t *testing.T) {
	deps, _ := setupDeps(t)
	deps.Retriever = &mockSearcher{searchFn: func(_ context.Context, _ retrieval.Query) (retrieval.Result, error) {
		return retrieval.Result{}, fmt.Errorf("embedding: %w", resilience.ErrCircuitOpen)
	}}
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/search", `{"text":"q"}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "temporarily_unavailable") {
		t.Errorf("body = %s, want temporarily_unavailable type", rec.Body)
	}
}

func TestSearch_WithMessageIDRecordsCitations(t *testing.T) {
	deps, store := setupDeps(t)
	deps.Retriever = &mockSearcher{searchFn: func(_ context.Context, _ retrieval.Query) (retrieval.Result, error) {
		return retrieval.Result{
			Experiences: []retrieval.RankedExperience{
				{Experience: models.Experience{ID: "e1", Title: "A", Body: "body"},
					Scores: retrieval.ScoreBreakdown{Vector: 0.8}},
				{Experience: models.Experience{ID: "e2", Title: "B", Body: "body"},
					Scores: retrieval.ScoreBreakdown{Vector: 0.6}},
			},
		}, nil
	}}
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/search", `{"text":"q","message_id":"msg-1"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Citations) != 2 || resp.Citations[0].ExperienceID != "e1" || resp.Citations[0].Index != 1 {
		t.Fatalf("citations = %+v", resp.Citations)
	}

	persisted, err := store.CitationsForMessage(context.Background(), "msg-1")
	if err != nil || len(persisted) != 2 {
		t.Fatalf("persisted citations = (%v, %v), want 2", persisted, err)
	}

	rec = doReq(t, h, authReq(http.MethodGet, "/v1/messages/msg-1/citations", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("citations endpoint status = %d", rec.Code)
	}
	var listed []models.Citation
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding citations: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("listed %d citations, want 2", len(listed))
	}
}

func TestConnections_FoundAndNotFound(t *testing.T) {
	deps, store := setupDeps(t)
	seedExperience(t, store, "x1", "dream", []float32{1, 0})
	conn := &serendipity.Connection{
		PrimaryCategory: "dream",
		TargetCategory:  "synchronicity",
		Count:           3,
		AvgSimilarity:   0.7,
	}
	deps.Detector = &mockConnector{detectFn: func(_ context.Context, records []models.Experience, _ string) (*serendipity.Connection, error) {
		if len(records) != 1 || records[0].ID != "x1" {
			t.Errorf("records = %+v", records)
		}
		return conn, nil
	}}
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/connections", `{"experience_ids":["x1"],"query":"q"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp ConnectionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Found || resp.Connection.TargetCategory != "synchronicity" {
		t.Errorf("response = %+v", resp)
	}

	deps.Detector = &mockConnector{detectFn: func(_ context.Context, _ []models.Experience, _ string) (*serendipity.Connection, error) {
		return nil, nil
	}}
	h = NewHandler(deps)
	rec = doReq(t, h, authReq(http.MethodPost, "/v1/connections", `{"experience_ids":["x1"]}`))
	resp = ConnectionsResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Found || resp.Connection != nil {
		t.Errorf("response = %+v, want not found", resp)
	}
}

func TestConnections_RequiresIDs(t *testing.T) {
	deps, _ := setupDeps(t)
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/connections", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitExperience_EmbedsAndStores(t *testing.T) {
	deps, store := setupDeps(t)
	deps.Embedder = &mockAPIEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
		if !strings.Contains(text, "Strange hum") {
			t.Errorf("embedded text = %q", text)
		}
		return []float32{0.3, 0.4}, nil
	}}
	h := NewHandler(deps)

	body := `{"title":"Strange hum","body":"A low hum at 3am.","category":"encounter","tags":["sound"]}`
	rec := doReq(t, h, authReq(http.MethodPost, "/v1/experiences", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "indexed" || resp["id"] == "" {
		t.Fatalf("response = %v", resp)
	}

	saved, err := store.GetExperience(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("fetching saved experience: %v", err)
	}
	if saved.Category != "encounter" || len(saved.Embedding) != 2 {
		t.Errorf("saved = %+v", saved)
	}
}

func TestSubmitExperience_EmbeddingFailureStillStores(t *testing.T) {
	deps, store := setupDeps(t)
	deps.Embedder = &mockAPIEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("all providers down")
	}}
	h := NewHandler(deps)

	body := `{"body":"content","category":"dream"}`
	rec := doReq(t, h, authReq(http.MethodPost, "/v1/experiences", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "stored_without_embedding" {
		t.Errorf("status = %q", resp["status"])
	}
	saved, err := store.GetExperience(context.Background(), resp["id"])
	if err != nil || len(saved.Embedding) != 0 {
		t.Errorf("saved = (%+v, %v), want record without embedding", saved, err)
	}
}

func TestGetExperience_NotFound(t *testing.T) {
	deps, _ := setupDeps(t)
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodGet, "/v1/experiences/nope", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOutbox_EnqueueStatusAndSync(t *testing.T) {
	deps, _ := setupDeps(t)
	var sent []string
	deps.Send = func(_ context.Context, m models.QueuedMessage) error {
		sent = append(sent, m.Content)
		return nil
	}
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/outbox", `{"conversation_id":"c1","role":"user","content":"hello"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doReq(t, h, authReq(http.MethodGet, "/v1/outbox", ""))
	var status map[string]int
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status["pending"] != 1 {
		t.Fatalf("pending = %d, want 1", status["pending"])
	}

	rec = doReq(t, h, authReq(http.MethodPost, "/v1/outbox/sync", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	var result outbox.SyncResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Success != 1 || len(sent) != 1 || sent[0] != "hello" {
		t.Errorf("sync = %+v, sent %v", result, sent)
	}
}

func TestOutboxSync_NoTransportIs503(t *testing.T) {
	deps, _ := setupDeps(t)
	deps.Send = nil
	h := NewHandler(deps)

	rec := doReq(t, h, authReq(http.MethodPost, "/v1/outbox/sync", ""))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	deps, _ := setupDeps(t)
	h := NewHandler(deps)

	rec := doReq(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body)
	}
}
