// Package api exposes the engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/citation"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/models"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/outbox"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/resilience"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/retrieval"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/serendipity"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Searcher abstracts hybrid retrieval for the API layer.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// Connector abstracts serendipity detection.
type Connector interface {
	Detect(ctx context.Context, records []models.Experience, queryText string) (*serendipity.Connection, error)
}

// CitationLog abstracts the citation tracker.
type CitationLog interface {
	Record(ctx context.Context, messageID string, outputs []citation.ToolOutput) ([]models.Citation, error)
	ForMessage(ctx context.Context, messageID string) ([]models.Citation, error)
}

// ExperienceStore is the slice of the store the handlers need.
type ExperienceStore interface {
	SaveExperience(ctx context.Context, e models.Experience) error
	GetExperience(ctx context.Context, id string) (models.Experience, error)
	GetExperiencesByIDs(ctx context.Context, ids []string) ([]models.Experience, error)
	CountExperiences(ctx context.Context) (int, error)
}

// Embedder generates embeddings for newly submitted experiences.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps holds the wired engine components for the HTTP handlers.
type Deps struct {
	Retriever Searcher
	Detector  Connector
	Citations CitationLog
	Store     ExperienceStore
	Embedder  Embedder
	Outbox    *outbox.Outbox
	Send      outbox.SendFunc // transport for outbox sync; nil disables it
	Token     string          // optional bearer token for /v1
}

// NewHandler builds the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/search", handleSearch(deps))
		r.Post("/connections", handleConnections(deps))
		r.Get("/messages/{id}/citations", handleMessageCitations(deps))
		r.Post("/experiences", handleSubmitExperience(deps))
		r.Get("/experiences/{id}", handleGetExperience(deps))
		r.Get("/outbox", handleOutboxStatus(deps))
		r.Post("/outbox", handleOutboxEnqueue(deps))
		r.Post("/outbox/sync", handleOutboxSync(deps))
	})

	return r
}

// SearchRequest is the /v1/search body. MessageID, when set, persists
// the result set as citations against that conversation message.
type SearchRequest struct {
	retrieval.Query
	MessageID string `json:"message_id,omitempty"`
}

// SearchResponse adds the recorded citations to the retrieval result.
type SearchResponse struct {
	retrieval.Result
	Citations []models.Citation `json:"citations,omitempty"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		result, err := deps.Retriever.Search(r.Context(), req.Query)
		if err != nil {
			searchError(w, err)
			return
		}

		resp := SearchResponse{Result: result}
		if req.MessageID != "" && len(result.Experiences) > 0 {
			citations, err := deps.Citations.Record(r.Context(), req.MessageID, []citation.ToolOutput{
				{Tool: "search_experiences", Payload: searchPayload(result.Experiences)},
			})
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "recording citations: %v", err)
				return
			}
			resp.Citations = citations
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// ConnectionsRequest is the /v1/connections body: the ids of a prior
// result set plus the query that produced it.
type ConnectionsRequest struct {
	ExperienceIDs []string `json:"experience_ids"`
	Query         string   `json:"query,omitempty"`
	MessageID     string   `json:"message_id,omitempty"`
}

// ConnectionsResponse wraps an optional connection; Found
// distinguishes "none detected" from an empty connection.
type ConnectionsResponse struct {
	Found      bool                    `json:"found"`
	Connection *serendipity.Connection `json:"connection,omitempty"`
	Citations  []models.Citation       `json:"citations,omitempty"`
}

func handleConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ConnectionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.ExperienceIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "experience_ids is required")
			return
		}

		records, err := deps.Store.GetExperiencesByIDs(r.Context(), req.ExperienceIDs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading experiences: %v", err)
			return
		}

		conn, err := deps.Detector.Detect(r.Context(), records, req.Query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "detecting connections: %v", err)
			return
		}

		resp := ConnectionsResponse{Found: conn != nil, Connection: conn}
		if conn != nil && req.MessageID != "" {
			citations, err := deps.Citations.Record(r.Context(), req.MessageID, []citation.ToolOutput{
				{Tool: "find_connections", Payload: connectionPayload(conn)},
			})
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "recording citations: %v", err)
				return
			}
			resp.Citations = citations
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMessageCitations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		citations, err := deps.Citations.ForMessage(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading citations: %v", err)
			return
		}
		if citations == nil {
			citations = []models.Citation{}
		}
		writeJSON(w, http.StatusOK, citations)
	}
}

// SubmitExperienceRequest is the /v1/experiences body.
type SubmitExperienceRequest struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Category   string            `json:"category"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Location   string            `json:"location,omitempty"`
	HasWitness bool              `json:"has_witness,omitempty"`
	OccurredAt time.Time         `json:"occurred_at,omitempty"`
}

func handleSubmitExperience(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SubmitExperienceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Body == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body is required")
			return
		}
		if req.Category == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "category is required")
			return
		}

		e := models.Experience{
			ID:         uuid.NewString(),
			Title:      req.Title,
			Body:       req.Body,
			Category:   req.Category,
			Tags:       req.Tags,
			Attributes: req.Attributes,
			Location:   req.Location,
			HasWitness: req.HasWitness,
			OccurredAt: req.OccurredAt,
			CreatedAt:  time.Now().UTC(),
		}

		// A failed embedding leaves the record lexically searchable
		// rather than rejecting the submission.
		status := "indexed"
		vector, err := deps.Embedder.Embed(r.Context(), embeddingText(e))
		if err != nil {
			status = "stored_without_embedding"
		} else {
			e.Embedding = vector
		}

		if err := deps.Store.SaveExperience(r.Context(), e); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving experience: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"id": e.ID, "status": status})
	}
}

func handleGetExperience(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := deps.Store.GetExperience(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "experience not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading experience: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleOutboxStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"pending": deps.Outbox.Pending(r.Context())})
	}
}

// OutboxEnqueueRequest is the /v1/outbox body.
type OutboxEnqueueRequest struct {
	ConversationID string   `json:"conversation_id"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
}

func handleOutboxEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req OutboxEnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		id := deps.Outbox.Enqueue(r.Context(), models.QueuedMessage{
			ConversationID: req.ConversationID,
			Role:           req.Role,
			Content:        req.Content,
			Attachments:    req.Attachments,
		})
		if id == "" {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing message failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func handleOutboxSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Send == nil {
			httpError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "no message transport configured")
			return
		}
		writeJSON(w, http.StatusOK, deps.Outbox.Sync(r.Context(), deps.Send))
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Store.CountExperiences(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "experiences": count})
	}
}

// searchPayload shapes a result set the way the citation extractor
// reads tool output.
func searchPayload(experiences []retrieval.RankedExperience) map[string]any {
	items := make([]any, 0, len(experiences))
	for _, e := range experiences {
		items = append(items, map[string]any{
			"id":         e.ID,
			"title":      e.Title,
			"body":       e.Body,
			"similarity": e.Scores.Vector,
		})
	}
	return map[string]any{"experiences": items}
}

func connectionPayload(conn *serendipity.Connection) map[string]any {
	items := make([]any, 0, len(conn.Representatives))
	for _, e := range conn.Representatives {
		items = append(items, map[string]any{
			"id":         e.ID,
			"title":      e.Title,
			"body":       e.Body,
			"confidence": conn.AvgSimilarity,
		})
	}
	return map[string]any{"connection": map[string]any{"representatives": items}}
}

// embeddingText is what gets embedded for a record: title and body.
func embeddingText(e models.Experience) string {
	if e.Title == "" {
		return e.Body
	}
	return e.Title + "\n\n" + e.Body
}

// searchError distinguishes an open circuit, which is temporary, from
// a genuine failure.
func searchError(w http.ResponseWriter, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		httpError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "search temporarily unavailable, try again shortly")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
