package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/api"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/config"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/outbox"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/retrieval"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search experience records",
	Long: `Search experience records with hybrid semantic and keyword ranking.

Examples:
  xpshare search "recurring dreams about water"
  xpshare search "lights in the sky" --category encounter --limit 5
  xpshare search --similar-to 4fd1c0de-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		similarTo, _ := cmd.Flags().GetString("similar-to")
		category, _ := cmd.Flags().GetString("category")
		tagsStr, _ := cmd.Flags().GetString("tags")
		limit, _ := cmd.Flags().GetInt("limit")

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		if query == "" && similarTo == "" && category == "" && tagsStr == "" {
			return fmt.Errorf("a query, --similar-to, or at least one filter is required")
		}

		req := api.SearchRequest{
			Query: retrieval.Query{
				Text:       query,
				SimilarTo:  similarTo,
				MaxResults: limit,
				Filters: retrieval.Filters{
					Category:    category,
					IncludeTags: splitTags(tagsStr),
				},
			},
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/search", req)
		if err != nil {
			return err
		}

		var result api.SearchResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Degraded {
			printWarning("one ranking signal was unavailable, results may be incomplete")
		}
		if len(result.Experiences) == 0 {
			fmt.Println("no results")
			return nil
		}

		printHeading("Results")
		for i, e := range result.Experiences {
			printResult(i+1, e.Title, fmt.Sprintf("%s  score %.4f  %s",
				e.Category, e.Scores.Fused, snippet(e.Body, 96)))
		}
		if result.HasMore {
			fmt.Println("    ... more results available, raise --limit")
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("similar-to", "", "experience ID to find similar records for")
	searchCmd.Flags().String("category", "", "restrict to one category")
	searchCmd.Flags().String("tags", "", "comma-separated tags the results must carry")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- connections ---

var connectionsCmd = &cobra.Command{
	Use:   "connections <experience-id>...",
	Short: "Detect cross-category patterns among experience records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queryText, _ := cmd.Flags().GetString("query")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/connections", api.ConnectionsRequest{
			ExperienceIDs: args,
			Query:         queryText,
		})
		if err != nil {
			return err
		}

		var result api.ConnectionsResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Found {
			fmt.Println("no connection found")
			return nil
		}

		conn := result.Connection
		printHeading("Connection: %s → %s", conn.PrimaryCategory, conn.TargetCategory)
		printStatus("Count", "%d", conn.Count)
		printStatus("Avg similarity", "%.3f", conn.AvgSimilarity)
		fmt.Println(conn.Explanation)
		for i, rep := range conn.Representatives {
			printResult(i+1, rep.Title, rep.Category)
		}
		return nil
	},
}

func init() {
	connectionsCmd.Flags().String("query", "", "query text to include in the explanation")
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new experience record",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		category, _ := cmd.Flags().GetString("category")
		tagsStr, _ := cmd.Flags().GetString("tags")
		location, _ := cmd.Flags().GetString("location")
		witness, _ := cmd.Flags().GetBool("witness")
		occurredStr, _ := cmd.Flags().GetString("occurred")

		if body == "" || category == "" {
			return fmt.Errorf("--body and --category are required")
		}

		req := api.SubmitExperienceRequest{
			Title:      title,
			Body:       body,
			Category:   category,
			Tags:       splitTags(tagsStr),
			Location:   location,
			HasWitness: witness,
		}
		if occurredStr != "" {
			occurred, err := time.Parse("2006-01-02", occurredStr)
			if err != nil {
				return fmt.Errorf("parsing --occurred (want YYYY-MM-DD): %w", err)
			}
			req.OccurredAt = occurred
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/experiences", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result["status"] == "stored_without_embedding" {
			printWarning("stored %s without embedding, semantic search will skip it", result["id"])
			return nil
		}
		printSuccess("Stored experience %s", result["id"])
		return nil
	},
}

func init() {
	submitCmd.Flags().String("title", "", "record title")
	submitCmd.Flags().String("body", "", "record body text")
	submitCmd.Flags().String("category", "", "record category (dream, synchronicity, encounter, ...)")
	submitCmd.Flags().String("tags", "", "comma-separated tags")
	submitCmd.Flags().String("location", "", "where it happened")
	submitCmd.Flags().Bool("witness", false, "someone else was present")
	submitCmd.Flags().String("occurred", "", "occurrence date, YYYY-MM-DD")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline message outbox",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/outbox")
		if err != nil {
			return err
		}
		var status map[string]int
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		printStatus("Pending", "%d", status["pending"])
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Queue a message for later delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/outbox", api.OutboxEnqueueRequest{
			ConversationID: conversation,
			Role:           "user",
			Content:        args[0],
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued message %s", result["id"])
		return nil
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Attempt delivery of all queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/outbox/sync", nil)
		if err != nil {
			return err
		}
		var result outbox.SyncResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStatus("Delivered", "%d", result.Success)
		printStatus("Failed", "%d", result.Failed)
		return nil
	},
}

func init() {
	queueAddCmd.Flags().String("conversation", "", "conversation the message belongs to")
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueSyncCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show xpshare system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(serverURL + "/healthz")
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		if cfg.Embedding.OpenAIAPIKey != "" {
			printStatus("Embeddings", "openai (%s), ollama fallback", cfg.Embedding.OpenAIModel)
		} else {
			printStatus("Embeddings", "ollama (%s)", cfg.Embedding.OllamaModel)
		}
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
