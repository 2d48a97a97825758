package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/WhoKnows1337/XPShareV10-sub007/internal/api"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/citation"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/config"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/embedding"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/outbox"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/resilience"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/retrieval"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/serendipity"
	"github.com/WhoKnows1337/XPShareV10-sub007/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the xpshare server (HTTP API + MCP over stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "xpshare version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	embedder := buildEmbedder(cfg)
	retriever := retrieval.NewRetriever(embedder, store)
	detector := serendipity.NewDetector(store, serendipity.Config{})
	tracker := citation.NewTracker(store)
	box := outbox.New(store, outbox.Config{
		MaxRetries: cfg.Outbox.MaxRetries,
		BaseDelay:  cfg.Outbox.BaseDelay,
	})

	deps := api.Deps{
		Retriever: retriever,
		Detector:  detector,
		Citations: tracker,
		Store:     store,
		Embedder:  embedder,
		Outbox:    box,
		Token:     cfg.Server.Token,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Retriever: retriever,
			Detector:  detector,
			Citations: tracker,
			Store:     store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "xpshare listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildEmbedder stacks the configured providers behind retry, fallback,
// and a shared circuit breaker. OpenAI leads when a key is configured;
// Ollama serves as the local fallback.
func buildEmbedder(cfg config.Config) *embedding.ResilientEmbedder {
	breaker := resilience.NewCircuitBreaker(
		cfg.Resilience.BreakerThreshold,
		cfg.Resilience.BreakerResetAfter,
	)
	retry := resilience.RetryConfig{
		MaxAttempts: cfg.Resilience.RetryMaxAttempts,
		BaseDelay:   cfg.Resilience.RetryBaseDelay,
	}

	var providers []embedding.Embedder
	if cfg.Embedding.OpenAIAPIKey != "" {
		providers = append(providers, embedding.NewOpenAI(cfg.Embedding.OpenAIAPIKey, cfg.Embedding.OpenAIModel))
	}
	providers = append(providers, embedding.NewOllama(cfg.Embedding.OllamaURL, cfg.Embedding.OllamaModel))

	return embedding.NewResilient(breaker, retry, providers...)
}
