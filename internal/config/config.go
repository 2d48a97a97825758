// Package config loads engine configuration from defaults, an optional
// .env file, and XPSHARE_* environment variables, in that order.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Resilience ResilienceConfig
	Outbox     OutboxConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port  int
	Token string // optional bearer token for /v1 routes
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	OpenAIAPIKey string
	OpenAIModel  string
	OllamaURL    string
	OllamaModel  string
}

type RetrievalConfig struct {
	MaxResults int
}

type ResilienceConfig struct {
	BreakerThreshold  int
	BreakerResetAfter time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
}

type OutboxConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			OpenAIModel: "text-embedding-3-small",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
		},
		Retrieval: RetrievalConfig{
			MaxResults: 10,
		},
		Resilience: ResilienceConfig{
			BreakerThreshold:  5,
			BreakerResetAfter: 30 * time.Second,
			RetryMaxAttempts:  3,
			RetryBaseDelay:    100 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. A .env file in the working directory
// is honored when present; XPSHARE_* environment variables override
// everything.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".xpshare")
	}
	return ".xpshare"
}
