package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "XPSHARE_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "XPSHARE_SERVER_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		env: "XPSHARE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "XPSHARE_OPENAI_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedding.OpenAIAPIKey = v.(string) },
	},
	{
		env: "XPSHARE_OPENAI_EMBED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedding.OpenAIModel = v.(string) },
	},
	{
		env: "XPSHARE_OLLAMA_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedding.OllamaURL = v.(string) },
	},
	{
		env: "XPSHARE_OLLAMA_EMBED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedding.OllamaModel = v.(string) },
	},
	{
		env: "XPSHARE_RETRIEVAL_MAX_RESULTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Retrieval.MaxResults = v.(int) },
	},
	{
		env: "XPSHARE_BREAKER_THRESHOLD", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Resilience.BreakerThreshold = v.(int) },
	},
	{
		env: "XPSHARE_BREAKER_RESET_AFTER", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Resilience.BreakerResetAfter = v.(time.Duration) },
	},
	{
		env: "XPSHARE_RETRY_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Resilience.RetryMaxAttempts = v.(int) },
	},
	{
		env: "XPSHARE_RETRY_BASE_DELAY", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Resilience.RetryBaseDelay = v.(time.Duration) },
	},
	{
		env: "XPSHARE_OUTBOX_MAX_RETRIES", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Outbox.MaxRetries = v.(int) },
	},
	{
		env: "XPSHARE_OUTBOX_BASE_DELAY", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Outbox.BaseDelay = v.(time.Duration) },
	},
	{
		env: "XPSHARE_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
