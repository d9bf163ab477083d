package config_test

import (
	"testing"
	"time"

	"github.com/calinde/studybuddy/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	if cfg.PostgresDSN == "" {
		t.Fatal("expected a default postgres DSN")
	}
	if cfg.Embeddings.Dimension <= 0 {
		t.Fatalf("expected positive embedding dimension, got %d", cfg.Embeddings.Dimension)
	}
	if cfg.AnswerCacheTTL != 30*time.Minute {
		t.Fatalf("expected 30m answer cache TTL, got %s", cfg.AnswerCacheTTL)
	}
	if cfg.RetrievalTopK != 8 || cfg.MaxContextChunks != 8 {
		t.Fatalf("unexpected retrieval defaults: topK=%d maxChunks=%d", cfg.RetrievalTopK, cfg.MaxContextChunks)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "12")
	t.Setenv("ANSWER_CACHE_TTL", "5m")
	t.Setenv("REDIS_CACHE_ENABLED", "false")

	cfg := config.Load()

	if cfg.RetrievalTopK != 12 {
		t.Fatalf("expected topK override, got %d", cfg.RetrievalTopK)
	}
	if cfg.AnswerCacheTTL != 5*time.Minute {
		t.Fatalf("expected TTL override, got %s", cfg.AnswerCacheTTL)
	}
	if cfg.RedisEnabled {
		t.Fatal("expected redis to be disabled")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "many")
	t.Setenv("ANSWER_CACHE_TTL", "soon")

	cfg := config.Load()

	if cfg.RetrievalTopK != 8 {
		t.Fatalf("malformed int should fall back to default, got %d", cfg.RetrievalTopK)
	}
	if cfg.AnswerCacheTTL != 30*time.Minute {
		t.Fatalf("malformed duration should fall back to default, got %s", cfg.AnswerCacheTTL)
	}
}
