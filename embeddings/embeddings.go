// Package embeddings produces the vectors behind similarity search: note
// chunks are embedded at ingestion time, student questions at retrieval time.
// Some models encode the two differently, so the interface keeps them apart.
package embeddings

import (
	"context"
	"fmt"

	"github.com/calinde/studybuddy/config"
)

type Embedder interface {
	// EmbedDocuments embeds note chunks for indexing, one vector per chunk.
	EmbedDocuments(ctx context.Context, chunks []string) ([][]float32, error)
	// EmbedQuery embeds a question for searching against indexed chunks.
	EmbedQuery(ctx context.Context, question string) ([]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}
