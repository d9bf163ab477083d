package llm

import (
	"context"
	"fmt"

	"github.com/calinde/studybuddy/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// GenerateOptions carries per-call sampling parameters. A zero Model uses the
// client's configured default.
type GenerateOptions struct {
	Temperature float32
	MaxTokens   int
	Model       string
}

type Client interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}

// StreamClient is implemented by providers that can deliver the completion
// incrementally. The callback is invoked for each text fragment in order; a
// callback error aborts the stream and is returned unchanged.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions, fn func(string) error) error
}

// BlockedError reports that the provider refused or truncated the completion
// because of its own length, safety, or recitation policy.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("generation blocked: %s", e.Reason)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
