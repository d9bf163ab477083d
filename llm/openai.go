package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
	}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, opts, false))
	if err != nil {
		return "", fmt.Errorf("create openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", &BlockedError{Reason: "no completion choices returned"}
	}

	choice := resp.Choices[0]
	if err := checkFinishReason(choice.FinishReason); err != nil {
		return "", err
	}

	return choice.Message.Content, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions, fn func(string) error) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, opts, true))
	if err != nil {
		return fmt.Errorf("create openai chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive openai stream chunk: %w", err)
		}

		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if err := checkFinishReason(choice.FinishReason); err != nil {
			return err
		}

		if choice.Delta.Content != "" {
			if err := fn(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (c *openAIClient) buildRequest(messages []Message, opts GenerateOptions, stream bool) openai.ChatCompletionRequest {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}

	req.Messages = make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	return req
}

func checkFinishReason(reason openai.FinishReason) error {
	switch reason {
	case "", openai.FinishReasonStop, openai.FinishReasonNull, openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return nil
	case openai.FinishReasonLength:
		return &BlockedError{Reason: "response exceeded the maximum token limit"}
	case openai.FinishReasonContentFilter:
		return &BlockedError{Reason: "response blocked by the provider's content filter"}
	default:
		return &BlockedError{Reason: fmt.Sprintf("completion ended with finish reason %q", reason)}
	}
}

var _ StreamClient = (*openAIClient)(nil)
