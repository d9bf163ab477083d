package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/calinde/studybuddy/embeddings"
	"github.com/calinde/studybuddy/llm"
)

const (
	historyLimit = 6

	insufficientContextAnswer = "I don't have enough context to answer this question."

	chatTemperature = 0.7
	chatMaxTokens   = 2000
	qaTemperature   = 0.3
	qaMaxTokens     = 1000

	defaultTopK      = 8
	defaultMaxChunks = 8
)

// Service orchestrates one question-answering exchange: scope resolution,
// retrieval, context assembly, answer caching, generation and persistence.
// It holds shared-lifetime provider clients and keeps no per-request state.
type Service struct {
	conversations ConversationStore
	folders       FolderStore
	vectors       VectorStore
	graph         GraphStore
	embedder      embeddings.Embedder
	llm           llm.Client
	answers       *AnswerCache
	logger        *log.Logger
	topK          int
	maxChunks     int
}

type ServiceOptions struct {
	TopK             int
	MaxContextChunks int
}

func NewService(
	conversations ConversationStore,
	folders FolderStore,
	vectors VectorStore,
	graph GraphStore,
	embedder embeddings.Embedder,
	llmClient llm.Client,
	answers *AnswerCache,
	logger *log.Logger,
	opts ServiceOptions,
) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MaxContextChunks <= 0 {
		opts.MaxContextChunks = defaultMaxChunks
	}

	return &Service{
		conversations: conversations,
		folders:       folders,
		vectors:       vectors,
		graph:         graph,
		embedder:      embedder,
		llm:           llmClient,
		answers:       answers,
		logger:        logger,
		topK:          opts.TopK,
		maxChunks:     opts.MaxContextChunks,
	}
}

// SendMessage answers a question within a conversation and persists both
// turns. Repeated questions within the cache TTL are served from the answer
// cache without touching the retrieval or generation providers.
func (s *Service) SendMessage(ctx context.Context, owner, conversationID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, fmt.Errorf("message cannot be empty")
	}

	conv, err := s.conversations.Get(ctx, owner, conversationID)
	if err != nil {
		return Reply{}, err
	}

	key := s.answers.Key(owner, conv.Scope, message)
	if reply, ok := s.answers.Get(ctx, key); ok {
		if err := s.persistExchange(ctx, conv.ID, message, reply); err != nil {
			return Reply{}, err
		}
		return reply, nil
	}

	reply, shortCircuited, err := s.respond(ctx, owner, conv, message, nil)
	if err != nil {
		return Reply{}, err
	}

	if err := s.persistExchange(ctx, conv.ID, message, reply); err != nil {
		return Reply{}, err
	}

	if !shortCircuited {
		s.answers.Put(ctx, key, reply)
	}

	return reply, nil
}

// StreamMessage runs the same pipeline but forwards answer fragments to fn as
// the provider emits them. The cache is bypassed in both directions. Turns
// are persisted only after the provider stream ends cleanly; if fn returns an
// error (the consumer stopped draining) or generation fails mid-stream,
// nothing is persisted.
func (s *Service) StreamMessage(ctx context.Context, owner, conversationID, message string, fn func(string) error) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, fmt.Errorf("message cannot be empty")
	}
	if fn == nil {
		return Reply{}, fmt.Errorf("stream callback cannot be nil")
	}

	conv, err := s.conversations.Get(ctx, owner, conversationID)
	if err != nil {
		return Reply{}, err
	}

	reply, _, err := s.respond(ctx, owner, conv, message, fn)
	if err != nil {
		return Reply{}, err
	}

	if err := s.persistExchange(ctx, conv.ID, message, reply); err != nil {
		return Reply{}, err
	}

	return reply, nil
}

// Ask answers a one-shot question against the owner's entire corpus, outside
// any conversation.
func (s *Service) Ask(ctx context.Context, owner, question string, topK int) (Reply, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Reply{}, fmt.Errorf("question cannot be empty")
	}
	if topK <= 0 {
		topK = s.topK
	}

	key := s.answers.Key(owner, Scope{Type: ScopeAll}, question)
	if reply, ok := s.answers.Get(ctx, key); ok {
		return reply, nil
	}

	chunks, err := s.retrieve(ctx, question, RetrievalFilter{Owner: owner}, topK)
	if err != nil {
		return Reply{}, err
	}

	contextText, sources := BuildContext(chunks, topK)
	if contextText == "" {
		return Reply{Answer: insufficientContextAnswer, Sources: []Source{}}, nil
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: formatQAPrompt(contextText, question)}}
	answer, err := s.llm.Generate(ctx, messages, llm.GenerateOptions{Temperature: qaTemperature, MaxTokens: qaMaxTokens})
	if err != nil {
		return Reply{}, fmt.Errorf("llm generate: %w", err)
	}

	reply := Reply{Answer: strings.TrimSpace(answer), Sources: sources}
	s.answers.Put(ctx, key, reply)
	return reply, nil
}

// respond runs scope resolution through generation. The returned bool
// reports the empty-context short circuit, which callers must not cache.
func (s *Service) respond(ctx context.Context, owner string, conv Conversation, message string, streamFn func(string) error) (Reply, bool, error) {
	filter, err := ResolveScope(ctx, s.folders, owner, conv.Scope)
	if err != nil {
		return Reply{}, false, err
	}

	history, err := s.recentHistory(ctx, conv.ID)
	if err != nil {
		return Reply{}, false, err
	}

	chunks, err := s.retrieve(ctx, message, filter, s.topK)
	if err != nil {
		return Reply{}, false, err
	}

	contextText, sources := BuildContext(chunks, s.maxChunks)
	if contextText == "" {
		s.logger.Printf("no grounded context for conversation %s, skipping generation", conv.ID)
		if streamFn != nil {
			if err := streamFn(insufficientContextAnswer); err != nil {
				return Reply{}, false, err
			}
		}
		return Reply{Answer: insufficientContextAnswer, Sources: []Source{}}, true, nil
	}

	s.attachInsights(ctx, sources)

	messages := buildMessages(history, contextText, message)
	opts := llm.GenerateOptions{Temperature: chatTemperature, MaxTokens: chatMaxTokens}

	var answer string
	if streamFn != nil {
		answer, err = s.generateStreaming(ctx, messages, opts, streamFn)
	} else {
		answer, err = s.llm.Generate(ctx, messages, opts)
		if err != nil {
			err = fmt.Errorf("llm generate: %w", err)
		}
	}
	if err != nil {
		return Reply{}, false, err
	}

	return Reply{Answer: strings.TrimSpace(answer), Sources: sources}, false, nil
}

// generateStreaming prefers the provider's native stream and falls back to a
// single-fragment delivery when the client cannot stream.
func (s *Service) generateStreaming(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions, fn func(string) error) (string, error) {
	streamClient, ok := s.llm.(llm.StreamClient)
	if !ok {
		answer, err := s.llm.Generate(ctx, messages, opts)
		if err != nil {
			return "", fmt.Errorf("llm generate: %w", err)
		}
		if err := fn(answer); err != nil {
			return "", err
		}
		return answer, nil
	}

	var builder strings.Builder
	err := streamClient.GenerateStream(ctx, messages, opts, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		builder.WriteString(fragment)
		return fn(fragment)
	})
	if err != nil {
		return "", fmt.Errorf("llm stream generate: %w", err)
	}

	return builder.String(), nil
}

func (s *Service) retrieve(ctx context.Context, question string, filter RetrievalFilter, topK int) ([]ScoredChunk, error) {
	vector, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	chunks, err := s.vectors.SimilarChunks(ctx, vector, filter, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return filterByAllowedNotes(chunks, filter.AllowedNotes), nil
}

// recentHistory returns the newest turns as prompt messages, oldest first.
func (s *Service) recentHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	turns, err := s.conversations.RecentTurns(ctx, conversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	history := make([]llm.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		history = append(history, llm.Message{Role: turns[i].Role, Content: turns[i].Content})
	}

	return history, nil
}

func (s *Service) attachInsights(ctx context.Context, sources []Source) {
	if s.graph == nil || len(sources) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(sources))
	noteIDs := make([]string, 0, len(sources))
	for _, src := range sources {
		if src.NoteID == "" {
			continue
		}
		if _, ok := seen[src.NoteID]; ok {
			continue
		}
		seen[src.NoteID] = struct{}{}
		noteIDs = append(noteIDs, src.NoteID)
	}
	if len(noteIDs) == 0 {
		return
	}

	insights, err := s.graph.NoteInsights(ctx, noteIDs)
	if err != nil {
		s.logger.Printf("graph insights error: %v", err)
		return
	}

	for i := range sources {
		if insight, ok := insights[sources[i].NoteID]; ok {
			entry := insight
			sources[i].Insight = &entry
		}
	}
}

func (s *Service) persistExchange(ctx context.Context, conversationID, question string, reply Reply) error {
	if err := s.conversations.AppendTurn(ctx, conversationID, Turn{Role: llm.RoleUser, Content: question}); err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	if err := s.conversations.AppendTurn(ctx, conversationID, Turn{Role: llm.RoleAssistant, Content: reply.Answer, Sources: reply.Sources}); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}
	return nil
}
