package chat_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/calinde/studybuddy/chat"
	"github.com/calinde/studybuddy/embeddings"
	"github.com/calinde/studybuddy/llm"
)

type stubConversationStore struct {
	conv      chat.Conversation
	getErr    error
	recent    []chat.Turn
	appended  []chat.Turn
	appendErr error
}

func (s *stubConversationStore) Create(ctx context.Context, owner string, scope chat.Scope, title string) (string, error) {
	return "conv-1", nil
}

func (s *stubConversationStore) Get(ctx context.Context, owner, id string) (chat.Conversation, error) {
	if s.getErr != nil {
		return chat.Conversation{}, s.getErr
	}
	return s.conv, nil
}

func (s *stubConversationStore) ListSummaries(ctx context.Context, owner string, limit int) ([]chat.ConversationSummary, error) {
	return nil, nil
}

func (s *stubConversationStore) Turns(ctx context.Context, conversationID string) ([]chat.Turn, error) {
	return s.appended, nil
}

func (s *stubConversationStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]chat.Turn, error) {
	if limit < len(s.recent) {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}

func (s *stubConversationStore) AppendTurn(ctx context.Context, conversationID string, turn chat.Turn) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, turn)
	return nil
}

func (s *stubConversationStore) Delete(ctx context.Context, owner, id string) error {
	return nil
}

var _ chat.ConversationStore = (*stubConversationStore)(nil)

type stubFolderStore struct {
	parents map[string]string
	notes   map[string][]string
}

func (s *stubFolderStore) FolderParents(ctx context.Context, owner string) (map[string]string, error) {
	return s.parents, nil
}

func (s *stubFolderStore) NotesInFolders(ctx context.Context, owner string, folderIDs []string) ([]string, error) {
	var ids []string
	for _, folderID := range folderIDs {
		ids = append(ids, s.notes[folderID]...)
	}
	return ids, nil
}

var _ chat.FolderStore = (*stubFolderStore)(nil)

type stubVectorStore struct {
	results    []chat.ScoredChunk
	err        error
	lastFilter chat.RetrievalFilter
	lastTopK   int
	calls      int
}

func (s *stubVectorStore) SimilarChunks(ctx context.Context, embedding []float32, filter chat.RetrievalFilter, topK int) ([]chat.ScoredChunk, error) {
	s.calls++
	s.lastFilter = filter
	s.lastTopK = topK
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

var _ chat.VectorStore = (*stubVectorStore)(nil)

type stubGraphStore struct {
	data map[string]chat.NoteInsight
	err  error
}

func (s *stubGraphStore) NoteInsights(ctx context.Context, noteIDs []string) (map[string]chat.NoteInsight, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return map[string]chat.NoteInsight{}, nil
	}
	return s.data, nil
}

var _ chat.GraphStore = (*stubGraphStore)(nil)

type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, chunks []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	vectors := make([][]float32, len(chunks))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, question string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

var _ embeddings.Embedder = (*stubEmbedder)(nil)

type stubLLM struct {
	answer   string
	err      error
	calls    int
	messages []llm.Message
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	s.calls++
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

type stubStreamLLM struct {
	fragments []string
	err       error
	calls     int
}

func (s *stubStreamLLM) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	s.calls++
	return strings.Join(s.fragments, ""), s.err
}

func (s *stubStreamLLM) GenerateStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions, fn func(string) error) error {
	s.calls++
	for _, fragment := range s.fragments {
		if err := fn(fragment); err != nil {
			return err
		}
	}
	return s.err
}

var _ llm.StreamClient = (*stubStreamLLM)(nil)

type memoryStore struct {
	entries map[string][]byte
	sets    int
	lastTTL time.Duration
	deleted []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string][]byte{}}
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := m.entries[key]
	return value, ok
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.sets++
	m.lastTTL = ttl
	m.entries[key] = value
}

func (m *memoryStore) Delete(ctx context.Context, key string) {
	m.deleted = append(m.deleted, key)
	delete(m.entries, key)
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func allScopeConversation() chat.Conversation {
	return chat.Conversation{ID: "conv-1", Owner: "user-1", Scope: chat.Scope{Type: chat.ScopeAll}}
}

func TestSendMessageAnswersAndPersists(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	vectors := &stubVectorStore{results: []chat.ScoredChunk{
		{ChunkID: "c1", NoteID: "n1", Content: "Photosynthesis converts light into chemical energy.", Score: 0.91},
		{ChunkID: "c2", NoteID: "n1", Content: "Chlorophyll absorbs red and blue light.", Score: 0.80},
		{ChunkID: "c3", NoteID: "n2", Content: "Mitochondria produce ATP.", Score: 0.42},
	}}
	model := &stubLLM{answer: "Light is converted into chemical energy [1]."}
	store := newMemoryStore()

	svc := chat.NewService(
		conversations,
		&stubFolderStore{},
		vectors,
		&stubGraphStore{data: map[string]chat.NoteInsight{"n1": {ChunkCount: 4, Folder: "biology"}}},
		&stubEmbedder{},
		model,
		chat.NewAnswerCache(store, time.Minute, discard()),
		discard(),
		chat.ServiceOptions{},
	)

	reply, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "How does photosynthesis work?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Answer != "Light is converted into chemical energy [1]." {
		t.Fatalf("unexpected answer: %q", reply.Answer)
	}
	if len(reply.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(reply.Sources))
	}
	if reply.Sources[0].Insight == nil || reply.Sources[0].Insight.ChunkCount != 4 {
		t.Fatalf("expected insight on first source, got %+v", reply.Sources[0].Insight)
	}

	if len(conversations.appended) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(conversations.appended))
	}
	if conversations.appended[0].Role != llm.RoleUser || conversations.appended[1].Role != llm.RoleAssistant {
		t.Fatalf("turns persisted in wrong order: %s, %s", conversations.appended[0].Role, conversations.appended[1].Role)
	}
	if len(conversations.appended[1].Sources) != 3 {
		t.Fatalf("assistant turn should carry sources, got %d", len(conversations.appended[1].Sources))
	}

	if store.sets != 1 {
		t.Fatalf("expected answer to be cached once, got %d sets", store.sets)
	}
}

func TestSendMessageCacheHitSkipsProviders(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	embedder := &stubEmbedder{err: errors.New("embedder must not be called")}
	model := &stubLLM{err: errors.New("llm must not be called")}
	answers := chat.NewAnswerCache(newMemoryStore(), time.Minute, discard())

	key := answers.Key("user-1", chat.Scope{Type: chat.ScopeAll}, "What is osmosis?")
	answers.Put(context.Background(), key, chat.Reply{Answer: "Cached answer.", Sources: []chat.Source{{ChunkID: "c1"}}})

	svc := chat.NewService(conversations, &stubFolderStore{}, &stubVectorStore{}, &stubGraphStore{}, embedder, model, answers, discard(), chat.ServiceOptions{})

	reply, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "What is osmosis?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Answer != "Cached answer." {
		t.Fatalf("expected cached answer, got %q", reply.Answer)
	}
	if embedder.calls != 0 || model.calls != 0 {
		t.Fatalf("providers were called on cache hit: embedder=%d llm=%d", embedder.calls, model.calls)
	}
	if len(conversations.appended) != 2 {
		t.Fatalf("cache hit should still persist both turns, got %d", len(conversations.appended))
	}
}

func TestSendMessageInsufficientContextSkipsGenerationAndCache(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	model := &stubLLM{err: errors.New("llm must not be called")}
	store := newMemoryStore()

	svc := chat.NewService(
		conversations,
		&stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{}},
		&stubGraphStore{},
		&stubEmbedder{},
		model,
		chat.NewAnswerCache(store, time.Minute, discard()),
		discard(),
		chat.ServiceOptions{},
	)

	reply, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "Anything about quantum gravity?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Answer != "I don't have enough context to answer this question." {
		t.Fatalf("unexpected answer: %q", reply.Answer)
	}
	if len(reply.Sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(reply.Sources))
	}
	if model.calls != 0 {
		t.Fatalf("llm should not run without context, ran %d times", model.calls)
	}
	if len(conversations.appended) != 2 {
		t.Fatalf("expected the exchange to be persisted, got %d turns", len(conversations.appended))
	}
	if store.sets != 0 {
		t.Fatalf("fallback answer must not be cached, got %d sets", store.sets)
	}
}

func TestSendMessagePinsSingleDocumentScope(t *testing.T) {
	conversations := &stubConversationStore{conv: chat.Conversation{
		ID: "conv-1", Owner: "user-1",
		Scope: chat.Scope{Type: chat.ScopeDocument, IDs: []string{"n1"}},
	}}
	vectors := &stubVectorStore{results: []chat.ScoredChunk{
		{ChunkID: "c1", NoteID: "n1", Content: "pinned content", Score: 0.9},
	}}

	svc := chat.NewService(conversations, &stubFolderStore{}, vectors, &stubGraphStore{}, &stubEmbedder{},
		&stubLLM{answer: "ok"}, chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	if _, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "question"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if vectors.lastFilter.NoteID != "n1" {
		t.Fatalf("expected index query pinned to n1, got %q", vectors.lastFilter.NoteID)
	}
	if vectors.lastFilter.AllowedNotes != nil {
		t.Fatal("single-document scope should not use an allow-set")
	}
}

func TestSendMessagePostFiltersFolderScope(t *testing.T) {
	conversations := &stubConversationStore{conv: chat.Conversation{
		ID: "conv-1", Owner: "user-1",
		Scope: chat.Scope{Type: chat.ScopeFolder, IDs: []string{"f1"}},
	}}
	folders := &stubFolderStore{
		parents: map[string]string{"f1": "", "f2": "f1"},
		notes:   map[string][]string{"f1": {"n1"}, "f2": {"n2"}},
	}
	vectors := &stubVectorStore{results: []chat.ScoredChunk{
		{ChunkID: "c1", NoteID: "n1", Content: "in scope", Score: 0.9},
		{ChunkID: "c2", NoteID: "n3", Content: "out of scope", Score: 0.8},
		{ChunkID: "c3", NoteID: "n2", Content: "nested folder", Score: 0.7},
	}}

	svc := chat.NewService(conversations, folders, vectors, &stubGraphStore{}, &stubEmbedder{},
		&stubLLM{answer: "ok"}, chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	reply, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reply.Sources) != 2 {
		t.Fatalf("expected 2 in-scope sources, got %d", len(reply.Sources))
	}
	for _, source := range reply.Sources {
		if source.NoteID == "n3" {
			t.Fatal("out-of-scope note leaked into sources")
		}
	}
	if vectors.lastTopK != 8 {
		t.Fatalf("index should be queried with the configured top_k, got %d", vectors.lastTopK)
	}
}

func TestSendMessageBoundsHistoryChronologically(t *testing.T) {
	// RecentTurns yields newest first; prompts must replay oldest first.
	conversations := &stubConversationStore{
		conv: allScopeConversation(),
		recent: []chat.Turn{
			{Role: llm.RoleAssistant, Content: "A2"},
			{Role: llm.RoleUser, Content: "Q2"},
			{Role: llm.RoleAssistant, Content: "A1"},
			{Role: llm.RoleUser, Content: "Q1"},
		},
	}
	model := &stubLLM{answer: "ok"}

	svc := chat.NewService(conversations, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	if _, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "Q3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// system, Q1, A1, Q2, A2, final user prompt
	if len(model.messages) != 6 {
		t.Fatalf("expected 6 prompt messages, got %d", len(model.messages))
	}
	if model.messages[0].Role != llm.RoleSystem {
		t.Fatalf("first message should be the system prompt, got %s", model.messages[0].Role)
	}
	wantHistory := []string{"Q1", "A1", "Q2", "A2"}
	for i, want := range wantHistory {
		if model.messages[i+1].Content != want {
			t.Fatalf("history out of order at %d: got %q, want %q", i+1, model.messages[i+1].Content, want)
		}
	}
	if !strings.Contains(model.messages[5].Content, "Q3") {
		t.Fatalf("final message should contain the question, got %q", model.messages[5].Content)
	}
}

func TestSendMessageValidatesInput(t *testing.T) {
	svc := chat.NewService(&stubConversationStore{conv: allScopeConversation()}, &stubFolderStore{},
		&stubVectorStore{}, &stubGraphStore{}, &stubEmbedder{}, &stubLLM{},
		chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	if _, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "   "); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestSendMessagePropagatesConversationErrors(t *testing.T) {
	conversations := &stubConversationStore{getErr: chat.ErrConversationNotFound}
	svc := chat.NewService(conversations, &stubFolderStore{}, &stubVectorStore{}, &stubGraphStore{},
		&stubEmbedder{}, &stubLLM{}, chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	if _, err := svc.SendMessage(context.Background(), "user-1", "missing", "question"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestStreamMessageDeliversFragmentsAndPersists(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	model := &stubStreamLLM{fragments: []string{"Water moves ", "across the membrane."}}
	store := newMemoryStore()

	svc := chat.NewService(conversations, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(store, time.Minute, discard()), discard(), chat.ServiceOptions{})

	var received []string
	reply, err := svc.StreamMessage(context.Background(), "user-1", "conv-1", "What is osmosis?", func(fragment string) error {
		received = append(received, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(received))
	}
	if reply.Answer != "Water moves across the membrane." {
		t.Fatalf("unexpected assembled answer: %q", reply.Answer)
	}
	if len(conversations.appended) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(conversations.appended))
	}
	if store.sets != 0 {
		t.Fatalf("streaming must bypass the cache, got %d sets", store.sets)
	}
}

func TestStreamMessageConsumerAbortSkipsPersistence(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	model := &stubStreamLLM{fragments: []string{"first", "second", "third"}}

	svc := chat.NewService(conversations, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	abort := errors.New("consumer went away")
	_, err := svc.StreamMessage(context.Background(), "user-1", "conv-1", "question", func(fragment string) error {
		return abort
	})
	if err == nil {
		t.Fatal("expected error when consumer aborts")
	}
	if len(conversations.appended) != 0 {
		t.Fatalf("aborted stream must not persist turns, got %d", len(conversations.appended))
	}
}

func TestStreamMessageBlockedGenerationSkipsPersistence(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	model := &stubStreamLLM{
		fragments: []string{"partial "},
		err:       &llm.BlockedError{Reason: "response blocked by the provider's content filter"},
	}

	svc := chat.NewService(conversations, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	_, err := svc.StreamMessage(context.Background(), "user-1", "conv-1", "question", func(string) error { return nil })

	var blocked *llm.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if len(conversations.appended) != 0 {
		t.Fatalf("blocked generation must not persist turns, got %d", len(conversations.appended))
	}
}

func TestStreamMessageFallsBackWithoutStreamSupport(t *testing.T) {
	conversations := &stubConversationStore{conv: allScopeConversation()}
	model := &stubLLM{answer: "whole answer at once"}

	svc := chat.NewService(conversations, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(newMemoryStore(), time.Minute, discard()), discard(), chat.ServiceOptions{})

	var received []string
	reply, err := svc.StreamMessage(context.Background(), "user-1", "conv-1", "question", func(fragment string) error {
		received = append(received, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 1 || received[0] != "whole answer at once" {
		t.Fatalf("expected single-fragment fallback, got %v", received)
	}
	if reply.Answer != "whole answer at once" {
		t.Fatalf("unexpected answer: %q", reply.Answer)
	}
}

func TestAskCachesAnswer(t *testing.T) {
	model := &stubLLM{answer: "One-shot answer."}
	embedder := &stubEmbedder{}
	store := newMemoryStore()

	svc := chat.NewService(&stubConversationStore{}, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{{ChunkID: "c1", NoteID: "n1", Content: "ctx", Score: 0.9}}},
		&stubGraphStore{}, embedder, model,
		chat.NewAnswerCache(store, time.Minute, discard()), discard(), chat.ServiceOptions{})

	first, err := svc.Ask(context.Background(), "user-1", "What is mitosis?", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Ask(context.Background(), "user-1", "What is mitosis?", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Answer != second.Answer {
		t.Fatalf("answers differ: %q vs %q", first.Answer, second.Answer)
	}
	if model.calls != 1 {
		t.Fatalf("second ask should hit the cache, llm ran %d times", model.calls)
	}
	if embedder.calls != 1 {
		t.Fatalf("second ask should not re-embed, embedder ran %d times", embedder.calls)
	}
}

func TestAskInsufficientContextNotCached(t *testing.T) {
	model := &stubLLM{err: errors.New("llm must not be called")}
	store := newMemoryStore()

	svc := chat.NewService(&stubConversationStore{}, &stubFolderStore{},
		&stubVectorStore{results: []chat.ScoredChunk{}}, &stubGraphStore{}, &stubEmbedder{}, model,
		chat.NewAnswerCache(store, time.Minute, discard()), discard(), chat.ServiceOptions{})

	reply, err := svc.Ask(context.Background(), "user-1", "question", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Answer != "I don't have enough context to answer this question." {
		t.Fatalf("unexpected answer: %q", reply.Answer)
	}
	if store.sets != 0 {
		t.Fatalf("fallback answer must not be cached, got %d sets", store.sets)
	}
}
