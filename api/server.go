package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/calinde/studybuddy/chat"
	"github.com/calinde/studybuddy/llm"
)

// ChatService is the question-answering surface the server exposes.
type ChatService interface {
	SendMessage(ctx context.Context, owner, conversationID, message string) (chat.Reply, error)
	StreamMessage(ctx context.Context, owner, conversationID, message string, fn func(string) error) (chat.Reply, error)
}

type Ingester interface {
	IngestDirectory(ctx context.Context, owner, dir string) error
}

// Server exposes the conversational HTTP API. It holds shared, long-lived
// services; nothing is constructed per request.
type Server struct {
	logger        *log.Logger
	chat          ChatService
	conversations chat.ConversationStore
	ingester      Ingester
	dataDir       string
	handler       http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type createConversationRequest struct {
	Scope chat.Scope `json:"scope"`
	Title string     `json:"title"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

func New(chatSvc ChatService, conversations chat.ConversationStore, ingester Ingester, dataDir string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		logger:        logger,
		chat:          chatSvc,
		conversations: conversations,
		ingester:      ingester,
		dataDir:       dataDir,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/stream", s.handleStreamMessage)
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := req.Scope.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.conversations.Create(r.Context(), owner, req.Scope, strings.TrimSpace(req.Title))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createConversationResponse{ConversationID: id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	summaries, err := s.conversations.ListSummaries(r.Context(), owner, 50)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	conv, err := s.conversations.Get(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	turns, err := s.conversations.Turns(r.Context(), conv.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		chat.Conversation
		Turns []chat.Turn `json:"turns"`
	}{conv, turns})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	if err := s.conversations.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}

	reply, err := s.chat.SendMessage(r.Context(), owner, r.PathValue("id"), req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, reply)
}

// handleStreamMessage delivers the answer as Server-Sent Events. The stream
// always terminates with an explicit sentinel: [DONE] on success, or
// [ERROR] <reason> so the consumer can tell a failure from a clean close.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(payload string) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.chat.StreamMessage(r.Context(), owner, r.PathValue("id"), req.Message, writeEvent)
	if err != nil {
		s.logger.Printf("stream error: %v", err)
		_ = writeEvent("[ERROR] " + err.Error())
		return
	}

	_ = writeEvent("[DONE]")
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = s.dataDir
	}

	if err := s.ingester.IngestDirectory(r.Context(), owner, dir); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("ingestion failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ingestion complete"})
}

// owner extracts the authenticated user id. Verification of the identity
// itself happens upstream of this service.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if owner == "" {
		s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing X-User-ID header"))
		return "", false
	}
	return owner, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidScope):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, chat.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, chat.ErrConversationNotFound):
		s.writeError(w, http.StatusNotFound, err)
	default:
		var blocked *llm.BlockedError
		if errors.As(err, &blocked) {
			s.writeError(w, http.StatusInternalServerError, blocked)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
