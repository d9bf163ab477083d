package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calinde/studybuddy/config"
	"github.com/calinde/studybuddy/llm"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := llm.NewClient(cfg)
	if err != nil {
		t.Fatalf("expected llm client, got error: %v", err)
	}

	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o-mini",
		},
	}

	if _, err := llm.NewClient(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: "bedrock"}}
	if _, err := llm.NewClient(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBlockedErrorMatchesWithErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("llm generate: %w", &llm.BlockedError{Reason: "response exceeded the maximum token limit"})

	var blocked *llm.BlockedError
	if !errors.As(wrapped, &blocked) {
		t.Fatal("expected errors.As to unwrap BlockedError")
	}
	if blocked.Reason != "response exceeded the maximum token limit" {
		t.Fatalf("unexpected reason: %q", blocked.Reason)
	}
	if !strings.Contains(blocked.Error(), "generation blocked") {
		t.Fatalf("unexpected error text: %q", blocked.Error())
	}
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Hello there."},"done":true}`)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: server.URL, Model: "llama3.1:8b"})

	answer, err := client.Generate(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerateOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "Hello there." {
		t.Fatalf("unexpected answer: %q", answer)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"world."},"done":true}`)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: server.URL, Model: "llama3.1:8b"})
	streamer, ok := client.(llm.StreamClient)
	if !ok {
		t.Fatal("ollama client should support streaming")
	}

	var fragments []string
	err := streamer.GenerateStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerateOptions{}, func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(fragments, "") != "Hello world." {
		t.Fatalf("unexpected fragments: %v", fragments)
	}
}

func TestOllamaGenerateStreamCallbackAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"first"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"second"},"done":true}`)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: server.URL, Model: "llama3.1:8b"})
	streamer := client.(llm.StreamClient)

	abort := errors.New("stop")
	err := streamer.GenerateStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerateOptions{}, func(string) error {
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected callback error to surface unchanged, got %v", err)
	}
}

func TestOllamaGenerateSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: server.URL, Model: "missing"})

	if _, err := client.Generate(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.GenerateOptions{}); err == nil {
		t.Fatal("expected error from API failure")
	}
}
