package chat_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/calinde/studybuddy/chat"
)

func TestBuildContextNumbersBlocks(t *testing.T) {
	matches := []chat.ScoredChunk{
		{ChunkID: "c1", NoteID: "n1", Content: "first chunk", Score: 0.9},
		{ChunkID: "c2", NoteID: "n1", Content: "second chunk", Score: 0.8},
		{ChunkID: "c3", NoteID: "n2", Content: "third chunk", Score: 0.7},
	}

	contextText, sources := chat.BuildContext(matches, 8)

	want := "[1] first chunk\n\n[2] second chunk\n\n[3] third chunk"
	if contextText != want {
		t.Fatalf("unexpected context:\n%q\nwant:\n%q", contextText, want)
	}

	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}
	if sources[0].ChunkID != "c1" || sources[2].ChunkID != "c3" {
		t.Fatalf("sources out of order: %+v", sources)
	}
	if sources[1].Preview != "second chunk" {
		t.Fatalf("unexpected preview: %q", sources[1].Preview)
	}
}

func TestBuildContextTruncatesToMaxChunks(t *testing.T) {
	matches := []chat.ScoredChunk{
		{ChunkID: "c1", Content: "one", Score: 0.9},
		{ChunkID: "c2", Content: "two", Score: 0.8},
		{ChunkID: "c3", Content: "three", Score: 0.7},
	}

	contextText, sources := chat.BuildContext(matches, 2)

	if len(sources) != 2 {
		t.Fatalf("expected 2 sources after truncation, got %d", len(sources))
	}
	if strings.Contains(contextText, "three") {
		t.Fatal("truncated chunk leaked into context")
	}
}

func TestBuildContextCapsPreview(t *testing.T) {
	long := strings.Repeat("a", 600)
	_, sources := chat.BuildContext([]chat.ScoredChunk{{ChunkID: "c1", Content: long, Score: 0.9}}, 8)

	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if len(sources[0].Preview) != 250 {
		t.Fatalf("expected preview capped at 250 bytes, got %d", len(sources[0].Preview))
	}
}

func TestBuildContextPreviewKeepsRuneBoundary(t *testing.T) {
	// A two-byte rune straddles the 250-byte cap; the preview must back off
	// to the previous boundary rather than emit a split rune.
	content := strings.Repeat("a", 249) + strings.Repeat("é", 10)
	_, sources := chat.BuildContext([]chat.ScoredChunk{{ChunkID: "c1", Content: content, Score: 0.9}}, 8)

	preview := sources[0].Preview
	if !utf8.ValidString(preview) {
		t.Fatalf("preview is not valid UTF-8: %q", preview)
	}
	if len(preview) != 249 {
		t.Fatalf("expected preview trimmed to 249 bytes, got %d", len(preview))
	}
}

func TestBuildContextEmptyInput(t *testing.T) {
	contextText, sources := chat.BuildContext(nil, 8)
	if contextText != "" {
		t.Fatalf("expected empty context, got %q", contextText)
	}
	if sources != nil {
		t.Fatalf("expected nil sources, got %v", sources)
	}
}
