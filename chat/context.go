package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const previewLimit = 250

// BuildContext turns ranked matches into the numbered context block fed to
// the model and a parallel list of citable sources. Numbering is 1-indexed
// and matches the [N] citations the prompt asks for. Empty input yields an
// empty context, which callers treat as insufficient grounding rather than an
// error.
func BuildContext(matches []ScoredChunk, maxChunks int) (string, []Source) {
	if maxChunks > 0 && len(matches) > maxChunks {
		matches = matches[:maxChunks]
	}
	if len(matches) == 0 {
		return "", nil
	}

	blocks := make([]string, 0, len(matches))
	sources := make([]Source, 0, len(matches))

	for i, match := range matches {
		blocks = append(blocks, fmt.Sprintf("[%d] %s", i+1, match.Content))

		preview := match.Content
		if len(preview) > previewLimit {
			cut := previewLimit
			for cut > 0 && !utf8.RuneStart(preview[cut]) {
				cut--
			}
			preview = preview[:cut]
		}
		sources = append(sources, Source{
			ChunkID: match.ChunkID,
			NoteID:  match.NoteID,
			Score:   match.Score,
			Preview: preview,
		})
	}

	return strings.Join(blocks, "\n\n"), sources
}

// filterByAllowedNotes drops matches whose note is outside the allow-set.
// The index was queried with the caller's top_k, so a narrow allow-set can
// return fewer matches than requested.
func filterByAllowedNotes(matches []ScoredChunk, allowed map[string]struct{}) []ScoredChunk {
	if allowed == nil {
		return matches
	}
	filtered := make([]ScoredChunk, 0, len(matches))
	for _, match := range matches {
		if _, ok := allowed[match.NoteID]; ok {
			filtered = append(filtered, match)
		}
	}
	return filtered
}
