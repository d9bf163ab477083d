package chat

import (
	"errors"
	"time"
)

var (
	ErrInvalidScope         = errors.New("invalid conversation scope")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUnauthorized         = errors.New("conversation owned by another user")
)

type ScopeType string

const (
	ScopeDocument ScopeType = "doc"
	ScopeFolder   ScopeType = "folder"
	ScopeAll      ScopeType = "all"
)

// Scope declares which part of the owner's corpus a conversation may retrieve
// from. IDs must be non-empty for doc and folder scopes and is ignored for
// all. Scope is fixed at conversation creation.
type Scope struct {
	Type ScopeType `json:"type"`
	IDs  []string  `json:"ids"`
}

func (s Scope) Validate() error {
	switch s.Type {
	case ScopeAll:
		return nil
	case ScopeDocument, ScopeFolder:
		if len(s.IDs) == 0 {
			return ErrInvalidScope
		}
		return nil
	default:
		return ErrInvalidScope
	}
}

// RetrievalFilter is the concrete restriction handed to the vector store. A
// non-empty NoteID pins the index query to one note. AllowedNotes, when
// non-nil, is enforced by post-filtering matches in process because the index
// has no disjunctive filter; an empty non-nil set legitimately matches
// nothing.
type RetrievalFilter struct {
	Owner        string
	NoteID       string
	AllowedNotes map[string]struct{}
}

type ScoredChunk struct {
	ChunkID  string
	NoteID   string
	Position int
	Content  string
	Score    float64
}

type Source struct {
	ChunkID string       `json:"chunk_id"`
	NoteID  string       `json:"note_id,omitempty"`
	Score   float64      `json:"score"`
	Preview string       `json:"preview"`
	Insight *NoteInsight `json:"insight,omitempty"`
}

type NoteInsight struct {
	ChunkCount   int           `json:"chunk_count"`
	Folder       string        `json:"folder,omitempty"`
	RelatedNotes []RelatedNote `json:"related_notes,omitempty"`
}

type RelatedNote struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Title     string    `json:"title"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

type Reply struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}
