package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type FolderStore interface {
	// FolderParents returns a folder_id -> parent_id map for every folder the
	// owner has. Root folders map to the empty string.
	FolderParents(ctx context.Context, owner string) (map[string]string, error)
	NotesInFolders(ctx context.Context, owner string, folderIDs []string) ([]string, error)
}

// ResolveScope turns a conversation scope into a retrieval filter. Folder
// scopes are expanded to their full descendant closure and then to a note
// allow-set; multi-document scopes become an allow-set directly, since the
// vector index cannot filter on a disjunction of note ids.
func ResolveScope(ctx context.Context, folders FolderStore, owner string, scope Scope) (RetrievalFilter, error) {
	filter := RetrievalFilter{Owner: owner}

	switch scope.Type {
	case ScopeAll:
		return filter, nil

	case ScopeDocument:
		if len(scope.IDs) == 0 {
			return RetrievalFilter{}, fmt.Errorf("%w: doc scope requires ids", ErrInvalidScope)
		}
		if len(scope.IDs) == 1 {
			filter.NoteID = scope.IDs[0]
			return filter, nil
		}
		filter.AllowedNotes = make(map[string]struct{}, len(scope.IDs))
		for _, id := range scope.IDs {
			filter.AllowedNotes[id] = struct{}{}
		}
		return filter, nil

	case ScopeFolder:
		if len(scope.IDs) == 0 {
			return RetrievalFilter{}, fmt.Errorf("%w: folder scope requires ids", ErrInvalidScope)
		}
		parents, err := folders.FolderParents(ctx, owner)
		if err != nil {
			return RetrievalFilter{}, fmt.Errorf("load folder tree: %w", err)
		}

		closure := expandFolders(scope.IDs, parents)
		noteIDs, err := folders.NotesInFolders(ctx, owner, closure)
		if err != nil {
			return RetrievalFilter{}, fmt.Errorf("list notes in folders: %w", err)
		}

		filter.AllowedNotes = make(map[string]struct{}, len(noteIDs))
		for _, id := range noteIDs {
			filter.AllowedNotes[id] = struct{}{}
		}
		return filter, nil

	default:
		return RetrievalFilter{}, fmt.Errorf("%w: unknown scope type %q", ErrInvalidScope, scope.Type)
	}
}

// expandFolders walks the child relation derived from the parent map and
// returns the requested folders plus every reachable descendant. The visited
// set guarantees each folder is processed once, so traversal terminates even
// if the stored parent graph contains a cycle.
func expandFolders(roots []string, parents map[string]string) []string {
	children := make(map[string][]string, len(parents))
	for id, parent := range parents {
		if parent == "" {
			continue
		}
		children[parent] = append(children[parent], id)
	}

	visited := make(map[string]struct{}, len(roots))
	closure := make([]string, 0, len(roots))
	queue := append([]string(nil), roots...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		closure = append(closure, id)
		queue = append(queue, children[id]...)
	}

	return closure
}

type PostgresFolderStore struct {
	pool *pgxpool.Pool
}

func NewPostgresFolderStore(pool *pgxpool.Pool) *PostgresFolderStore {
	return &PostgresFolderStore{pool: pool}
}

func (s *PostgresFolderStore) FolderParents(ctx context.Context, owner string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, parent_id FROM folders WHERE user_id = $1", owner)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	parents := make(map[string]string)
	for rows.Next() {
		var id string
		var parent *string
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("scan folder row: %w", err)
		}
		if parent != nil {
			parents[id] = *parent
		} else {
			parents[id] = ""
		}
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return parents, nil
}

func (s *PostgresFolderStore) NotesInFolders(ctx context.Context, owner string, folderIDs []string) ([]string, error) {
	if len(folderIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id FROM notes WHERE user_id = $1 AND folder_id = ANY($2)",
		owner, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("query notes by folder: %w", err)
	}
	defer rows.Close()

	noteIDs := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		noteIDs = append(noteIDs, id)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return noteIDs, nil
}

var _ FolderStore = (*PostgresFolderStore)(nil)
