// Package knowledge mirrors notes, folders and chunks into Neo4j so the chat
// layer can enrich citations with graph context.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Note struct {
	ID         string
	Owner      string
	Title      string
	Path       string
	SHA        string
	FolderID   string
	FolderName string
	Chunks     []Chunk
}

type Chunk struct {
	ID       string
	Position int
}

func SyncNote(ctx context.Context, driver neo4j.DriverWithContext, note Note) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":          note.ID,
		"owner":       note.Owner,
		"title":       note.Title,
		"path":        note.Path,
		"sha":         note.SHA,
		"folder_id":   note.FolderID,
		"folder_name": note.FolderName,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (n:Note {id: $id})
			SET n.owner = $owner,
			    n.title = $title,
			    n.path = $path,
			    n.sha256 = $sha,
			    n.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert note node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (n:Note {id: $id})-[r:IN_FOLDER]->(:Folder)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale folder relation: %w", err)
		}

		if note.FolderID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (n:Note {id: $id})
				MERGE (f:Folder {id: $folder_id})
				SET f.name = $folder_name,
				    f.owner = $owner
				MERGE (n)-[:IN_FOLDER]->(f)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert folder relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (n:Note {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing chunks: %w", err)
		}

		for _, chunk := range note.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (n:Note {id: $note_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.position = $position
				MERGE (n)-[:HAS_CHUNK]->(c)
			`, map[string]any{
				"note_id":  note.ID,
				"chunk_id": chunk.ID,
				"position": chunk.Position,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node %d: %w", chunk.Position, err)
			}
		}

		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sync note %s: %w", note.ID, err)
	}

	return nil
}

// Purge removes every note, chunk and folder node. Used by the clear command.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (n:Note) DETACH DELETE n",
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (f:Folder) DETACH DELETE f",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}

	return nil
}
