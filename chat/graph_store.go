package chat

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type GraphStore interface {
	NoteInsights(ctx context.Context, noteIDs []string) (map[string]NoteInsight, error)
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

func (s *Neo4jGraphStore) NoteInsights(ctx context.Context, noteIDs []string) (map[string]NoteInsight, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(noteIDs) == 0 {
		return map[string]NoteInsight{}, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (n:Note)
		WHERE n.id IN $ids
		OPTIONAL MATCH (n)-[:HAS_CHUNK]->(c:Chunk)
		OPTIONAL MATCH (n)-[:IN_FOLDER]->(f:Folder)
		OPTIONAL MATCH (f)<-[:IN_FOLDER]-(sibling:Note)
		WITH n, f,
		     count(DISTINCT c) AS chunkCount,
		     collect(DISTINCT sibling) AS siblingNodes
		RETURN n.id AS id,
		       chunkCount,
		       f.name AS folder,
		       [s IN siblingNodes WHERE s IS NOT NULL AND s.id <> n.id | {id: s.id, title: s.title}] AS relatedNotes
	`, map[string]any{"ids": noteIDs})
	if err != nil {
		return nil, fmt.Errorf("run neo4j insights query: %w", err)
	}

	insights := make(map[string]NoteInsight, len(noteIDs))
	for result.Next(ctx) {
		record := result.Record()
		idVal, _ := record.Get("id")
		countVal, _ := record.Get("chunkCount")
		folderVal, _ := record.Get("folder")
		relatedVal, _ := record.Get("relatedNotes")

		noteID, ok := idVal.(string)
		if !ok {
			continue
		}

		var chunkCount int64
		switch v := countVal.(type) {
		case int64:
			chunkCount = v
		case int32:
			chunkCount = int64(v)
		}

		folder, _ := folderVal.(string)

		insights[noteID] = NoteInsight{
			ChunkCount:   int(chunkCount),
			Folder:       folder,
			RelatedNotes: convertRelatedNotes(relatedVal),
		}
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j insights result error: %w", err)
	}

	return insights, nil
}

func convertRelatedNotes(value any) []RelatedNote {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}

	related := make([]RelatedNote, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		title, _ := entry["title"].(string)
		if id == "" {
			continue
		}
		related = append(related, RelatedNote{ID: id, Title: title})
	}

	if len(related) == 0 {
		return nil
	}
	return related
}

var _ GraphStore = (*Neo4jGraphStore)(nil)
