package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type VectorStore interface {
	SimilarChunks(ctx context.Context, embedding []float32, filter RetrievalFilter, topK int) ([]ScoredChunk, error)
}

type PostgresVectorStore struct {
	pool *pgxpool.Pool
}

func NewPostgresVectorStore(pool *pgxpool.Pool) *PostgresVectorStore {
	return &PostgresVectorStore{pool: pool}
}

func (s *PostgresVectorStore) SimilarChunks(ctx context.Context, embedding []float32, filter RetrievalFilter, topK int) ([]ScoredChunk, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if filter.Owner == "" {
		return nil, fmt.Errorf("filter owner is required")
	}
	if topK <= 0 {
		topK = 8
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := topK * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	query := `
        SELECT id, note_id, position, content, (embedding <-> $1::vector) AS distance
        FROM rag_chunks
        WHERE user_id = $2
        ORDER BY embedding <-> $1::vector
        LIMIT $3
    `
	args := []any{pgvector.NewVector(embedding), filter.Owner, topK}
	if filter.NoteID != "" {
		query = `
        SELECT id, note_id, position, content, (embedding <-> $1::vector) AS distance
        FROM rag_chunks
        WHERE user_id = $2 AND note_id = $4
        ORDER BY embedding <-> $1::vector
        LIMIT $3
    `
		args = append(args, filter.NoteID)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredChunk, 0)
	for rows.Next() {
		var item ScoredChunk
		var distance float64
		if scanErr := rows.Scan(&item.ChunkID, &item.NoteID, &item.Position, &item.Content, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return results, nil
}

var _ VectorStore = (*PostgresVectorStore)(nil)
