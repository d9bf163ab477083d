package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	stdpath "path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pgvector/pgvector-go"

	"github.com/calinde/studybuddy/database"
	"github.com/calinde/studybuddy/embeddings"
	"github.com/calinde/studybuddy/knowledge"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// txBeginner is the slice of pgxpool.Pool the file pipeline needs.
type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Service struct {
	pool      *pgxpool.Pool
	db        txBeginner
	driver    neo4j.DriverWithContext
	embedder  embeddings.Embedder
	logger    *log.Logger
	dimension int
}

func NewService(pool *pgxpool.Pool, driver neo4j.DriverWithContext, embedder embeddings.Embedder, logger *log.Logger, dimension int) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		pool:      pool,
		db:        pool,
		driver:    driver,
		embedder:  embedder,
		logger:    logger,
		dimension: dimension,
	}
}

// IngestDirectory walks dir and indexes every supported document for the
// owner. Subdirectories become folders; nesting is preserved as a parent
// chain. Files whose content hash is unchanged are skipped.
func (s *Service) IngestDirectory(ctx context.Context, owner, dir string) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if s.embedder == nil {
		return fmt.Errorf("embedder not configured")
	}
	if err := database.EnsureSchema(ctx, s.pool, s.dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("no supported documents found in %s", dir)
		return nil
	}

	for _, path := range entries {
		if err := s.ingestFile(ctx, owner, dir, path); err != nil {
			s.logger.Printf("ingest failed for %s: %v", path, err)
		}
	}

	return nil
}

func (s *Service) ingestFile(ctx context.Context, owner, root, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)
	folderPath := stdpath.Dir(relPath)
	if folderPath == "." || folderPath == "/" {
		folderPath = ""
	}

	content, err := ExtractText(DetectFormat(path), path, data)
	if err != nil {
		return err
	}

	title := ExtractTitle(content, filepath.Base(path))
	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])

	chunks := ChunkText(content, defaultChunkSize, defaultChunkOverlap)
	if len(chunks) == 0 {
		s.logger.Printf("skip empty document %s", path)
		return nil
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, chunks)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Printf("rollback error: %v", rbErr)
		}
	}()

	folderID, folderName, err := ensureFolderChain(ctx, tx, owner, folderPath)
	if err != nil {
		return err
	}

	noteID, changed, err := upsertNote(ctx, tx, owner, relPath, title, hashHex, folderID)
	if err != nil {
		return err
	}

	chunkNodes := make([]knowledge.Chunk, 0, len(chunks))

	if changed {
		if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE note_id = $1", noteID); err != nil {
			return fmt.Errorf("clear existing chunks: %w", err)
		}

		for idx, text := range chunks {
			chunkID := uuid.NewString()
			chunkNodes = append(chunkNodes, knowledge.Chunk{ID: chunkID, Position: idx})

			vec := pgvector.NewVector(vectors[idx])
			if _, err := tx.Exec(ctx, `
				INSERT INTO rag_chunks (id, note_id, user_id, position, content, embedding, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			`, chunkID, noteID, owner, idx, text, vec); err != nil {
				return fmt.Errorf("insert chunk %d: %w", idx, err)
			}
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit transaction: %w", commitErr)
	}
	committed = true

	if len(chunkNodes) == 0 {
		s.logger.Printf("no updates required for %s", relPath)
		return nil
	}

	if err := knowledge.SyncNote(ctx, s.driver, knowledge.Note{
		ID:         noteID,
		Owner:      owner,
		Title:      title,
		Path:       relPath,
		SHA:        hashHex,
		FolderID:   folderID,
		FolderName: folderName,
		Chunks:     chunkNodes,
	}); err != nil {
		return fmt.Errorf("sync knowledge graph: %w", err)
	}

	s.logger.Printf("ingested %s (%d chunks)", relPath, len(chunkNodes))
	return nil
}

// ensureFolderChain creates a folders row per path segment, each parented on
// the previous one, and returns the id and name of the innermost folder.
// Files at the root of the data directory belong to no folder.
func ensureFolderChain(ctx context.Context, tx pgx.Tx, owner, folderPath string) (string, string, error) {
	if folderPath == "" {
		return "", "", nil
	}

	var (
		parentID string
		name     string
	)
	for _, segment := range strings.Split(folderPath, "/") {
		if segment == "" {
			continue
		}
		name = segment

		var id string
		var query string
		var args []any
		if parentID == "" {
			query = "SELECT id FROM folders WHERE user_id = $1 AND name = $2 AND parent_id IS NULL"
			args = []any{owner, segment}
		} else {
			query = "SELECT id FROM folders WHERE user_id = $1 AND name = $2 AND parent_id = $3"
			args = []any{owner, segment, parentID}
		}

		err := tx.QueryRow(ctx, query, args...).Scan(&id)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return "", "", fmt.Errorf("query folder %s: %w", segment, err)
			}
			id = uuid.NewString()
			var parent any
			if parentID != "" {
				parent = parentID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO folders (id, user_id, name, parent_id, created_at, updated_at)
				VALUES ($1, $2, $3, $4, NOW(), NOW())
			`, id, owner, segment, parent); err != nil {
				return "", "", fmt.Errorf("insert folder %s: %w", segment, err)
			}
		}

		parentID = id
	}

	return parentID, name, nil
}

func upsertNote(ctx context.Context, tx pgx.Tx, owner, path, title, sha, folderID string) (string, bool, error) {
	var (
		noteID       string
		existingHash string
	)

	var folder any
	if folderID != "" {
		folder = folderID
	}

	err := tx.QueryRow(ctx, "SELECT id, sha256 FROM notes WHERE user_id = $1 AND source_path = $2", owner, path).Scan(&noteID, &existingHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			newID := uuid.NewString()
			_, execErr := tx.Exec(ctx, `
				INSERT INTO notes (id, user_id, folder_id, title, source_path, sha256, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			`, newID, owner, folder, title, path, sha)
			if execErr != nil {
				return "", false, fmt.Errorf("insert note: %w", execErr)
			}
			return newID, true, nil
		}
		return "", false, fmt.Errorf("query note: %w", err)
	}

	if existingHash == sha {
		return noteID, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notes
		SET title = $2,
		    sha256 = $3,
		    folder_id = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, noteID, title, sha, folder); err != nil {
		return "", false, fmt.Errorf("update note: %w", err)
	}

	return noteID, true, nil
}
