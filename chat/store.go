package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationStore interface {
	Create(ctx context.Context, owner string, scope Scope, title string) (string, error)
	Get(ctx context.Context, owner, id string) (Conversation, error)
	ListSummaries(ctx context.Context, owner string, limit int) ([]ConversationSummary, error)
	// Turns returns the full history in chronological order.
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
	// RecentTurns returns up to limit turns, newest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	// AppendTurn stores the turn and touches the conversation's updated_at.
	AppendTurn(ctx context.Context, conversationID string, turn Turn) error
	Delete(ctx context.Context, owner, id string) error
}

type PostgresConversationStore struct {
	pool *pgxpool.Pool
}

func NewPostgresConversationStore(pool *pgxpool.Pool) *PostgresConversationStore {
	return &PostgresConversationStore{pool: pool}
}

func (s *PostgresConversationStore) Create(ctx context.Context, owner string, scope Scope, title string) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if title == "" {
		title = defaultTitle(scope)
	}

	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, scope_type, scope_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, id, owner, title, string(scope.Type), scope.IDs)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}

	return id, nil
}

func defaultTitle(scope Scope) string {
	title := fmt.Sprintf("Chat - %s", scope.Type)
	if scope.Type != ScopeAll && len(scope.IDs) > 0 {
		title = fmt.Sprintf("%s (%d items)", title, len(scope.IDs))
	}
	return title
}

func (s *PostgresConversationStore) Get(ctx context.Context, owner, id string) (Conversation, error) {
	var (
		conv      Conversation
		scopeType string
		scopeIDs  []string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, scope_type, scope_ids, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.Owner, &conv.Title, &scopeType, &scopeIDs, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}

	if conv.Owner != owner {
		return Conversation{}, ErrUnauthorized
	}

	conv.Scope = Scope{Type: ScopeType(scopeType), IDs: scopeIDs}
	return conv, nil
}

func (s *PostgresConversationStore) ListSummaries(ctx context.Context, owner string, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.title, c.scope_type, c.scope_ids, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM conversation_turns t WHERE t.conversation_id = c.id) AS turn_count
		FROM conversations c
		WHERE c.user_id = $1
		ORDER BY c.updated_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			summary   ConversationSummary
			scopeType string
			scopeIDs  []string
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &scopeType, &scopeIDs, &summary.CreatedAt, &summary.UpdatedAt, &summary.TurnCount); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summary.Scope = Scope{Type: ScopeType(scopeType), IDs: scopeIDs}
		summaries = append(summaries, summary)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return summaries, nil
}

func (s *PostgresConversationStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT id, role, content, sources, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
}

func (s *PostgresConversationStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryTurns(ctx, `
		SELECT id, role, content, sources, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
}

func (s *PostgresConversationStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		var turn Turn
		var sourcesJSON []byte
		if err := rows.Scan(&turn.ID, &turn.Role, &turn.Content, &sourcesJSON, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if len(sourcesJSON) > 0 {
			if err := json.Unmarshal(sourcesJSON, &turn.Sources); err != nil {
				return nil, fmt.Errorf("decode turn sources: %w", err)
			}
		}
		turns = append(turns, turn)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return turns, nil
}

func (s *PostgresConversationStore) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var sourcesJSON []byte
	if len(turn.Sources) > 0 {
		data, err := json.Marshal(turn.Sources)
		if err != nil {
			return fmt.Errorf("encode turn sources: %w", err)
		}
		sourcesJSON = data
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_turns (id, conversation_id, role, content, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, turn.ID, conversationID, turn.Role, turn.Content, sourcesJSON, turn.CreatedAt); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE conversations SET updated_at = NOW() WHERE id = $1", conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}

	return nil
}

func (s *PostgresConversationStore) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	return nil
}

var _ ConversationStore = (*PostgresConversationStore)(nil)
