package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/emberchat/backend/internal/domain"
)

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) EnsureConversation(ctx context.Context, id, tenantID string) error {
	query := `
		INSERT INTO conversations (id, tenant_id, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, id, tenantID); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) SetConversationTitle(ctx context.Context, id, title string) error {
	query := `UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, title)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *PostgresMessageRepository) ListActiveMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, parts, input_tokens, output_tokens,
		       compacted, is_summary, created_at
		FROM messages
		WHERE conversation_id = $1 AND compacted = false
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var parts []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&parts,
			&msg.InputTokens,
			&msg.OutputTokens,
			&msg.Compacted,
			&msg.IsSummary,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(parts) > 0 {
			if err := json.Unmarshal(parts, &msg.Parts); err != nil {
				return nil, fmt.Errorf("decode parts for %s: %w", msg.ID, err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepository) InsertMessage(ctx context.Context, msg *domain.Message) error {
	var parts []byte
	if len(msg.Parts) > 0 {
		var err error
		parts, err = json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encode parts: %w", err)
		}
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, parts, input_tokens,
		                      output_tokens, compacted, is_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		parts,
		msg.InputTokens,
		msg.OutputTokens,
		msg.Compacted,
		msg.IsSummary,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) MarkCompacted(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query := `UPDATE messages SET compacted = true WHERE id = ANY($1)`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(messageIDs)); err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`
	var count int
	if err := r.db.QueryRowContext(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
