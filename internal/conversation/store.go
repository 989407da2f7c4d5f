// Package conversation persists conversational history for model-backed
// deployments. Message logs are append-only: turns get a monotonically
// increasing sequence number and are never mutated or reordered.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/agentgrid/internal/models"
)

// Store errors
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation is closed")
)

// maxTitleLen bounds auto-generated conversation titles
const maxTitleLen = 50

// Store handles conversation persistence
type Store struct {
	db    *pgxpool.Pool
	locks *lockManager
}

// NewStore creates a conversation store
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db:    db,
		locks: newLockManager(),
	}
}

// Lock serializes appends for one conversation. The returned func releases
// the lock.
func (s *Store) Lock(conversationID uuid.UUID) func() {
	return s.locks.lock(conversationID)
}

// GetOrCreate resolves the conversation for an invocation. A supplied id must
// exist and belong to the deployment's tenant; a nil id starts a new
// conversation seeded with the system prompt at sequence zero.
func (s *Store) GetOrCreate(ctx context.Context, dep *models.Deployment, id *uuid.UUID, systemPrompt string) (*models.Conversation, []models.Message, error) {
	if id != nil {
		conv, err := s.getOwned(ctx, *id, dep.TenantID)
		if err != nil {
			return nil, nil, err
		}
		history, err := s.History(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}
		return conv, history, nil
	}

	conv, err := s.create(ctx, dep, systemPrompt)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.History(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, history, nil
}

// Get fetches a conversation by id enforcing tenant ownership, regardless of
// status. Closed conversations stay readable.
func (s *Store) Get(ctx context.Context, id, tenantID uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, agent_template_id, tenant_id, title, status, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&conv.ID, &conv.TemplateID, &conv.TenantID, &conv.Title, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// getOwned fetches a conversation for a new turn. An id owned by another
// tenant reads as not found so existence is not leaked; closed conversations
// reject new turns.
func (s *Store) getOwned(ctx context.Context, id, tenantID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationStatusClosed {
		return nil, ErrConversationClosed
	}
	return conv, nil
}

// create starts a new conversation seeded with the hidden system prompt
func (s *Store) create(ctx context.Context, dep *models.Deployment, systemPrompt string) (*models.Conversation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var conv models.Conversation
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (agent_template_id, tenant_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, agent_template_id, tenant_id, title, status, created_at, updated_at
	`, dep.TemplateID, dep.TenantID, models.ConversationStatusActive).
		Scan(&conv.ID, &conv.TemplateID, &conv.TenantID, &conv.Title, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if systemPrompt != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (conversation_id, seq, role, content)
			VALUES ($1, 0, $2, $3)
		`, conv.ID, models.MessageRoleSystem, systemPrompt)
		if err != nil {
			return nil, fmt.Errorf("failed to seed system message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().
		Str("conversation_id", conv.ID.String()).
		Str("tenant_id", dep.TenantID.String()).
		Msg("Conversation created")

	return &conv, nil
}

// Append adds one message at the next sequence number. The first user
// message also becomes the conversation title, truncated for display.
func (s *Store) Append(ctx context.Context, conversationID uuid.UUID, role models.MessageRole, content string) (*models.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var msg models.Message
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, seq, role, content)
		SELECT $1, COALESCE(MAX(seq) + 1, 0), $2, $3
		FROM messages WHERE conversation_id = $1
		RETURNING id, conversation_id, seq, role, content, created_at
	`, conversationID, role, content).
		Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if role == models.MessageRoleUser {
		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET title = COALESCE(title, $1), updated_at = NOW()
			WHERE id = $2
		`, TruncateTitle(content), conversationID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET updated_at = NOW() WHERE id = $1
		`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &msg, nil
}

// History returns all messages of a conversation in sequence order
func (s *Store) History(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, seq, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListByTenant returns a tenant's conversations, newest activity first
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]models.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_template_id, tenant_id, title, status, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.TemplateID, &conv.TenantID, &conv.Title, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Close marks a conversation closed. Closed conversations reject new turns
// but remain readable.
func (s *Store) Close(ctx context.Context, id, tenantID uuid.UUID) error {
	result, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3
	`, models.ConversationStatusClosed, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// TruncateTitle shortens a message into a display title
func TruncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= maxTitleLen {
		return content
	}
	return string(runes[:maxTitleLen-3]) + "..."
}
