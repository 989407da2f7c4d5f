package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the author of a conversation message
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ConversationStatus represents the status of a conversation
type ConversationStatus string

const (
	ConversationStatusActive ConversationStatus = "active"
	ConversationStatusClosed ConversationStatus = "closed"
)

// Conversation is an append-only per-conversation message log. Messages are
// never reordered or mutated after append.
type Conversation struct {
	ID         uuid.UUID          `json:"id" db:"id"`
	TemplateID uuid.UUID          `json:"agent_template_id" db:"agent_template_id"`
	TenantID   uuid.UUID          `json:"tenant_id" db:"tenant_id"`
	Title      *string            `json:"title,omitempty" db:"title"`
	Status     ConversationStatus `json:"status" db:"status"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at" db:"updated_at"`
}

// Message is a single conversation turn. Seq is assigned at append time and
// establishes the total order within a conversation.
type Message struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	Seq            int         `json:"seq" db:"seq"`
	Role           MessageRole `json:"role" db:"role"`
	Content        string      `json:"content" db:"content"`
	CreatedAt      time.Time   `json:"timestamp" db:"created_at"`
}
