package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftlabs/agentgrid/internal/models"
)

// ConversationStore is the persistence surface the conversational adapter
// needs. The conversation package provides the production implementation.
type ConversationStore interface {
	// GetOrCreate loads an existing conversation with its history, or starts
	// a new one seeded with the system prompt when id is nil.
	GetOrCreate(ctx context.Context, dep *models.Deployment, id *uuid.UUID, systemPrompt string) (*models.Conversation, []models.Message, error)
	// Append adds one message at the next sequence number.
	Append(ctx context.Context, conversationID uuid.UUID, role models.MessageRole, content string) (*models.Message, error)
	// Lock serializes appends for one conversation. The returned func
	// releases the lock.
	Lock(conversationID uuid.UUID) func()
}

// ConversationAdapter runs model_conversation invocations: it resolves the
// conversation, appends the user turn, calls the provider with the full
// ordered history and appends the assistant turn.
type ConversationAdapter struct {
	store    ConversationStore
	provider *ProviderClient
}

// NewConversationAdapter creates a conversational adapter
func NewConversationAdapter(store ConversationStore, provider *ProviderClient) *ConversationAdapter {
	return &ConversationAdapter{store: store, provider: provider}
}

// Invoke executes one conversational turn
func (a *ConversationAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	return a.invokeWithContext(ctx, req, "")
}

// invokeWithContext is the shared body for the conversational and hybrid
// adapters. extraContext, when non-empty, is injected after the system
// prompt so the model sees it before the user's message.
func (a *ConversationAdapter) invokeWithContext(ctx context.Context, req *Request, extraContext string) (*Result, error) {
	systemPrompt := BuildSystemPrompt(req.Template, req.Deployment)

	// Lock before reading history so concurrent turns on the same
	// conversation serialize fully. New conversations have no contention
	// until their id is handed back, so locking after create is safe.
	if req.ConversationID != nil {
		unlock := a.store.Lock(*req.ConversationID)
		defer unlock()
	}

	conv, history, err := a.store.GetOrCreate(ctx, req.Deployment, req.ConversationID, systemPrompt)
	if err != nil {
		return nil, err
	}

	if req.ConversationID == nil {
		unlock := a.store.Lock(conv.ID)
		defer unlock()
	}

	userMsg, err := a.store.Append(ctx, conv.ID, models.MessageRoleUser, req.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if extraContext != "" {
		messages = append(messages, ChatMessage{Role: string(models.MessageRoleSystem), Content: extraContext})
	}
	messages = append(messages, ChatMessage{Role: string(userMsg.Role), Content: userMsg.Content})

	resp, err := a.provider.Complete(ctx, req.Template.ExecutionSpec, messages)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: provider returned no completion", ErrBackend)
	}
	reply := resp.Choices[0].Message.Content

	if _, err := a.store.Append(ctx, conv.ID, models.MessageRoleAssistant, reply); err != nil {
		return nil, fmt.Errorf("failed to append assistant message: %w", err)
	}

	result := &Result{
		Message:        reply,
		ConversationID: &conv.ID,
	}
	if resp.Usage != nil {
		result.InputTokens = resp.Usage.PromptTokens
		result.OutputTokens = resp.Usage.CompletionTokens
	}
	return result, nil
}
