package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/driftlabs/agentgrid/internal/models"
)

// recordingStore counts calls so tests can assert what the hybrid adapter
// never touched
type recordingStore struct {
	getOrCreateCalls int
	appendCalls      int
	lockCalls        int
}

func (s *recordingStore) GetOrCreate(ctx context.Context, dep *models.Deployment, id *uuid.UUID, systemPrompt string) (*models.Conversation, []models.Message, error) {
	s.getOrCreateCalls++
	return nil, nil, errors.New("store should not be reached")
}

func (s *recordingStore) Append(ctx context.Context, conversationID uuid.UUID, role models.MessageRole, content string) (*models.Message, error) {
	s.appendCalls++
	return nil, errors.New("store should not be reached")
}

func (s *recordingStore) Lock(conversationID uuid.UUID) func() {
	s.lockCalls++
	return func() {}
}

func hybridTemplate(functionName string) *models.AgentTemplate {
	return &models.AgentTemplate{
		Name:          "Order Helper",
		ExecutionType: models.ExecutionTypeHybrid,
		ExecutionSpec: models.ExecutionSpec{
			FunctionName: functionName,
			Model:        "gpt-4o-mini",
			Purpose:      "Answer order questions",
		},
	}
}

// TestHybridAdapter_FunctionErrorSkipsModelStage tests that a failing
// function stage short-circuits the turn: the model is never called and no
// conversation state is written.
func TestHybridAdapter_FunctionErrorSkipsModelStage(t *testing.T) {
	registry := NewFunctionRegistry()
	registry.Register("lookup", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream lookup failed")
	})

	store := &recordingStore{}
	// A nil provider makes any model call blow up loudly
	adapter := NewHybridAdapter(NewFunctionAdapter(registry), NewConversationAdapter(store, nil))

	_, err := adapter.Invoke(context.Background(), &Request{
		Template: hybridTemplate("lookup"),
		Message:  "where is my order?",
	})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend from the function stage, got %v", err)
	}

	if store.getOrCreateCalls != 0 || store.appendCalls != 0 || store.lockCalls != 0 {
		t.Fatalf("Conversation store must stay untouched after a function failure: getOrCreate=%d append=%d lock=%d",
			store.getOrCreateCalls, store.appendCalls, store.lockCalls)
	}
}

func TestHybridAdapter_UnknownFunctionSkipsModelStage(t *testing.T) {
	store := &recordingStore{}
	adapter := NewHybridAdapter(NewFunctionAdapter(NewFunctionRegistry()), NewConversationAdapter(store, nil))

	_, err := adapter.Invoke(context.Background(), &Request{
		Template: hybridTemplate("missing"),
		Message:  "hello",
	})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("Expected ErrMisconfigured, got %v", err)
	}

	if store.getOrCreateCalls != 0 || store.appendCalls != 0 {
		t.Fatal("Conversation store must stay untouched when the function is unknown")
	}
}
