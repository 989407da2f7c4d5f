// Package backend implements the interchangeable execution strategies behind
// one Adapter interface: function, workflow webhook, conversational model,
// and the hybrid composition of function + model.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/google/uuid"
)

// Adapter errors. Adapters never leak provider-specific error shapes; the
// dispatcher converts these into the caller-facing taxonomy.
var (
	ErrTimeout       = errors.New("backend timeout")
	ErrBackend       = errors.New("backend error")
	ErrMisconfigured = errors.New("template missing required execution fields")
)

// Request carries one invocation into an adapter
type Request struct {
	Deployment     *models.Deployment
	Template       *models.AgentTemplate
	Message        string
	ConversationID *uuid.UUID
	Payload        map[string]any
	RequestID      string
}

// Result is an adapter's normalized output
type Result struct {
	// Output is the structured result for function/webhook backends
	Output any
	// Message is the assistant reply for conversational backends
	Message string
	// ConversationID is set for conversational backends so callers can continue
	ConversationID *uuid.UUID
	InputTokens    int
	OutputTokens   int
}

// Adapter is the common contract all execution backends satisfy. The context
// carries the invocation deadline; adapters must abandon in-flight work when
// it expires.
type Adapter interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// ValidateSpec checks that a template carries the execution fields its
// execution type requires
func ValidateSpec(t *models.AgentTemplate) error {
	spec := t.ExecutionSpec
	switch t.ExecutionType {
	case models.ExecutionTypeFunction:
		if spec.FunctionName == "" {
			return fmt.Errorf("%w: function_name", ErrMisconfigured)
		}
	case models.ExecutionTypeWebhook:
		if spec.WebhookURL == "" {
			return fmt.Errorf("%w: webhook_url", ErrMisconfigured)
		}
	case models.ExecutionTypeConversation:
		if spec.Model == "" || spec.Purpose == "" {
			return fmt.Errorf("%w: model and purpose", ErrMisconfigured)
		}
	case models.ExecutionTypeHybrid:
		if spec.FunctionName == "" {
			return fmt.Errorf("%w: function_name", ErrMisconfigured)
		}
		if spec.Model == "" || spec.Purpose == "" {
			return fmt.Errorf("%w: model and purpose", ErrMisconfigured)
		}
	default:
		return fmt.Errorf("%w: unknown execution type %q", ErrMisconfigured, t.ExecutionType)
	}
	return nil
}
