package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExecutionType selects which backend adapter runs a template's invocations
type ExecutionType string

const (
	ExecutionTypeFunction     ExecutionType = "function"
	ExecutionTypeWebhook      ExecutionType = "workflow_webhook"
	ExecutionTypeConversation ExecutionType = "model_conversation"
	ExecutionTypeHybrid       ExecutionType = "hybrid"
)

// PricingModel represents how a template's revenue is computed
type PricingModel string

const (
	PricingModelSubscription PricingModel = "subscription"
	PricingModelUsageBased   PricingModel = "usage_based"
)

// TemplateStatus represents the lifecycle status of a template
type TemplateStatus string

const (
	TemplateStatusDraft    TemplateStatus = "draft"
	TemplateStatusActive   TemplateStatus = "active"
	TemplateStatusInactive TemplateStatus = "inactive"
)

// AgentTemplate is a reusable agent definition owned by a developer.
// A template is immutable per version; deployments reference it, never mutate it.
type AgentTemplate struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	DeveloperID   uuid.UUID       `json:"developer_id" db:"developer_id"`
	Name          string          `json:"name" db:"name"`
	Category      *string         `json:"category,omitempty" db:"category"`
	Status        TemplateStatus  `json:"status" db:"status"`
	ExecutionType ExecutionType   `json:"execution_type" db:"execution_type"`
	ExecutionSpec ExecutionSpec   `json:"execution_spec" db:"execution_spec"`
	PricingModel  PricingModel    `json:"pricing_model" db:"pricing_model"`
	BasePrice     decimal.Decimal `json:"base_price" db:"base_price"`
	RevenueShare  int             `json:"revenue_share_percentage" db:"revenue_share_percentage"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ExecutionSpec is the parsed form of a template's execution_resource_ref plus
// the knobs each backend type needs. Stored as JSONB.
type ExecutionSpec struct {
	// Function backend
	FunctionName string `json:"function_name,omitempty"`

	// Workflow webhook backend
	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookMethod   string `json:"webhook_method,omitempty"` // default POST
	RequiresAuth    bool   `json:"requires_auth,omitempty"`
	WebhookUsername string `json:"webhook_username,omitempty"`
	WebhookPassword string `json:"webhook_password,omitempty"`

	// Conversational model backend
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	Style          string   `json:"style,omitempty"`
	ExpertiseLevel string   `json:"expertise_level,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Integrations   []string `json:"integrations,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`

	// Dispatcher knobs
	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // 0 = dispatcher default
}
