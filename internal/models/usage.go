package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is the billing event of record for one successful invocation.
// Rows are write-once and immutable; failed invocations never produce one.
type UsageRecord struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DeploymentID uuid.UUID       `json:"deployment_id" db:"deployment_id"`
	TenantID     uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	OccurredAt   time.Time       `json:"occurred_at" db:"occurred_at"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	InputTokens  *int            `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens *int            `json:"output_tokens,omitempty" db:"output_tokens"`
	RequestID    *string         `json:"request_id,omitempty" db:"request_id"`
}
