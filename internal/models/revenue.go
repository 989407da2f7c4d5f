package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the settlement state of a revenue entry
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// RevenueEntry is one deployment's revenue for one closed billing period.
// Invariant: RevenueAmount == DeveloperShare + PlatformShare. Exactly one
// entry exists per (deployment_id, period_start); re-running the calculator
// for a period upserts rather than duplicating.
type RevenueEntry struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	TemplateID      uuid.UUID       `json:"template_id" db:"template_id"`
	DeploymentID    uuid.UUID       `json:"deployment_id" db:"deployment_id"`
	DeveloperID     uuid.UUID       `json:"developer_id" db:"developer_id"`
	PeriodStart     time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd       time.Time       `json:"period_end" db:"period_end"`
	TotalUsageCount int64           `json:"total_usage_count" db:"total_usage_count"`
	RevenueAmount   decimal.Decimal `json:"revenue_amount" db:"revenue_amount"`
	DeveloperShare  decimal.Decimal `json:"developer_share" db:"developer_share"`
	PlatformShare   decimal.Decimal `json:"platform_share" db:"platform_share"`
	PaymentStatus   PaymentStatus   `json:"payment_status" db:"payment_status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}
