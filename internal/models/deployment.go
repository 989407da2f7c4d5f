package models

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus represents the status of a deployment
type DeploymentStatus string

const (
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusPaused   DeploymentStatus = "paused"
	DeploymentStatusArchived DeploymentStatus = "archived"
)

// Deployment is a tenant-specific, independently addressable instantiation
// of an agent template. Archival is terminal: an archived deployment can
// never execute again and its credentials are revoked.
type Deployment struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	TemplateID        uuid.UUID         `json:"template_id" db:"template_id"`
	TenantID          uuid.UUID         `json:"tenant_id" db:"tenant_id"`
	Name              string            `json:"name" db:"name"`
	CustomConfig      map[string]string `json:"custom_configuration" db:"custom_configuration"`
	Status            DeploymentStatus  `json:"status" db:"status"`
	MonthlyUsageCount int64             `json:"monthly_usage_count" db:"monthly_usage_count"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	ArchivedAt        *time.Time        `json:"archived_at,omitempty" db:"archived_at"`
}

// CustomInstructions returns the tenant-level instruction override, if any.
// These are appended last when building a system prompt so tenant guidance
// wins over template guidance.
func (d *Deployment) CustomInstructions() string {
	if d.CustomConfig == nil {
		return ""
	}
	return d.CustomConfig["instructions"]
}
