package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantRole represents a user's role within a tenant
type TenantRole string

const (
	TenantRoleAdmin  TenantRole = "admin"
	TenantRoleMember TenantRole = "member"
	TenantRoleViewer TenantRole = "viewer"
)

// CanManageDeployments reports whether the role may create or mutate deployments
func (r TenantRole) CanManageDeployments() bool {
	return r == TenantRoleAdmin
}

// TenantMembership links a user to a tenant with a role
type TenantMembership struct {
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	TenantID  uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Role      TenantRole `json:"role" db:"role"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
