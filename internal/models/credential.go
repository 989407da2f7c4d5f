package models

import (
	"time"

	"github.com/google/uuid"
)

// EndpointType represents one of the three logical endpoints a deployment exposes
type EndpointType string

const (
	EndpointTypeChat    EndpointType = "chat"
	EndpointTypeWebhook EndpointType = "webhook"
	EndpointTypeWidget  EndpointType = "widget"
)

// APICredential is a deployment's API key. Only the SHA-256 hash is stored;
// the raw key is shown once at issuance. A nil EndpointType means the
// credential is valid for all three endpoints.
type APICredential struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	DeploymentID uuid.UUID     `json:"deployment_id" db:"deployment_id"`
	KeyHash      string        `json:"-" db:"key_hash"`
	KeyPrefix    string        `json:"key_prefix" db:"key_prefix"`
	EndpointType *EndpointType `json:"endpoint_type,omitempty" db:"endpoint_type"`
	LastUsedAt   *time.Time    `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	RevokedAt    *time.Time    `json:"revoked_at,omitempty" db:"revoked_at"`
}

// AllowsEndpoint reports whether the credential may be used on the given endpoint
func (c *APICredential) AllowsEndpoint(ep EndpointType) bool {
	return c.EndpointType == nil || *c.EndpointType == ep
}
