package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service errors
var (
	ErrNotAuthorized      = errors.New("user is not authorized for this tenant")
	ErrTemplateNotFound   = errors.New("agent template not found or not active")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrDeploymentArchived = errors.New("deployment is archived")
	ErrCredentialNotFound = errors.New("credential not found")
)

// KeyPrefix is the display prefix of issued credentials
const KeyPrefix = "dk_"

// Service handles deployment registration and credential issuance
type Service struct {
	db      *pgxpool.Pool
	baseURL string
}

// NewService creates a new registry service
func NewService(db *pgxpool.Pool, baseURL string) *Service {
	return &Service{db: db, baseURL: baseURL}
}

// CreateDeploymentRequest represents a request to deploy a template for a tenant
type CreateDeploymentRequest struct {
	TemplateID   uuid.UUID         `json:"template_id" binding:"required"`
	TenantID     uuid.UUID         `json:"tenant_id" binding:"required"`
	Name         string            `json:"name" binding:"required,min=1,max=100"`
	CustomConfig map[string]string `json:"custom_configuration,omitempty"`
}

// EndpointURLs holds the three logical endpoints materialized for a deployment
type EndpointURLs struct {
	Chat    string `json:"chat"`
	Webhook string `json:"webhook"`
	Widget  string `json:"widget"`
}

// CreateDeploymentResponse is returned once at creation time.
// The raw credential is never re-displayed afterwards.
type CreateDeploymentResponse struct {
	Deployment *models.Deployment `json:"deployment"`
	Endpoints  EndpointURLs       `json:"endpoints"`
	APIKey     string             `json:"api_key"`
	KeyPrefix  string             `json:"key_prefix"`
}

// RotateCredentialResponse is returned once at rotation time
type RotateCredentialResponse struct {
	APIKey    string    `json:"api_key"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateDeployment deploys a template for a tenant: inserts the deployment,
// issues one endpoint-unscoped credential, and derives the three endpoint URLs.
// No execution backend is called.
func (s *Service) CreateDeployment(ctx context.Context, requestingUser uuid.UUID, req *CreateDeploymentRequest) (*CreateDeploymentResponse, error) {
	role, err := s.tenantRole(ctx, requestingUser, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !role.CanManageDeployments() {
		return nil, ErrNotAuthorized
	}

	var templateStatus models.TemplateStatus
	err = s.db.QueryRow(ctx, `
		SELECT status FROM agent_templates WHERE id = $1
	`, req.TemplateID).Scan(&templateStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if templateStatus != models.TemplateStatusActive {
		return nil, ErrTemplateNotFound
	}

	rawKey, keyHash, keyPrefix, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var dep models.Deployment
	err = tx.QueryRow(ctx, `
		INSERT INTO deployments (template_id, tenant_id, name, custom_configuration, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, template_id, tenant_id, name, custom_configuration, status,
		          monthly_usage_count, last_used_at, created_at, archived_at
	`, req.TemplateID, req.TenantID, req.Name, req.CustomConfig, models.DeploymentStatusActive).Scan(
		&dep.ID, &dep.TemplateID, &dep.TenantID, &dep.Name, &dep.CustomConfig, &dep.Status,
		&dep.MonthlyUsageCount, &dep.LastUsedAt, &dep.CreatedAt, &dep.ArchivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO api_credentials (deployment_id, key_hash, key_prefix)
		VALUES ($1, $2, $3)
	`, dep.ID, keyHash, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &CreateDeploymentResponse{
		Deployment: &dep,
		Endpoints:  s.endpointURLs(req.TemplateID),
		APIKey:     rawKey,
		KeyPrefix:  keyPrefix,
	}, nil
}

// endpointURLs derives the three logical endpoints for a template
func (s *Service) endpointURLs(templateID uuid.UUID) EndpointURLs {
	return EndpointURLs{
		Chat:    fmt.Sprintf("%s/agent/%s/chat", s.baseURL, templateID),
		Webhook: fmt.Sprintf("%s/agent/%s/webhook", s.baseURL, templateID),
		Widget:  fmt.Sprintf("%s/agent/%s/widget", s.baseURL, templateID),
	}
}

// tenantRole returns the requesting user's role within a tenant
func (s *Service) tenantRole(ctx context.Context, userID, tenantID uuid.UUID) (models.TenantRole, error) {
	var role models.TenantRole
	err := s.db.QueryRow(ctx, `
		SELECT role FROM tenant_memberships WHERE user_id = $1 AND tenant_id = $2
	`, userID, tenantID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotAuthorized
		}
		return "", fmt.Errorf("failed to get tenant membership: %w", err)
	}
	return role, nil
}

// GetDeployment retrieves a deployment by id
func (s *Service) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var dep models.Deployment
	err := s.db.QueryRow(ctx, `
		SELECT id, template_id, tenant_id, name, custom_configuration, status,
		       monthly_usage_count, last_used_at, created_at, archived_at
		FROM deployments WHERE id = $1
	`, id).Scan(
		&dep.ID, &dep.TemplateID, &dep.TenantID, &dep.Name, &dep.CustomConfig, &dep.Status,
		&dep.MonthlyUsageCount, &dep.LastUsedAt, &dep.CreatedAt, &dep.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &dep, nil
}

// ListDeployments lists a tenant's deployments, newest first
func (s *Service) ListDeployments(ctx context.Context, tenantID uuid.UUID) ([]models.Deployment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, template_id, tenant_id, name, custom_configuration, status,
		       monthly_usage_count, last_used_at, created_at, archived_at
		FROM deployments
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []models.Deployment
	for rows.Next() {
		var dep models.Deployment
		err := rows.Scan(
			&dep.ID, &dep.TemplateID, &dep.TenantID, &dep.Name, &dep.CustomConfig, &dep.Status,
			&dep.MonthlyUsageCount, &dep.LastUsedAt, &dep.CreatedAt, &dep.ArchivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, dep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// SetStatus transitions a deployment between active and paused.
// Archived deployments are terminal and cannot transition.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	dep, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentStatusArchived {
		return ErrDeploymentArchived
	}

	_, err = s.db.Exec(ctx, `
		UPDATE deployments SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	return nil
}

// ArchiveDeployment archives a deployment and revokes all of its credentials
// in the same transaction. Archival is terminal: no execution or credential
// issuance is permitted afterwards.
func (s *Service) ArchiveDeployment(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE deployments
		SET status = $1, archived_at = NOW()
		WHERE id = $2 AND status != $1
	`, models.DeploymentStatusArchived, id)
	if err != nil {
		return fmt.Errorf("failed to archive deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		dep, getErr := s.GetDeployment(ctx, id)
		if getErr != nil {
			return getErr
		}
		if dep.Status == models.DeploymentStatusArchived {
			return ErrDeploymentArchived
		}
		return ErrDeploymentNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE api_credentials SET revoked_at = NOW()
		WHERE deployment_id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke credentials: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RotateCredential revokes the deployment's live credentials and issues a
// fresh one. The raw key is returned once.
func (s *Service) RotateCredential(ctx context.Context, deploymentID uuid.UUID) (*RotateCredentialResponse, error) {
	dep, err := s.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status == models.DeploymentStatusArchived {
		return nil, ErrDeploymentArchived
	}

	rawKey, keyHash, keyPrefix, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE api_credentials SET revoked_at = NOW()
		WHERE deployment_id = $1 AND revoked_at IS NULL
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke credentials: %w", err)
	}

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO api_credentials (deployment_id, key_hash, key_prefix)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, deploymentID, keyHash, keyPrefix).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &RotateCredentialResponse{
		APIKey:    rawKey,
		KeyPrefix: keyPrefix,
		CreatedAt: createdAt,
	}, nil
}

// generateKey generates a credential with 256 bits of entropy from crypto/rand.
// Returns: rawKey, keyHash, keyPrefix, error
func generateKey() (string, string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := KeyPrefix + hex.EncodeToString(randomBytes)
	keyHash := HashKey(rawKey)

	// Display prefix: "dk_" + first 8 hex chars
	keyPrefix := rawKey[:len(KeyPrefix)+8]

	return rawKey, keyHash, keyPrefix, nil
}

// HashKey creates the SHA-256 hash of a raw credential for storage and lookup
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}
