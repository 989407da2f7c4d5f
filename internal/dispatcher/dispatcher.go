// Package dispatcher authenticates inbound invocations, resolves the owning
// deployment and template, and routes execution to the backend matching the
// template's execution type.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/driftlabs/agentgrid/internal/backend"
	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
	apierrors "github.com/driftlabs/agentgrid/internal/errors"
	"github.com/driftlabs/agentgrid/internal/logging"
	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/driftlabs/agentgrid/internal/monitoring"
	"github.com/driftlabs/agentgrid/internal/registry"
	"github.com/driftlabs/agentgrid/internal/usage"
)

// Service errors
var (
	ErrCredentialRequired    = errors.New("credential required")
	ErrInvalidCredential     = errors.New("invalid or revoked credential")
	ErrWrongEndpoint         = errors.New("credential not valid for this endpoint")
	ErrDeploymentNotFound    = errors.New("deployment not found")
	ErrDeploymentNotActive   = errors.New("deployment is not active")
	ErrTemplateNotFound      = errors.New("agent template not found")
	ErrTemplateMisconfigured = errors.New("agent template is misconfigured")
	ErrRateLimited           = errors.New("rate limit exceeded")
)

// Service is the execution router
type Service struct {
	db             *pgxpool.Pool
	meter          *usage.Meter
	rateLimiter    *RateLimiter
	timeoutManager *TimeoutManager
	adapters       map[models.ExecutionType]backend.Adapter
}

// NewService creates a dispatcher wired to the four execution backends
func NewService(db *pgxpool.Pool, redis *cache.Redis, cfg *config.Config, meter *usage.Meter, adapters map[models.ExecutionType]backend.Adapter) *Service {
	return &Service{
		db:          db,
		meter:       meter,
		rateLimiter: NewRateLimiter(redis, &cfg.RateLimit),
		timeoutManager: NewTimeoutManager(&TimeoutConfig{
			DefaultTimeout: time.Duration(cfg.Router.DefaultTimeout) * time.Second,
			MaxTimeout:     time.Duration(cfg.Router.MaxTimeout) * time.Second,
			MinTimeout:     time.Duration(cfg.Router.MinTimeout) * time.Second,
		}),
		adapters: adapters,
	}
}

// InvokeRequest is one inbound invocation after transport decoding
type InvokeRequest struct {
	TemplateID     uuid.UUID
	Endpoint       models.EndpointType
	RawKey         string
	Message        string
	ConversationID *uuid.UUID
	Payload        map[string]any
	RequestID      string
	ClientIP       string
}

// InvokeResponse is the normalized success envelope
type InvokeResponse struct {
	Result         any             `json:"result,omitempty"`
	Message        string          `json:"message,omitempty"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	Usage          *UsageEnvelope  `json:"usage"`
	RequestID      string          `json:"request_id"`
}

// UsageEnvelope reports per-invocation billing details
type UsageEnvelope struct {
	UnitCost     decimal.Decimal `json:"unit_cost"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
}

// RateLimitError carries the retry hint past the sentinel
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// resolved is everything authentication and resolution produce for one call
type resolved struct {
	Credential *models.APICredential
	Deployment *models.Deployment
	Template   *models.AgentTemplate
}

// Invoke runs the full dispatch pipeline: authenticate, resolve, rate limit,
// execute with a bounded deadline, and meter the successful result. Failed
// invocations never produce a usage record.
func (s *Service) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	start := time.Now()

	res, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.Get()
	execType := string(res.Template.ExecutionType)

	if limited, rlErr := s.checkRateLimit(ctx, res.Deployment.ID); rlErr != nil {
		return nil, rlErr
	} else if limited != nil {
		if metrics != nil {
			metrics.RateLimitHits.WithLabelValues(res.Deployment.ID.String()).Inc()
		}
		return nil, limited
	}

	adapter, ok := s.adapters[res.Template.ExecutionType]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for execution type %q", ErrTemplateMisconfigured, res.Template.ExecutionType)
	}

	requested := time.Duration(res.Template.ExecutionSpec.TimeoutSeconds) * time.Second
	execCtx, cancel, _ := s.timeoutManager.WithTimeout(ctx, requested)
	defer cancel()

	result, err := adapter.Invoke(execCtx, &backend.Request{
		Deployment:     res.Deployment,
		Template:       res.Template,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Payload:        req.Payload,
		RequestID:      req.RequestID,
	})

	latency := time.Since(start)

	if err != nil {
		s.observeFailure(metrics, execType, err)
		logging.LogInvocation(&logging.InvocationLogEntry{
			RequestID:     req.RequestID,
			DeploymentID:  res.Deployment.ID.String(),
			TemplateID:    res.Template.ID.String(),
			TenantID:      res.Deployment.TenantID.String(),
			ExecutionType: execType,
			Latency:       latency,
			Status:        "error",
			ErrorCode:     errorCodeFor(err),
		})
		return nil, err
	}

	unitCost := s.unitCost(res.Template)
	s.recordUsage(ctx, req, res, result, unitCost)

	if metrics != nil {
		metrics.InvocationsTotal.WithLabelValues(execType, "success").Inc()
		metrics.BackendLatency.WithLabelValues(execType).Observe(latency.Seconds())
		metrics.UsageRecordsTotal.WithLabelValues(execType).Inc()
	}
	logging.LogInvocation(&logging.InvocationLogEntry{
		RequestID:     req.RequestID,
		DeploymentID:  res.Deployment.ID.String(),
		TemplateID:    res.Template.ID.String(),
		TenantID:      res.Deployment.TenantID.String(),
		ExecutionType: execType,
		Latency:       latency,
		Status:        "success",
		InputTokens:   result.InputTokens,
		OutputTokens:  result.OutputTokens,
	})

	return &InvokeResponse{
		Result:         result.Output,
		Message:        result.Message,
		ConversationID: result.ConversationID,
		Usage: &UsageEnvelope{
			UnitCost:     unitCost,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
		},
		RequestID: req.RequestID,
	}, nil
}

// Authorize runs authentication and resolution without executing anything.
// The widget endpoint uses this to validate a key before serving the snippet.
func (s *Service) Authorize(ctx context.Context, templateID uuid.UUID, endpoint models.EndpointType, rawKey, clientIP string) error {
	_, err := s.resolve(ctx, &InvokeRequest{
		TemplateID: templateID,
		Endpoint:   endpoint,
		RawKey:     rawKey,
		ClientIP:   clientIP,
	})
	return err
}

// resolve authenticates the credential and loads the deployment and template
// it grants access to
func (s *Service) resolve(ctx context.Context, req *InvokeRequest) (*resolved, error) {
	if req.RawKey == "" {
		return nil, ErrCredentialRequired
	}

	cred, err := s.lookupCredential(ctx, req.RawKey)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			logging.LogSecurityEvent("invalid_credential", "", req.ClientIP, "credential lookup failed")
		}
		return nil, err
	}
	if !cred.AllowsEndpoint(req.Endpoint) {
		logging.LogSecurityEvent("wrong_endpoint", cred.DeploymentID.String(), req.ClientIP,
			fmt.Sprintf("credential scoped away from %s endpoint", req.Endpoint))
		return nil, ErrWrongEndpoint
	}

	dep, err := s.lookupDeployment(ctx, cred.DeploymentID)
	if err != nil {
		return nil, err
	}
	// The credential binds the caller to one deployment; the path names the
	// template. The two must agree.
	if dep.TemplateID != req.TemplateID {
		return nil, ErrDeploymentNotFound
	}
	if dep.Status != models.DeploymentStatusActive {
		return nil, ErrDeploymentNotActive
	}

	tpl, err := s.lookupTemplate(ctx, dep.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := backend.ValidateSpec(tpl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateMisconfigured, err)
	}

	go s.touchCredential(cred.ID)

	return &resolved{Credential: cred, Deployment: dep, Template: tpl}, nil
}

// lookupCredential finds a live credential by key hash
func (s *Service) lookupCredential(ctx context.Context, rawKey string) (*models.APICredential, error) {
	keyHash := registry.HashKey(rawKey)

	var cred models.APICredential
	err := s.db.QueryRow(ctx, `
		SELECT id, deployment_id, key_hash, key_prefix, endpoint_type, last_used_at, created_at, revoked_at
		FROM api_credentials
		WHERE key_hash = $1 AND revoked_at IS NULL
	`, keyHash).Scan(&cred.ID, &cred.DeploymentID, &cred.KeyHash, &cred.KeyPrefix,
		&cred.EndpointType, &cred.LastUsedAt, &cred.CreatedAt, &cred.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	return &cred, nil
}

func (s *Service) lookupDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var dep models.Deployment
	err := s.db.QueryRow(ctx, `
		SELECT id, template_id, tenant_id, name, custom_configuration, status,
		       monthly_usage_count, last_used_at, created_at, archived_at
		FROM deployments WHERE id = $1
	`, id).Scan(&dep.ID, &dep.TemplateID, &dep.TenantID, &dep.Name, &dep.CustomConfig, &dep.Status,
		&dep.MonthlyUsageCount, &dep.LastUsedAt, &dep.CreatedAt, &dep.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &dep, nil
}

func (s *Service) lookupTemplate(ctx context.Context, id uuid.UUID) (*models.AgentTemplate, error) {
	var tpl models.AgentTemplate
	var specJSON []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, developer_id, name, category, status, execution_type, execution_spec,
		       pricing_model, base_price, revenue_share_percentage, version, created_at, updated_at
		FROM agent_templates WHERE id = $1
	`, id).Scan(&tpl.ID, &tpl.DeveloperID, &tpl.Name, &tpl.Category, &tpl.Status, &tpl.ExecutionType,
		&specJSON, &tpl.PricingModel, &tpl.BasePrice, &tpl.RevenueShare, &tpl.Version,
		&tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if err := json.Unmarshal(specJSON, &tpl.ExecutionSpec); err != nil {
		return nil, fmt.Errorf("%w: invalid execution spec", ErrTemplateMisconfigured)
	}
	return &tpl, nil
}

// checkRateLimit returns a RateLimitError when the deployment is over its
// window. Limiter errors fail open inside the limiter itself.
func (s *Service) checkRateLimit(ctx context.Context, deploymentID uuid.UUID) (*RateLimitError, error) {
	result, err := s.rateLimiter.Check(ctx, deploymentID.String())
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return &RateLimitError{RetryAfter: result.RetryAfter}, nil
	}
	return nil, nil
}

// unitCost is the per-invocation cost: base price for usage based templates,
// zero for subscriptions (those bill once per period instead)
func (s *Service) unitCost(tpl *models.AgentTemplate) decimal.Decimal {
	if tpl.PricingModel == models.PricingModelUsageBased {
		return tpl.BasePrice
	}
	return decimal.Zero
}

// recordUsage meters one successful invocation. Metering failures are logged
// but never fail a call that already succeeded.
func (s *Service) recordUsage(ctx context.Context, req *InvokeRequest, res *resolved, result *backend.Result, unitCost decimal.Decimal) {
	rec := &models.UsageRecord{
		DeploymentID: res.Deployment.ID,
		TenantID:     res.Deployment.TenantID,
		OccurredAt:   time.Now().UTC(),
		UnitCost:     unitCost,
	}
	if result.InputTokens > 0 {
		in := result.InputTokens
		rec.InputTokens = &in
	}
	if result.OutputTokens > 0 {
		out := result.OutputTokens
		rec.OutputTokens = &out
	}
	if req.RequestID != "" {
		rid := req.RequestID
		rec.RequestID = &rid
	}

	if _, err := s.meter.Record(ctx, rec); err != nil {
		logger := logging.NewLogger("dispatcher")
		logger.Error().
			Err(err).
			Str("deployment_id", res.Deployment.ID.String()).
			Str("request_id", req.RequestID).
			Msg("Failed to record usage")
	}
}

// touchCredential bumps last_used_at outside the request path
func (s *Service) touchCredential(credentialID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.Exec(ctx, `
		UPDATE api_credentials SET last_used_at = NOW() WHERE id = $1
	`, credentialID)
	if err != nil {
		logger := logging.NewLogger("dispatcher")
		logger.Warn().
			Err(err).
			Str("credential_id", credentialID.String()).
			Msg("Failed to update credential last_used_at")
	}
}

// errorCodeFor maps a backend error to the platform error code it will
// surface as
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return string(apierrors.ErrBackendTimeout)
	case errors.Is(err, backend.ErrMisconfigured):
		return string(apierrors.ErrTemplateMisconfigured)
	case errors.Is(err, backend.ErrBackend):
		return string(apierrors.ErrBackendFailure)
	default:
		return string(apierrors.ErrInternalServer)
	}
}

// observeFailure classifies a backend error for metrics
func (s *Service) observeFailure(metrics *monitoring.Metrics, execType string, err error) {
	if metrics == nil {
		return
	}
	errType := "backend"
	switch {
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		errType = "timeout"
	case errors.Is(err, backend.ErrMisconfigured), errors.Is(err, ErrTemplateMisconfigured):
		errType = "misconfigured"
	}
	metrics.InvocationsTotal.WithLabelValues(execType, "error").Inc()
	metrics.BackendErrors.WithLabelValues(execType, errType).Inc()
}
