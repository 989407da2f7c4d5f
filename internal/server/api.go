// Package server wires the two HTTP surfaces: the administrative API and the
// public execution router.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/conversation"
	"github.com/driftlabs/agentgrid/internal/database"
	apierrors "github.com/driftlabs/agentgrid/internal/errors"
	"github.com/driftlabs/agentgrid/internal/logging"
	"github.com/driftlabs/agentgrid/internal/middleware"
	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/driftlabs/agentgrid/internal/monitoring"
	"github.com/driftlabs/agentgrid/internal/registry"
	"github.com/driftlabs/agentgrid/internal/revenue"
	"github.com/driftlabs/agentgrid/internal/usage"
)

// APIServer is the administrative control plane: deployments, credentials,
// conversations, usage, and revenue.
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	db               *database.DB
	registryService  *registry.Service
	conversations    *conversation.Store
	meter            *usage.Meter
	revenueCalc      *revenue.Calculator
	revenueScheduler *revenue.Scheduler
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	cfg *config.Config,
	db *database.DB,
	registrySvc *registry.Service,
	conversations *conversation.Store,
	meter *usage.Meter,
	revenueCalc *revenue.Calculator,
	revenueScheduler *revenue.Scheduler,
) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		db:               db,
		registryService:  registrySvc,
		conversations:    conversations,
		meter:            meter,
		revenueCalc:      revenueCalc,
		revenueScheduler: revenueScheduler,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.jwtAuthenticator.JWTAuth())
	{
		deployments := v1.Group("/deployments")
		{
			deployments.GET("", s.handleListDeployments)
			deployments.GET("/:id", s.handleGetDeployment)
			deployments.GET("/:id/usage", s.handleDeploymentUsage)

			admin := deployments.Group("")
			admin.Use(middleware.RequireTenantAdmin())
			{
				admin.POST("", s.handleCreateDeployment)
				admin.POST("/:id/pause", s.handlePauseDeployment)
				admin.POST("/:id/resume", s.handleResumeDeployment)
				admin.POST("/:id/archive", s.handleArchiveDeployment)
				admin.POST("/:id/credentials/rotate", s.handleRotateCredential)
			}
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", s.handleListConversations)
			conversations.GET("/:id/messages", s.handleConversationMessages)
			conversations.POST("/:id/close", s.handleCloseConversation)
		}

		rev := v1.Group("/revenue")
		{
			rev.GET("/entries", s.handleListRevenueEntries)

			admin := rev.Group("")
			admin.Use(middleware.RequireTenantAdmin())
			{
				admin.POST("/run", s.handleRevenueRun)
				admin.GET("/status", s.handleRevenueStatus)
				admin.POST("/entries/:id/paid", s.handleMarkEntryPaid)
			}
		}
	}
}

func (s *APIServer) healthCheck(c *gin.Context) {
	if err := s.db.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "api"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "api"})
}

// handleCreateDeployment deploys a template for the caller's tenant
func (s *APIServer) handleCreateDeployment(c *gin.Context) {
	userID, err := middleware.GetUserIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	var req registry.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	// The tenant always comes from the token, never the body
	req.TenantID = tenantID

	resp, err := s.registryService.CreateDeployment(c.Request.Context(), userID, &req)
	if err != nil {
		s.respondRegistryError(c, err)
		return
	}

	monitoring.Get().DeploymentsCreated.Inc()
	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handleListDeployments(c *gin.Context) {
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	deployments, err := s.registryService.ListDeployments(c.Request.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list deployments")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deployments": deployments, "count": len(deployments)})
}

func (s *APIServer) handleGetDeployment(c *gin.Context) {
	dep, ok := s.tenantDeployment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *APIServer) handlePauseDeployment(c *gin.Context) {
	s.setDeploymentStatus(c, models.DeploymentStatusPaused)
}

func (s *APIServer) handleResumeDeployment(c *gin.Context) {
	s.setDeploymentStatus(c, models.DeploymentStatusActive)
}

func (s *APIServer) setDeploymentStatus(c *gin.Context, status models.DeploymentStatus) {
	dep, ok := s.tenantDeployment(c)
	if !ok {
		return
	}

	if err := s.registryService.SetStatus(c.Request.Context(), dep.ID, status); err != nil {
		s.respondRegistryError(c, err)
		return
	}

	dep.Status = status
	c.JSON(http.StatusOK, dep)
}

func (s *APIServer) handleArchiveDeployment(c *gin.Context) {
	dep, ok := s.tenantDeployment(c)
	if !ok {
		return
	}

	if err := s.registryService.ArchiveDeployment(c.Request.Context(), dep.ID); err != nil {
		s.respondRegistryError(c, err)
		return
	}

	monitoring.Get().DeploymentsArchived.Inc()
	c.JSON(http.StatusOK, gin.H{"id": dep.ID, "status": models.DeploymentStatusArchived})
}

func (s *APIServer) handleRotateCredential(c *gin.Context) {
	dep, ok := s.tenantDeployment(c)
	if !ok {
		return
	}

	resp, err := s.registryService.RotateCredential(c.Request.Context(), dep.ID)
	if err != nil {
		s.respondRegistryError(c, err)
		return
	}

	monitoring.Get().CredentialsRotated.Inc()
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleDeploymentUsage(c *gin.Context) {
	dep, ok := s.tenantDeployment(c)
	if !ok {
		return
	}

	records, err := s.meter.ListByDeployment(c.Request.Context(), dep.ID, parseIntQuery(c, "limit", 50), parseIntQuery(c, "offset", 0))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list usage records")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	monthlyCount, err := s.meter.MonthlyCount(c.Request.Context(), dep.ID, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read monthly usage counter")
		monthlyCount = dep.MonthlyUsageCount
	}

	c.JSON(http.StatusOK, gin.H{
		"deployment_id":       dep.ID,
		"monthly_usage_count": monthlyCount,
		"records":             records,
	})
}

// tenantDeployment loads the deployment named in the path and enforces that
// it belongs to the caller's tenant
func (s *APIServer) tenantDeployment(c *gin.Context) (*models.Deployment, bool) {
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return nil, false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apierrors.NewInvalidRequestError("invalid deployment id"))
		return nil, false
	}

	dep, err := s.registryService.GetDeployment(c.Request.Context(), id)
	if err != nil {
		s.respondRegistryError(c, err)
		return nil, false
	}
	if dep.TenantID != tenantID {
		// Cross-tenant reads report not found, not forbidden
		s.respondError(c, apierrors.ErrDeploymentNotFoundError)
		return nil, false
	}
	return dep, true
}

func (s *APIServer) handleListConversations(c *gin.Context) {
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	conversations, err := s.conversations.ListByTenant(c.Request.Context(), tenantID, parseIntQuery(c, "limit", 50), parseIntQuery(c, "offset", 0))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list conversations")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations, "count": len(conversations)})
}

func (s *APIServer) handleConversationMessages(c *gin.Context) {
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apierrors.NewInvalidRequestError("invalid conversation id"))
		return
	}

	conv, err := s.conversations.Get(c.Request.Context(), id, tenantID)
	if err != nil {
		s.respondConversationError(c, err)
		return
	}

	messages, err := s.conversations.History(c.Request.Context(), conv.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load conversation history")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": messages})
}

func (s *APIServer) handleCloseConversation(c *gin.Context) {
	tenantID, err := middleware.GetTenantIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apierrors.NewInvalidRequestError("invalid conversation id"))
		return
	}

	if err := s.conversations.Close(c.Request.Context(), id, tenantID); err != nil {
		s.respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": models.ConversationStatusClosed})
}

func (s *APIServer) handleListRevenueEntries(c *gin.Context) {
	userID, err := middleware.GetUserIDFromContext(c)
	if err != nil {
		s.respondError(c, apierrors.ErrInvalidCredentialError)
		return
	}

	var periodStart *time.Time
	if v, ok := c.GetQuery("period_start"); ok {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(c, apierrors.NewInvalidRequestError("period_start must be RFC 3339"))
			return
		}
		periodStart = &ts
	}

	entries, err := s.revenueCalc.ListByDeveloper(c.Request.Context(), userID, periodStart, parseIntQuery(c, "limit", 50), parseIntQuery(c, "offset", 0))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list revenue entries")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RevenueRunRequest optionally names an explicit period; empty means the
// previous calendar month
type RevenueRunRequest struct {
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

func (s *APIServer) handleRevenueRun(c *gin.Context) {
	var req RevenueRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	periodStart, periodEnd := revenue.PreviousMonth(time.Now())
	if req.PeriodStart != nil && req.PeriodEnd != nil {
		periodStart, periodEnd = *req.PeriodStart, *req.PeriodEnd
	}

	result, err := s.revenueScheduler.RunForPeriod(c.Request.Context(), periodStart, periodEnd)
	if err != nil {
		if errors.Is(err, revenue.ErrInvalidPeriod) {
			s.respondError(c, apierrors.NewInvalidRequestError("period end must be after period start"))
			return
		}
		log.Error().Err(err).Msg("Revenue run failed")
		s.respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleRevenueStatus reports the scheduler state and the outcome of the
// most recent run
func (s *APIServer) handleRevenueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scheduler_running": s.revenueScheduler.IsRunning(),
		"last_run":          s.revenueScheduler.LastResult(),
	})
}

// handleMarkEntryPaid settles a pending revenue entry after the payout has
// gone out
func (s *APIServer) handleMarkEntryPaid(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apierrors.NewInvalidRequestError("invalid revenue entry id"))
		return
	}

	if err := s.revenueCalc.MarkPaid(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, revenue.ErrEntryNotFound):
			s.respondError(c, apierrors.ErrRevenueEntryNotFoundError)
		case errors.Is(err, revenue.ErrEntryNotPending):
			s.respondError(c, &apierrors.APIError{
				Code:       apierrors.ErrInvalidRequest,
				Message:    "Revenue entry is not pending",
				HTTPStatus: http.StatusConflict,
			})
		default:
			log.Error().Err(err).Msg("Failed to mark revenue entry paid")
			s.respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "payment_status": models.PaymentStatusPaid})
}

// respondRegistryError maps registry sentinels to API errors
func (s *APIServer) respondRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotAuthorized):
		s.respondError(c, apierrors.ErrForbiddenError)
	case errors.Is(err, registry.ErrTemplateNotFound):
		s.respondError(c, apierrors.ErrTemplateNotFoundError)
	case errors.Is(err, registry.ErrDeploymentNotFound):
		s.respondError(c, apierrors.ErrDeploymentNotFoundError)
	case errors.Is(err, registry.ErrDeploymentArchived):
		s.respondError(c, &apierrors.APIError{
			Code:       apierrors.ErrInvalidRequest,
			Message:    "Deployment is archived and cannot change state",
			HTTPStatus: http.StatusConflict,
		})
	default:
		log.Error().Err(err).Msg("Registry operation failed")
		s.respondError(c, apierrors.ErrInternalServerError)
	}
}

// respondConversationError maps conversation sentinels to API errors
func (s *APIServer) respondConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound), errors.Is(err, conversation.ErrConversationClosed):
		s.respondError(c, apierrors.ErrConversationNotFoundError)
	default:
		log.Error().Err(err).Msg("Conversation operation failed")
		s.respondError(c, apierrors.ErrInternalServerError)
	}
}

func (s *APIServer) respondError(c *gin.Context, apiErr *apierrors.APIError) {
	requestID := c.GetString("request_id")
	response := apierrors.NewErrorResponse(apiErr, requestID, c.Request.URL.Path, c.Request.Method)
	c.JSON(apiErr.HTTPStatus, response)
}

func parseIntQuery(c *gin.Context, name string, def int) int {
	if v, ok := c.GetQuery(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
