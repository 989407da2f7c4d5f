package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftlabs/agentgrid/internal/backend"
	"github.com/driftlabs/agentgrid/internal/cache"
	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/conversation"
	"github.com/driftlabs/agentgrid/internal/database"
	"github.com/driftlabs/agentgrid/internal/dispatcher"
	apierrors "github.com/driftlabs/agentgrid/internal/errors"
	"github.com/driftlabs/agentgrid/internal/logging"
	"github.com/driftlabs/agentgrid/internal/middleware"
	"github.com/driftlabs/agentgrid/internal/models"
	"github.com/driftlabs/agentgrid/internal/monitoring"
)

// RouterServer is the public execution surface: the three per-template
// endpoints that deployments are invoked through.
type RouterServer struct {
	config     *config.Config
	router     *gin.Engine
	db         *database.DB
	redis      *cache.Redis
	dispatcher *dispatcher.Service
}

// NewRouterServer creates the router server and wires the dispatch pipeline
func NewRouterServer(cfg *config.Config, db *database.DB, redis *cache.Redis, disp *dispatcher.Service) *RouterServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &RouterServer{
		config:     cfg,
		router:     router,
		db:         db,
		redis:      redis,
		dispatcher: disp,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *RouterServer) Router() http.Handler {
	return s.router
}

func (s *RouterServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	agent := s.router.Group("/agent/:templateId")
	{
		agent.POST("/chat", s.handleChat)
		agent.POST("/webhook", s.handleWebhook)
		agent.GET("/widget", s.handleWidget)
	}
}

func (s *RouterServer) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	components := gin.H{"database": "ok", "redis": "ok"}
	healthy := true
	if err := s.db.Health(ctx); err != nil {
		components["database"] = "unavailable"
		healthy = false
	}
	if err := s.redis.Health(ctx); err != nil {
		components["redis"] = "unavailable"
		healthy = false
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "router", "components": components})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "router", "components": components})
}

// ChatRequest is the body of a chat endpoint invocation
type ChatRequest struct {
	Message        string     `json:"message" binding:"required"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// handleChat handles conversational invocations
func (s *RouterServer) handleChat(c *gin.Context) {
	requestID := c.GetString("request_id")

	templateID, err := uuid.Parse(c.Param("templateId"))
	if err != nil {
		s.sendError(c, requestID, apierrors.NewInvalidRequestError("invalid template id"))
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, requestID, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.dispatcher.Invoke(c.Request.Context(), &dispatcher.InvokeRequest{
		TemplateID:     templateID,
		Endpoint:       models.EndpointTypeChat,
		RawKey:         s.extractKey(c),
		Message:        req.Message,
		ConversationID: req.ConversationID,
		RequestID:      requestID,
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		s.sendDispatchError(c, requestID, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleWebhook handles workflow invocations with arbitrary JSON payloads
func (s *RouterServer) handleWebhook(c *gin.Context) {
	requestID := c.GetString("request_id")

	templateID, err := uuid.Parse(c.Param("templateId"))
	if err != nil {
		s.sendError(c, requestID, apierrors.NewInvalidRequestError("invalid template id"))
		return
	}

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.sendError(c, requestID, apierrors.NewValidationError(err.Error()))
		return
	}

	message, _ := payload["message"].(string)

	resp, err := s.dispatcher.Invoke(c.Request.Context(), &dispatcher.InvokeRequest{
		TemplateID: templateID,
		Endpoint:   models.EndpointTypeWebhook,
		RawKey:     s.extractKey(c),
		Message:    message,
		Payload:    payload,
		RequestID:  requestID,
		ClientIP:   c.ClientIP(),
	})
	if err != nil {
		s.sendDispatchError(c, requestID, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleWidget serves the embeddable widget bootstrap. The key arrives as a
// query parameter because the snippet is loaded from a script tag.
func (s *RouterServer) handleWidget(c *gin.Context) {
	requestID := c.GetString("request_id")

	templateID, err := uuid.Parse(c.Param("templateId"))
	if err != nil {
		s.sendError(c, requestID, apierrors.NewInvalidRequestError("invalid template id"))
		return
	}

	rawKey := s.extractKey(c)
	if rawKey == "" {
		s.sendError(c, requestID, apierrors.ErrCredentialRequiredError)
		return
	}

	// The widget endpoint authenticates like the others but executes
	// nothing; it hands back the snippet that talks to the chat endpoint.
	if err := s.dispatcher.Authorize(c.Request.Context(), templateID, models.EndpointTypeWidget, rawKey, c.ClientIP()); err != nil {
		s.sendDispatchError(c, requestID, err)
		return
	}

	chatURL := fmt.Sprintf("%s/agent/%s/chat", s.config.Server.BaseURL, templateID)
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, widgetSnippet(chatURL))
}

// extractKey pulls the deployment credential from the header or, for
// embeddable surfaces, the query string
func (s *RouterServer) extractKey(c *gin.Context) string {
	if key := c.GetHeader("X-Agent-Key"); key != "" {
		return key
	}
	return c.Query("api_key")
}

// sendDispatchError maps dispatcher sentinels onto the platform error codes
func (s *RouterServer) sendDispatchError(c *gin.Context, requestID string, err error) {
	var rlErr *dispatcher.RateLimitError
	if errors.As(err, &rlErr) {
		retryAfter := int64(rlErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
		s.sendError(c, requestID, apierrors.NewRateLimitError(retryAfter))
		return
	}

	switch {
	case errors.Is(err, dispatcher.ErrCredentialRequired):
		s.sendError(c, requestID, apierrors.ErrCredentialRequiredError)
	case errors.Is(err, dispatcher.ErrInvalidCredential), errors.Is(err, dispatcher.ErrWrongEndpoint):
		s.sendError(c, requestID, apierrors.ErrInvalidCredentialError)
	case errors.Is(err, dispatcher.ErrDeploymentNotFound), errors.Is(err, dispatcher.ErrDeploymentNotActive):
		s.sendError(c, requestID, apierrors.ErrDeploymentNotFoundError)
	case errors.Is(err, dispatcher.ErrTemplateNotFound):
		s.sendError(c, requestID, apierrors.ErrTemplateNotFoundError)
	case errors.Is(err, dispatcher.ErrTemplateMisconfigured), errors.Is(err, backend.ErrMisconfigured):
		s.sendError(c, requestID, apierrors.ErrTemplateMisconfiguredError)
	case errors.Is(err, conversation.ErrConversationNotFound), errors.Is(err, conversation.ErrConversationClosed):
		s.sendError(c, requestID, apierrors.ErrConversationNotFoundError)
	case errors.Is(err, backend.ErrTimeout):
		s.sendError(c, requestID, apierrors.ErrBackendTimeoutError)
	case errors.Is(err, backend.ErrBackend):
		s.sendError(c, requestID, apierrors.ErrBackendFailureError)
	default:
		log.Error().Err(err).Str("request_id", requestID).Msg("Dispatch failed")
		s.sendError(c, requestID, apierrors.ErrInternalServerError)
	}
}

// sendError sends a standardized error response
func (s *RouterServer) sendError(c *gin.Context, requestID string, apiErr *apierrors.APIError) {
	response := apierrors.NewErrorResponse(apiErr, requestID, c.Request.URL.Path, c.Request.Method)
	c.JSON(apiErr.HTTPStatus, response)
}

// widgetSnippet renders the minimal embeddable chat bootstrap
func widgetSnippet(chatURL string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Agent Chat</title></head>
<body>
<div id="agentgrid-widget" data-endpoint="%s"></div>
<script>
(function () {
  var root = document.getElementById("agentgrid-widget");
  root.innerHTML = '<form id="ag-form"><input id="ag-input" type="text" placeholder="Ask something..."/><button type="submit">Send</button></form><pre id="ag-output"></pre>';
  var conversationId = null;
  document.getElementById("ag-form").addEventListener("submit", function (e) {
    e.preventDefault();
    var input = document.getElementById("ag-input");
    var params = new URLSearchParams(window.location.search);
    fetch(root.dataset.endpoint + "?api_key=" + params.get("api_key"), {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({ message: input.value, conversation_id: conversationId })
    }).then(function (r) { return r.json(); }).then(function (data) {
      if (data.conversation_id) { conversationId = data.conversation_id; }
      document.getElementById("ag-output").textContent = data.message || JSON.stringify(data.result);
    });
    input.value = "";
  });
})();
</script>
</body>
</html>`, chatURL)
}
