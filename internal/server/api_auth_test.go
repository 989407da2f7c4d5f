package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Helper function to create a test JWT token
func createTestJWTToken(secret, userID, tenantID, role string, expiry time.Duration) string {
	now := time.Now()
	claims := &middleware.Claims{
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func newAuthTestRouter(secret string) *gin.Engine {
	authenticator := middleware.NewJWTAuthenticator(&config.JWTConfig{Secret: secret})

	router := gin.New()
	router.Use(middleware.RequestID())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	protected := router.Group("/api/v1")
	protected.Use(authenticator.JWTAuth())
	{
		protected.GET("/deployments", func(c *gin.Context) {
			tenantID, _ := middleware.GetTenantIDFromContext(c)
			c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID})
		})

		admin := protected.Group("")
		admin.Use(middleware.RequireTenantAdmin())
		{
			admin.POST("/deployments", func(c *gin.Context) {
				c.JSON(http.StatusCreated, gin.H{"message": "created"})
			})
		}
	}

	return router
}

// TestAdminAPI_Authentication verifies token handling on the administrative API
func TestAdminAPI_Authentication(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing-32chars"
	router := newAuthTestRouter(secret)

	t.Run("HealthEndpoint_NoAuthRequired", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Health endpoint should be public, got status %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoint_NoToken_Unauthorized", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Missing token should return 401, got %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoint_MalformedHeader_Unauthorized", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		req.Header.Set("Authorization", "Token not-a-bearer")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Non-Bearer header should return 401, got %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoint_WrongSecret_Unauthorized", func(t *testing.T) {
		token := createTestJWTToken("some-other-secret-entirely-32chars!", "u", "t", "admin", time.Hour)
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Token signed with wrong secret should return 401, got %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoint_ExpiredToken_Unauthorized", func(t *testing.T) {
		token := createTestJWTToken(secret, "u", "t", "admin", -time.Hour)
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expired token should return 401, got %d", w.Code)
		}
	})

	t.Run("ProtectedEndpoint_ValidToken_OK", func(t *testing.T) {
		token := createTestJWTToken(secret, "0d5ec17a-0000-4000-8000-000000000001",
			"0d5ec17a-0000-4000-8000-000000000002", "member", time.Hour)
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Valid token should return 200, got %d", w.Code)
		}
	})
}

// TestAdminAPI_RoleEnforcement verifies that mutating endpoints require the
// tenant admin role while reads accept any member
func TestAdminAPI_RoleEnforcement(t *testing.T) {
	secret := "test-secret-key-for-jwt-testing-32chars"
	router := newAuthTestRouter(secret)

	tests := []struct {
		role       string
		wantStatus int
	}{
		{"admin", http.StatusCreated},
		{"member", http.StatusForbidden},
		{"viewer", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			token := createTestJWTToken(secret, "0d5ec17a-0000-4000-8000-000000000001",
				"0d5ec17a-0000-4000-8000-000000000002", tt.role, time.Hour)
			req := httptest.NewRequest("POST", "/api/v1/deployments", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Role %s should get %d on admin endpoint, got %d", tt.role, tt.wantStatus, w.Code)
			}
		})
	}
}

// TestAdminAPI_RequestIDPropagation verifies request id echo and generation
func TestAdminAPI_RequestIDPropagation(t *testing.T) {
	router := newAuthTestRouter("test-secret-key-for-jwt-testing-32chars")

	t.Run("SuppliedIDEchoed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Request-ID", "caller-supplied-id")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
			t.Errorf("Supplied request id should be echoed, got %q", got)
		}
	})

	t.Run("MissingIDGenerated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Header().Get("X-Request-ID") == "" {
			t.Error("A request id should be generated when none is supplied")
		}
	})
}
