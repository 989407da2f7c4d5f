package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/driftlabs/agentgrid/internal/backend"
	"github.com/driftlabs/agentgrid/internal/dispatcher"
	apierrors "github.com/driftlabs/agentgrid/internal/errors"
)

// TestSendDispatchError_CredentialTaxonomy tests that a request with no
// credential at all answers the credential-required code, not the
// invalid-credential one
func TestSendDispatchError_CredentialTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   apierrors.ErrorCode
		wantStatus int
	}{
		{"missing credential", dispatcher.ErrCredentialRequired, apierrors.ErrCredentialRequired, http.StatusUnauthorized},
		{"unknown credential", dispatcher.ErrInvalidCredential, apierrors.ErrInvalidCredential, http.StatusUnauthorized},
		{"wrong endpoint scope", dispatcher.ErrWrongEndpoint, apierrors.ErrInvalidCredential, http.StatusUnauthorized},
		{"paused deployment", dispatcher.ErrDeploymentNotActive, apierrors.ErrDeploymentNotFound, http.StatusNotFound},
		{"backend timeout", backend.ErrTimeout, apierrors.ErrBackendTimeout, http.StatusGatewayTimeout},
	}

	srv := &RouterServer{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/agent/some-template/chat", nil)

			srv.sendDispatchError(c, "test-request-id", tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}

			var resp apierrors.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("Expected error code %s, got %s", tt.wantCode, resp.Error.Code)
			}
			if resp.RequestID != "test-request-id" {
				t.Errorf("Expected request id to round-trip, got %q", resp.RequestID)
			}
		})
	}
}
