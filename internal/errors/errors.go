package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrCredentialRequired ErrorCode = "40101"
	ErrInvalidCredential  ErrorCode = "40102"
	ErrTokenExpired       ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrDeploymentNotFound   ErrorCode = "40401"
	ErrTemplateNotFound     ErrorCode = "40402"
	ErrConversationNotFound ErrorCode = "40403"
	ErrRevenueEntryNotFound ErrorCode = "40404"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// Configuration errors (422xx)
	ErrTemplateMisconfigured ErrorCode = "42201"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer ErrorCode = "50001"
	ErrBackendFailure ErrorCode = "50201"
	ErrBackendTimeout ErrorCode = "50401"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
	Path      string   `json:"path,omitempty"`
	Method    string   `json:"method,omitempty"`
}

// NewErrorResponse builds the response envelope for an API error
func NewErrorResponse(apiErr *APIError, requestID, path, method string) *ErrorResponse {
	stamped := *apiErr
	if stamped.Timestamp == "" {
		stamped.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return &ErrorResponse{
		Error:     stamped,
		RequestID: requestID,
		Path:      path,
		Method:    method,
	}
}

// Common errors
var (
	ErrCredentialRequiredError = &APIError{
		Code:       ErrCredentialRequired,
		Message:    "credential required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidCredentialError = &APIError{
		Code:       ErrInvalidCredential,
		Message:    "invalid credential",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrDeploymentNotFoundError = &APIError{
		Code:       ErrDeploymentNotFound,
		Message:    "Deployment not found or not active",
		HTTPStatus: http.StatusNotFound,
	}

	ErrTemplateNotFoundError = &APIError{
		Code:       ErrTemplateNotFound,
		Message:    "Agent template not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrConversationNotFoundError = &APIError{
		Code:       ErrConversationNotFound,
		Message:    "Conversation not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRevenueEntryNotFoundError = &APIError{
		Code:       ErrRevenueEntryNotFound,
		Message:    "Revenue entry not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrTemplateMisconfiguredError = &APIError{
		Code:       ErrTemplateMisconfigured,
		Message:    "Agent template is missing required execution configuration",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrBackendFailureError = &APIError{
		Code:       ErrBackendFailure,
		Message:    "Execution backend failed",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrBackendTimeoutError = &APIError{
		Code:       ErrBackendTimeout,
		Message:    "Execution backend timed out",
		HTTPStatus: http.StatusGatewayTimeout,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewRateLimitError creates a rate limit error carrying a retry hint
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		Details:    map[string]int64{"retry_after_seconds": retryAfterSeconds},
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// GetHTTPStatusFromCode maps an error code to its HTTP status
func GetHTTPStatusFromCode(code ErrorCode) int {
	switch code {
	case ErrCredentialRequired, ErrInvalidCredential, ErrTokenExpired:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrDeploymentNotFound, ErrTemplateNotFound, ErrConversationNotFound, ErrRevenueEntryNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest, ErrValidationFailed:
		return http.StatusBadRequest
	case ErrTemplateMisconfigured:
		return http.StatusUnprocessableEntity
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrBackendTimeout:
		return http.StatusGatewayTimeout
	case ErrBackendFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
