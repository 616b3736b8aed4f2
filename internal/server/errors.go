package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTooManyRequest = errors.New("too_many_requests")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrTooManyRequest):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "too many requests",
		}
	case errors.Is(err, entitlementdomain.ErrAccountNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid signature",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request", true
	case errors.Is(err, entitlementdomain.ErrInvalidAccountID):
		return "invalid_account_id", true
	case errors.Is(err, entitlementdomain.ErrInvalidActionType):
		return "invalid_action_type", true
	case errors.Is(err, entitlementdomain.ErrInvalidSource):
		return "invalid_source", true
	case errors.Is(err, entitlementdomain.ErrInvalidRequestID):
		return "invalid_request_id", true
	case errors.Is(err, paymentdomain.ErrInvalidProvider):
		return "invalid_provider", true
	case errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return "invalid_payload", true
	default:
		return "", false
	}
}

func validationField(code string) string {
	switch code {
	case "invalid_account_id":
		return "account_id"
	case "invalid_action_type":
		return "action_type"
	case "invalid_source":
		return "source"
	case "invalid_request_id":
		return "request_id"
	case "invalid_provider":
		return "provider"
	case "invalid_payload":
		return "payload"
	default:
		return "request"
	}
}

// classifyErrorForLog buckets handler errors for the request log without
// leaking message contents.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if asValidationErrors(err) != nil {
		return "validation_error", "validation_error"
	}
	if code, ok := validationCode(err); ok {
		return "validation_error", code
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", "unauthorized"
	case errors.Is(err, ErrTooManyRequest):
		return "too_many_requests", "too_many_requests"
	case errors.Is(err, entitlementdomain.ErrAccountNotFound):
		return "not_found", "account_not_found"
	case errors.Is(err, paymentdomain.ErrProviderNotFound):
		return "not_found", "provider_not_found"
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return "invalid_signature", "invalid_signature"
	default:
		return "internal_error", "internal_error"
	}
}
