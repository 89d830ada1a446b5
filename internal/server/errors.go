package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"gorm.io/gorm"
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
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
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
		setErrorHeaders(c, lastErr.Err)
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

	var insufficient *billingdomain.InsufficientTokensError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_tokens",
			Message: "insufficient tokens",
			Details: map[string]any{
				"estimated_tokens":    insufficient.Estimated,
				"available_tokens":    insufficient.Available,
				"shortfall_tokens":    insufficient.Shortfall,
				"retry_after_seconds": int64(insufficient.RetryAfter.Seconds()),
			},
		}
	}

	var insufficientAvailable *billingdomain.InsufficientAvailableTokensError
	if errors.As(err, &insufficientAvailable) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_available_tokens",
			Message: "insufficient available tokens",
			Details: map[string]any{
				"available_tokens": insufficientAvailable.Available,
				"requested_tokens": insufficientAvailable.Requested,
				"shortfall_tokens": insufficientAvailable.Shortfall,
			},
		}
	}

	var notActive *billingdomain.ReservationNotActiveError
	if errors.As(err, &notActive) {
		return http.StatusConflict, errorPayload{
			Type:    "reservation_not_active",
			Message: "reservation is not active",
			Details: map[string]any{
				"reservation_id": notActive.ReservationID.String(),
				"state":          string(notActive.State),
			},
		}
	}

	var keyConflict *billingdomain.IdempotencyConflictError
	if errors.As(err, &keyConflict) {
		return http.StatusConflict, errorPayload{
			Type:    "idempotency_conflict",
			Message: "idempotency key reused for a different request",
			Details: map[string]any{
				"existing_ref_id":  keyConflict.ExistingRefID,
				"requested_ref_id": keyConflict.RequestedRefID,
			},
		}
	}

	var exceedsReserved *billingdomain.CommitExceedsReservedError
	if errors.As(err, &exceedsReserved) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "commit_exceeds_reserved",
			Message: "commit exceeds the reserved amount",
			Details: map[string]any{
				"reservation_id":   exceedsReserved.ReservationID.String(),
				"estimated_tokens": exceedsReserved.Estimated,
				"actual_tokens":    exceedsReserved.Actual,
			},
		}
	}

	switch {
	case errors.Is(err, billingdomain.ErrInvalidUser):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "user_id", Code: "invalid_user", Message: "invalid user id"},
			},
		}
	case errors.Is(err, billingdomain.ErrInvalidAmount):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "amount_tokens", Code: "invalid_amount", Message: "amount must be positive"},
			},
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// setErrorHeaders adds the Retry-After hint on insufficient-token
// rejections so generation clients can back off without parsing the body.
func setErrorHeaders(c *gin.Context, err error) {
	var insufficient *billingdomain.InsufficientTokensError
	if errors.As(err, &insufficient) && insufficient.RetryAfter > 0 {
		c.Header("Retry-After", formatSeconds(insufficient.RetryAfter))
	}
}

func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, billingdomain.ErrReservationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog buckets request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if asValidationErrors(err) != nil {
		return "validation", "validation_error"
	}
	switch {
	case errors.Is(err, billingdomain.ErrInsufficientTokens):
		return "domain", "insufficient_tokens"
	case errors.Is(err, billingdomain.ErrInsufficientAvailableTokens):
		return "domain", "insufficient_available_tokens"
	case errors.Is(err, billingdomain.ErrReservationNotActive):
		return "domain", "reservation_not_active"
	case errors.Is(err, billingdomain.ErrIdempotencyConflict):
		return "domain", "idempotency_conflict"
	case errors.Is(err, billingdomain.ErrCommitExceedsReserved):
		return "domain", "commit_exceeds_reserved"
	case errors.Is(err, billingdomain.ErrInvalidUser),
		errors.Is(err, billingdomain.ErrInvalidAmount):
		return "validation", err.Error()
	case isNotFoundError(err):
		return "domain", "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit", "rate_limited"
	case errors.Is(err, ErrServiceUnavailable):
		return "infra", "service_unavailable"
	default:
		return "internal", "internal_error"
	}
}
