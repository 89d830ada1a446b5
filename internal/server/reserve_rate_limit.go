package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/quizforge/quizforge/internal/observability/logger"
	"go.uber.org/zap"
)

type reserveRateLimitKey struct {
	UserID string `json:"user_id"`
}

// ReserveRateLimit throttles reserve calls per user. The user id is
// read from the request body and the body restored for the handler.
func (s *Server) ReserveRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.reserveLimiter.Enabled() {
			c.Next()
			return
		}

		userID, err := readReserveUserID(c)
		if err != nil {
			AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
			return
		}
		if userID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, err := s.reserveLimiter.AllowReserve(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("reserve rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("reserve rate limit exceeded",
				zap.Int("limit", result.Limit),
			)
			if result.RetryAfter > 0 {
				c.Header("Retry-After", formatSeconds(result.RetryAfter))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

func readReserveUserID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload reserveRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.UserID), nil
}
