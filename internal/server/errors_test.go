package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name: "insufficient tokens",
			err: &billingdomain.InsufficientTokensError{
				UserID:     "u1",
				Estimated:  40,
				Available:  10,
				Shortfall:  30,
				RetryAfter: 5 * time.Minute,
			},
			wantStatus: http.StatusPaymentRequired,
			wantType:   "insufficient_tokens",
		},
		{
			name: "insufficient available tokens",
			err: &billingdomain.InsufficientAvailableTokensError{
				UserID:    "u1",
				Available: 10,
				Requested: 25,
				Shortfall: 15,
			},
			wantStatus: http.StatusPaymentRequired,
			wantType:   "insufficient_available_tokens",
		},
		{
			name: "reservation not active",
			err: &billingdomain.ReservationNotActiveError{
				State: billingdomain.ReservationStateCommitted,
			},
			wantStatus: http.StatusConflict,
			wantType:   "reservation_not_active",
		},
		{
			name:       "idempotency conflict",
			err:        &billingdomain.IdempotencyConflictError{Key: "k"},
			wantStatus: http.StatusConflict,
			wantType:   "idempotency_conflict",
		},
		{
			name: "commit exceeds reserved",
			err: &billingdomain.CommitExceedsReservedError{
				Estimated: 40,
				Actual:    55,
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "commit_exceeds_reserved",
		},
		{
			name:       "invalid user",
			err:        billingdomain.ErrInvalidUser,
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "invalid amount",
			err:        billingdomain.ErrInvalidAmount,
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "reservation not found",
			err:        billingdomain.ErrReservationNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "record not found",
			err:        gorm.ErrRecordNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "rate limited",
			err:        ErrRateLimited,
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limited",
		},
		{
			name:       "validation errors",
			err:        newValidationError("user_id", "invalid_user", "invalid user id"),
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantType, payload.Type)
		})
	}
}

func TestMapErrorInsufficientTokensDetails(t *testing.T) {
	_, payload := mapError(&billingdomain.InsufficientTokensError{
		UserID:     "u1",
		Estimated:  40,
		Available:  10,
		Shortfall:  30,
		RetryAfter: 5 * time.Minute,
	})

	assert.Equal(t, int64(30), payload.Details["shortfall_tokens"])
	assert.Equal(t, int64(300), payload.Details["retry_after_seconds"])
}

func TestFormatSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, "300", formatSeconds(5*time.Minute))
	assert.Equal(t, "1", formatSeconds(200*time.Millisecond))
}
