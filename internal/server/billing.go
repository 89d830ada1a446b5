package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/pkg/db/pagination"
)

type balanceResponse struct {
	UserID          string    `json:"user_id"`
	AvailableTokens int64     `json:"available_tokens"`
	ReservedTokens  int64     `json:"reserved_tokens"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type reservationResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	CommittedTokens int64     `json:"committed_tokens"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type transactionResponse struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	Type                  string         `json:"type"`
	AmountTokens          int64          `json:"amount_tokens"`
	BalanceAfterAvailable int64          `json:"balance_after_available"`
	RefID                 string         `json:"ref_id,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

func toReservationResponse(r *billingdomain.Reservation) reservationResponse {
	return reservationResponse{
		ID:              r.ID.String(),
		UserID:          r.UserID,
		EstimatedTokens: r.EstimatedTokens,
		CommittedTokens: r.CommittedTokens,
		State:           string(r.State),
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func toTransactionResponse(t *billingdomain.TokenTransaction) transactionResponse {
	return transactionResponse{
		ID:                    t.ID.String(),
		UserID:                t.UserID,
		Type:                  string(t.Type),
		AmountTokens:          t.AmountTokens,
		BalanceAfterAvailable: t.BalanceAfterAvailable,
		RefID:                 t.RefID,
		Metadata:              t.Metadata,
		CreatedAt:             t.CreatedAt,
	}
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	balance, err := s.billingSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		UserID:          balance.UserID,
		AvailableTokens: balance.AvailableTokens,
		ReservedTokens:  balance.ReservedTokens,
		UpdatedAt:       balance.UpdatedAt,
	}})
}

func (s *Server) GetReservation(c *gin.Context) {
	reservationID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	reservation, err := s.billingSvc.GetReservation(c.Request.Context(), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toReservationResponse(reservation)})
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var query struct {
		pagination.Pagination
		Type  string `form:"type"`
		RefID string `form:"ref_id"`
		Since string `form:"since"`
		Until string `form:"until"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}

	until, err := parseOptionalTime(query.Until, true)
	if err != nil {
		AbortWithError(c, newValidationError("until", "invalid_until", "invalid until"))
		return
	}

	filter := billingdomain.TransactionFilter{
		Type:  billingdomain.TransactionType(strings.ToUpper(strings.TrimSpace(query.Type))),
		RefID: strings.TrimSpace(query.RefID),
		Since: since,
		Until: until,
	}

	txns, pageInfo, err := s.billingSvc.ListTransactions(c.Request.Context(), userID, filter, query.Pagination)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make([]transactionResponse, 0, len(txns))
	for _, txn := range txns {
		data = append(data, toTransactionResponse(txn))
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      data,
		"page_info": pageInfo,
	})
}

type reserveRequest struct {
	UserID          string  `json:"user_id"`
	EstimatedTokens int64   `json:"estimated_tokens"`
	Ref             string  `json:"ref"`
	IdempotencyKey  *string `json:"idempotency_key"`
}

func (s *Server) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	reservation, err := s.billingSvc.Reserve(c.Request.Context(), strings.TrimSpace(req.UserID), req.EstimatedTokens, strings.TrimSpace(req.Ref), req.IdempotencyKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toReservationResponse(reservation)})
}

type commitRequest struct {
	ReservationID  string  `json:"reservation_id"`
	ActualTokens   int64   `json:"actual_tokens"`
	Ref            string  `json:"ref"`
	IdempotencyKey *string `json:"idempotency_key"`
}

func (s *Server) Commit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	reservationID, err := parseSnowflakeID(req.ReservationID)
	if err != nil {
		AbortWithError(c, newValidationError("reservation_id", "invalid_reservation_id", "invalid reservation id"))
		return
	}

	result, err := s.billingSvc.Commit(c.Request.Context(), reservationID, req.ActualTokens, strings.TrimSpace(req.Ref), req.IdempotencyKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type releaseRequest struct {
	ReservationID  string  `json:"reservation_id"`
	Reason         string  `json:"reason"`
	Ref            string  `json:"ref"`
	IdempotencyKey *string `json:"idempotency_key"`
}

func (s *Server) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	reservationID, err := parseSnowflakeID(req.ReservationID)
	if err != nil {
		AbortWithError(c, newValidationError("reservation_id", "invalid_reservation_id", "invalid reservation id"))
		return
	}

	released, err := s.billingSvc.Release(c.Request.Context(), reservationID, strings.TrimSpace(req.Reason), strings.TrimSpace(req.Ref), req.IdempotencyKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"released_tokens": released}})
}

type deductRequest struct {
	UserID         string         `json:"user_id"`
	AmountTokens   int64          `json:"amount_tokens"`
	Ref            string         `json:"ref"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) DeductTokens(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	err := s.billingSvc.DeductTokens(c.Request.Context(), strings.TrimSpace(req.UserID), req.AmountTokens, req.IdempotencyKey, strings.TrimSpace(req.Ref), req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.billingSvc.GetBalance(c.Request.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		UserID:          balance.UserID,
		AvailableTokens: balance.AvailableTokens,
		ReservedTokens:  balance.ReservedTokens,
		UpdatedAt:       balance.UpdatedAt,
	}})
}
