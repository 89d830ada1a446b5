package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/providers/pdf"
	"github.com/quizforge/quizforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statementBillingStub serves canned balance and transaction pages.
// pages == 0 means an endless listing.
type statementBillingStub struct {
	billingdomain.Service
	firstPageSize int
	pages         int
	calls         int
}

func (s *statementBillingStub) GetBalance(ctx context.Context, userID string) (*billingdomain.Balance, error) {
	return &billingdomain.Balance{UserID: userID, AvailableTokens: 10}, nil
}

func (s *statementBillingStub) ListTransactions(ctx context.Context, userID string, filter billingdomain.TransactionFilter, page pagination.Pagination) ([]*billingdomain.TokenTransaction, *pagination.PageInfo, error) {
	s.calls++
	n := page.PageSize
	if s.calls == 1 && s.firstPageSize > 0 {
		n = s.firstPageSize
	}
	txns := make([]*billingdomain.TokenTransaction, 0, n)
	for i := 0; i < n; i++ {
		txns = append(txns, &billingdomain.TokenTransaction{
			UserID:       userID,
			Type:         billingdomain.TransactionTypeReserve,
			AmountTokens: 10,
			RefID:        fmt.Sprintf("page-%d-row-%d", s.calls, i),
			CreatedAt:    time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC),
		})
	}
	hasMore := s.pages == 0 || s.calls < s.pages
	return txns, &pagination.PageInfo{HasMore: hasMore, NextPageToken: "next"}, nil
}

type capturingPDFProvider struct {
	data pdf.StatementData
}

func (p *capturingPDFProvider) GenerateStatement(ctx context.Context, data pdf.StatementData) (io.Reader, error) {
	p.data = data
	return strings.NewReader("%PDF-1.4"), nil
}

func newStatementTestEngine(svc billingdomain.Service, provider pdf.Provider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	s := &Server{engine: r, billingSvc: svc, pdfProvider: provider}
	r.GET("/api/billing/statement/:user_id", s.GetStatement)
	return r
}

func TestGetStatementCapsLineCount(t *testing.T) {
	stub := &statementBillingStub{firstPageSize: 249}
	provider := &capturingPDFProvider{}
	r := newStatementTestEngine(stub, provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/billing/statement/u1?month=2026-07", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	// The uneven first page makes the final fetch overshoot; the
	// statement still never exceeds its cap.
	assert.Len(t, provider.data.Lines, statementMaxLines)
}

func TestGetStatementOrdersOldestFirst(t *testing.T) {
	stub := &statementBillingStub{pages: 1}
	provider := &capturingPDFProvider{}
	r := newStatementTestEngine(stub, provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/billing/statement/u1?month=2026-07", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	lines := provider.data.Lines
	require.Len(t, lines, 250)
	// Listings come newest-first; the rendered statement reverses them.
	assert.Equal(t, "page-1-row-249", lines[0].RefID)
	assert.Equal(t, "page-1-row-0", lines[len(lines)-1].RefID)
	assert.Equal(t, "July 2026", provider.data.PeriodLabel)
}

func TestGetStatementNilRendererIsInternalError(t *testing.T) {
	stub := &statementBillingStub{pages: 1}
	r := newStatementTestEngine(stub, &pdf.NoOpProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/billing/statement/u1?month=2026-07", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetStatementInvalidMonth(t *testing.T) {
	stub := &statementBillingStub{pages: 1}
	r := newStatementTestEngine(stub, &capturingPDFProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/billing/statement/u1?month=not-a-month", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
