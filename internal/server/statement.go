package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/providers/pdf"
	"github.com/quizforge/quizforge/pkg/db/pagination"
)

const statementMaxLines = 2000

// GetStatement renders the monthly token statement as a PDF. The month
// query parameter takes "2006-01"; it defaults to the current month.
func (s *Server) GetStatement(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	now := time.Now().UTC()

	since, until, err := parseStatementMonth(c.Query("month"), now)
	if err != nil {
		AbortWithError(c, newValidationError("month", "invalid_month", "invalid month"))
		return
	}

	ctx := c.Request.Context()
	balance, err := s.billingSvc.GetBalance(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filter := billingdomain.TransactionFilter{
		Since: since,
		Until: until,
	}

	lines := make([]pdf.StatementLine, 0, 64)
	pageToken := ""
	for len(lines) < statementMaxLines {
		txns, pageInfo, err := s.billingSvc.ListTransactions(ctx, userID, filter, pagination.Pagination{
			PageToken: pageToken,
			PageSize:  250,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		for _, txn := range txns {
			lines = append(lines, pdf.StatementLine{
				Date:         txn.CreatedAt.UTC().Format("2006-01-02 15:04"),
				Type:         string(txn.Type),
				RefID:        txn.RefID,
				Amount:       txn.AmountTokens,
				BalanceAfter: txn.BalanceAfterAvailable,
			})
		}
		if len(lines) > statementMaxLines {
			lines = lines[:statementMaxLines]
		}

		if pageInfo == nil || !pageInfo.HasMore {
			break
		}
		pageToken = pageInfo.NextPageToken
	}

	// Listings are newest-first; the statement reads oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	reader, err := s.pdfProvider.GenerateStatement(ctx, pdf.StatementData{
		UserID:          userID,
		GeneratedAt:     now,
		AvailableTokens: balance.AvailableTokens,
		ReservedTokens:  balance.ReservedTokens,
		PeriodLabel:     since.Format("January 2006"),
		Lines:           lines,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if reader == nil {
		AbortWithError(c, ErrInternal)
		return
	}

	filename := "statement-" + userID + "-" + since.Format("2006-01") + ".pdf"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.DataFromReader(http.StatusOK, -1, "application/pdf", reader, nil)
}
