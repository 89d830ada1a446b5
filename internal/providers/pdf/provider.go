package pdf

import (
	"context"
	"io"
	"time"
)

// StatementData feeds the token statement renderer. Amounts follow the
// ledger sign convention: positive rows return tokens to the available
// pool, negative rows remove them permanently.
type StatementData struct {
	UserID      string
	GeneratedAt time.Time

	AvailableTokens int64
	ReservedTokens  int64

	PeriodLabel string
	Lines       []StatementLine
}

type StatementLine struct {
	Date         string
	Type         string
	RefID        string
	Amount       int64
	BalanceAfter int64
}

type Provider interface {
	GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error)
}

// NoOpProvider renders nothing. It stands in for the real renderer in
// tests that only exercise the surrounding handler plumbing.
type NoOpProvider struct{}

func (p *NoOpProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	return nil, nil
}
