package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quizforge/quizforge/pkg/db/pagination"
)

// CommitResult reports the settled split of a reservation's estimate.
type CommitResult struct {
	CommittedTokens int64 `json:"committed_tokens"`
	ReleasedTokens  int64 `json:"released_tokens"`
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Type  TransactionType
	RefID string
	Since time.Time
	Until time.Time
}

// Service is the billing engine. Every mutating operation executes as
// one atomic unit of work and is idempotent on the supplied key.
type Service interface {
	Reserve(ctx context.Context, userID string, amountTokens int64, ref string, idempotencyKey *string) (*Reservation, error)
	Commit(ctx context.Context, reservationID snowflake.ID, actualTokens int64, ref string, idempotencyKey *string) (*CommitResult, error)
	Release(ctx context.Context, reservationID snowflake.ID, reason string, ref string, idempotencyKey *string) (int64, error)
	DeductTokens(ctx context.Context, userID string, amountTokens int64, idempotencyKey *string, ref string, metadata map[string]any) error

	GetBalance(ctx context.Context, userID string) (*Balance, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter, page pagination.Pagination) ([]*TokenTransaction, *pagination.PageInfo, error)

	ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error)
}
