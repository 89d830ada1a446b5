package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingState mirrors the reservation lifecycle on the job, so job
// consumers never have to join against the ledger.
type BillingState string

const (
	BillingStateNone      BillingState = "NONE"
	BillingStateReserved  BillingState = "RESERVED"
	BillingStateCommitted BillingState = "COMMITTED"
	BillingStateReleased  BillingState = "RELEASED"
)

// Usage is what a generation run reports back. TokensUsed must be
// meaningful even on failure, reflecting usage accrued so far.
type Usage struct {
	TokensUsed int64
	Started    bool
}

// RunFunc performs the AI work for a job. It is expected to respect
// the context and report token usage accrued before any error.
type RunFunc func(ctx context.Context) (Usage, error)

// JobResult is the terminal accounting view of a generation job.
type JobResult struct {
	JobID           string
	ReservationID   snowflake.ID
	BillingState    BillingState
	EstimatedTokens int64
	CommittedTokens int64
	ReleasedTokens  int64
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Orchestrator drives a generation job through the reserve, run and
// settle phases.
type Orchestrator interface {
	Run(ctx context.Context, userID, operation string, estimatedTokens int64, fn RunFunc) (*JobResult, error)
}
