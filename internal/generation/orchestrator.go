package generation

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opReserve = "reserve"
	opCommit  = "commit"
	opRelease = "release"
	opCancel  = "cancel"

	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
)

type Params struct {
	fx.In

	Log        *zap.Logger
	BillingSvc billingdomain.Service
	Billing    *config.BillingConfigHolder
	Clock      clock.Clock
}

// Orchestrator owns the retry loops around the ledger. The ledger's
// idempotency keys make every retry safe; keys are derived from the
// job id and operation name so re-delivered events settle once.
type Orchestrator struct {
	log        *zap.Logger
	billingSvc billingdomain.Service
	billing    *config.BillingConfigHolder
	clock      clock.Clock
}

func New(p Params) domain.Orchestrator {
	return &Orchestrator{
		log:        p.Log.Named("generation.orchestrator"),
		billingSvc: p.BillingSvc,
		billing:    p.Billing,
		clock:      p.Clock,
	}
}

// Run reserves tokens, executes the generation work, then settles the
// reservation. Success commits actual usage; failure releases the
// reserve; cancellation of started work may commit a minimum start fee
// under the commit-on-cancel policy.
func (o *Orchestrator) Run(ctx context.Context, userID, operation string, estimatedTokens int64, fn domain.RunFunc) (*domain.JobResult, error) {
	jobID := ulid.Make().String()
	log := o.log.With(
		zap.String("job_id", jobID),
		zap.String("user_id", userID),
		zap.String("operation", operation),
	)

	result := &domain.JobResult{
		JobID:           jobID,
		BillingState:    domain.BillingStateNone,
		EstimatedTokens: estimatedTokens,
		StartedAt:       o.clock.Now(),
	}

	reserveKey := DeriveIdempotencyKey(jobID, opReserve)
	reservation, err := o.reserveWithRetry(ctx, userID, estimatedTokens, jobID, reserveKey)
	if err != nil {
		result.FinishedAt = o.clock.Now()
		return result, err
	}
	result.ReservationID = reservation.ID
	result.BillingState = domain.BillingStateReserved
	log.Debug("tokens reserved", zap.String("reservation_id", reservation.ID.String()))

	usage, runErr := fn(ctx)

	switch {
	case runErr == nil:
		commitKey := DeriveIdempotencyKey(jobID, opCommit)
		settled, commitErr := o.commitWithRetry(ctx, reservation.ID, usage.TokensUsed, jobID, commitKey)
		if commitErr != nil {
			result.FinishedAt = o.clock.Now()
			return result, commitErr
		}
		result.BillingState = domain.BillingStateCommitted
		result.CommittedTokens = settled.CommittedTokens
		result.ReleasedTokens = settled.ReleasedTokens

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		settleErr := o.settleCancelled(ctx, reservation, usage, jobID, result)
		if settleErr != nil {
			result.FinishedAt = o.clock.Now()
			return result, errors.Join(runErr, settleErr)
		}
		result.FinishedAt = o.clock.Now()
		return result, runErr

	default:
		releaseKey := DeriveIdempotencyKey(jobID, opRelease)
		released, releaseErr := o.releaseWithRetry(ctx, reservation.ID, "generation_failed", jobID, releaseKey)
		if releaseErr != nil {
			result.FinishedAt = o.clock.Now()
			return result, errors.Join(runErr, releaseErr)
		}
		result.BillingState = domain.BillingStateReleased
		result.ReleasedTokens = released
		result.FinishedAt = o.clock.Now()
		return result, runErr
	}

	result.FinishedAt = o.clock.Now()
	log.Info("generation job settled",
		zap.String("billing_state", string(result.BillingState)),
		zap.Int64("committed_tokens", result.CommittedTokens),
		zap.Int64("released_tokens", result.ReleasedTokens),
	)
	return result, nil
}

// settleCancelled applies the commit-on-cancel policy: a job that
// already started pays at least the minimum start fee, capped at its
// estimate. Untouched jobs release in full. Settlement runs on a
// detached context since the job context is already cancelled.
func (o *Orchestrator) settleCancelled(ctx context.Context, reservation *billingdomain.Reservation, usage domain.Usage, jobID string, result *domain.JobResult) error {
	settleCtx := context.WithoutCancel(ctx)
	cfg := o.billing.Get()

	if cfg.CommitOnCancel && usage.Started {
		charge := usage.TokensUsed
		if charge < cfg.MinStartFeeTokens {
			charge = cfg.MinStartFeeTokens
		}
		if charge > reservation.EstimatedTokens {
			charge = reservation.EstimatedTokens
		}
		cancelKey := DeriveIdempotencyKey(jobID, opCancel)
		settled, err := o.commitWithRetry(settleCtx, reservation.ID, charge, jobID, cancelKey)
		if err != nil {
			return err
		}
		result.BillingState = domain.BillingStateCommitted
		result.CommittedTokens = settled.CommittedTokens
		result.ReleasedTokens = settled.ReleasedTokens
		return nil
	}

	releaseKey := DeriveIdempotencyKey(jobID, opRelease)
	released, err := o.releaseWithRetry(settleCtx, reservation.ID, "cancelled", jobID, releaseKey)
	if err != nil {
		return err
	}
	result.BillingState = domain.BillingStateReleased
	result.ReleasedTokens = released
	return nil
}

func (o *Orchestrator) reserveWithRetry(ctx context.Context, userID string, amount int64, ref, key string) (*billingdomain.Reservation, error) {
	var reservation *billingdomain.Reservation
	err := o.retry(ctx, func() error {
		var reserveErr error
		reservation, reserveErr = o.billingSvc.Reserve(ctx, userID, amount, ref, &key)
		return reserveErr
	})
	return reservation, err
}

func (o *Orchestrator) commitWithRetry(ctx context.Context, reservationID snowflake.ID, actual int64, ref, key string) (*billingdomain.CommitResult, error) {
	var result *billingdomain.CommitResult
	err := o.retry(ctx, func() error {
		var commitErr error
		result, commitErr = o.billingSvc.Commit(ctx, reservationID, actual, ref, &key)
		return commitErr
	})
	return result, err
}

func (o *Orchestrator) releaseWithRetry(ctx context.Context, reservationID snowflake.ID, reason, ref, key string) (int64, error) {
	var released int64
	err := o.retry(ctx, func() error {
		var releaseErr error
		released, releaseErr = o.billingSvc.Release(ctx, reservationID, reason, ref, &key)
		return releaseErr
	})
	return released, err
}

// retry runs fn with a small bounded retry loop. Ledger errors are
// decisions, not glitches, so only transient infrastructure failures
// are retried; the idempotency keys make every retry safe.
func (o *Orchestrator) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func isPermanent(err error) bool {
	return errors.Is(err, billingdomain.ErrInsufficientTokens) ||
		errors.Is(err, billingdomain.ErrInsufficientAvailableTokens) ||
		errors.Is(err, billingdomain.ErrReservationNotActive) ||
		errors.Is(err, billingdomain.ErrIdempotencyConflict) ||
		errors.Is(err, billingdomain.ErrCommitExceedsReserved) ||
		errors.Is(err, billingdomain.ErrReservationNotFound) ||
		errors.Is(err, billingdomain.ErrInvalidUser) ||
		errors.Is(err, billingdomain.ErrInvalidAmount)
}
