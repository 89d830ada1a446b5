package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/cloudmetrics"
	"github.com/quizforge/quizforge/internal/config"
	obsmetrics "github.com/quizforge/quizforge/internal/observability/metrics"
	"github.com/quizforge/quizforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
	Cloud      *cloudmetrics.Recorder `optional:"true"`
}

// Service is the billing engine. Each operation runs in one database
// transaction; the per-user balance row lock serializes concurrent
// reserve/commit/release for the same user.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
	cloud      *cloudmetrics.Recorder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
		cloud:      p.Cloud,
	}
}

// inTx runs fn in one transaction. Losing the idempotency-key insert
// race rolls back and re-runs once; the second pass finds the winner's
// row and resolves to its replay outcome or a genuine conflict.
func (s *Service) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if errors.Is(err, domain.ErrIdempotencyKeyRace) {
		err = s.db.WithContext(ctx).Transaction(fn)
	}
	return err
}

// Reserve moves amountTokens from available to reserved and opens an
// ACTIVE reservation. Replays of the same key return the original
// reservation without mutating anything.
func (s *Service) Reserve(ctx context.Context, userID string, amountTokens int64, ref string, idempotencyKey *string) (*domain.Reservation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if amountTokens <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	cfg := s.billing.Get()

	var out *domain.Reservation
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		existing, err := s.findReplay(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Type != domain.TransactionTypeReserve || existing.UserID != userID || existing.AmountTokens != amountTokens {
				return checkReplay(existing, domain.TransactionTypeReserve, "")
			}
			resID, parseErr := snowflake.ParseString(existing.RefID)
			if parseErr != nil {
				return parseErr
			}
			replayed, loadErr := s.repo.FindReservation(ctx, tx, resID)
			if loadErr != nil {
				return loadErr
			}
			out = replayed
			return nil
		}

		balance, err := s.repo.FindBalanceForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if balance.AvailableTokens < amountTokens {
			return &domain.InsufficientTokensError{
				UserID:     userID,
				Estimated:  amountTokens,
				Available:  balance.AvailableTokens,
				Shortfall:  amountTokens - balance.AvailableTokens,
				RetryAfter: cfg.RetryAfter,
			}
		}

		balance.AvailableTokens -= amountTokens
		balance.ReservedTokens += amountTokens
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}

		now := s.clock.Now()
		reservation := &domain.Reservation{
			ID:              s.genID.Generate(),
			UserID:          userID,
			EstimatedTokens: amountTokens,
			State:           domain.ReservationStateActive,
			CreatedAt:       now,
			ExpiresAt:       now.Add(cfg.ReservationTTL),
		}
		if err := s.repo.CreateReservation(ctx, tx, reservation); err != nil {
			return err
		}

		txn := &domain.TokenTransaction{
			ID:                    s.genID.Generate(),
			UserID:                userID,
			Type:                  domain.TransactionTypeReserve,
			AmountTokens:          amountTokens,
			BalanceAfterAvailable: balance.AvailableTokens,
			RefID:                 reservation.ID.String(),
			IdempotencyKey:        idempotencyKey,
			Metadata:              refMetadata(ref),
			CreatedAt:             now,
		}
		if err := s.repo.AppendTransaction(ctx, tx, txn); err != nil {
			return err
		}

		out = reservation
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientTokens) {
			s.obsMetrics.RecordInsufficientTokens(ctx)
		}
		return nil, err
	}

	// The metric records the logical event, so replays count too.
	s.obsMetrics.RecordReservationCreated(ctx)
	s.cloud.RecordTokensReserved(amountTokens)
	s.log.Debug("reservation created",
		zap.String("user_id", userID),
		zap.String("reservation_id", out.ID.String()),
		zap.Int64("estimated_tokens", amountTokens),
	)
	return out, nil
}

// Commit settles a reservation at min(actualTokens, estimate). The
// whole estimate leaves the reserved pool; only the unused remainder
// returns to available.
func (s *Service) Commit(ctx context.Context, reservationID snowflake.ID, actualTokens int64, ref string, idempotencyKey *string) (*domain.CommitResult, error) {
	if actualTokens < 0 {
		return nil, domain.ErrInvalidAmount
	}

	var out *domain.CommitResult
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		existing, err := s.findReplay(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := checkReplay(existing, domain.TransactionTypeCommit, reservationID.String()); err != nil {
				return err
			}
			replayed, loadErr := s.repo.FindReservation(ctx, tx, reservationID)
			if loadErr != nil {
				return loadErr
			}
			out = &domain.CommitResult{
				CommittedTokens: replayed.CommittedTokens,
				ReleasedTokens:  replayed.RemainderTokens(),
			}
			return nil
		}

		reservation, err := s.repo.FindReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		if reservation.Settled() {
			if reservation.State == domain.ReservationStateCommitted {
				out = &domain.CommitResult{
					CommittedTokens: reservation.CommittedTokens,
					ReleasedTokens:  reservation.RemainderTokens(),
				}
				return nil
			}
			if actualTokens > reservation.EstimatedTokens {
				return &domain.CommitExceedsReservedError{
					ReservationID: reservation.ID,
					Estimated:     reservation.EstimatedTokens,
					Actual:        actualTokens,
				}
			}
			return &domain.ReservationNotActiveError{ReservationID: reservation.ID, State: reservation.State}
		}

		committed := actualTokens
		if committed > reservation.EstimatedTokens {
			// Underestimation cap: never charge beyond the reserve. The
			// discrepancy goes to billing reconciliation, not the user.
			s.log.Warn("actual usage exceeded reservation estimate",
				zap.String("reservation_id", reservation.ID.String()),
				zap.String("user_id", reservation.UserID),
				zap.Int64("estimated_tokens", reservation.EstimatedTokens),
				zap.Int64("actual_tokens", actualTokens),
			)
			committed = reservation.EstimatedTokens
		}
		remainder := reservation.EstimatedTokens - committed

		balance, err := s.repo.FindBalanceForUpdate(ctx, tx, reservation.UserID)
		if err != nil {
			return err
		}
		balance.ReservedTokens -= reservation.EstimatedTokens
		balance.AvailableTokens += remainder
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}

		now := s.clock.Now()
		commitTxn := &domain.TokenTransaction{
			ID:                    s.genID.Generate(),
			UserID:                reservation.UserID,
			Type:                  domain.TransactionTypeCommit,
			AmountTokens:          committed,
			BalanceAfterAvailable: balance.AvailableTokens,
			RefID:                 reservation.ID.String(),
			IdempotencyKey:        idempotencyKey,
			Metadata:              refMetadata(ref),
			CreatedAt:             now,
		}
		if err := s.repo.AppendTransaction(ctx, tx, commitTxn); err != nil {
			return err
		}

		if remainder > 0 {
			// Second ledger row so the audit trail shows both the spend
			// and the automatic remainder refund.
			releaseTxn := &domain.TokenTransaction{
				ID:                    s.genID.Generate(),
				UserID:                reservation.UserID,
				Type:                  domain.TransactionTypeRelease,
				AmountTokens:          remainder,
				BalanceAfterAvailable: balance.AvailableTokens,
				RefID:                 reservation.ID.String(),
				Metadata:              refMetadata(ref),
				CreatedAt:             now,
			}
			if err := s.repo.AppendTransaction(ctx, tx, releaseTxn); err != nil {
				return err
			}
		}

		reservation.State = domain.ReservationStateCommitted
		reservation.CommittedTokens = committed
		if err := s.repo.UpdateReservation(ctx, tx, reservation); err != nil {
			return err
		}

		out = &domain.CommitResult{CommittedTokens: committed, ReleasedTokens: remainder}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCommit(ctx, out.CommittedTokens)
	s.cloud.RecordTokensCommitted(out.CommittedTokens)
	s.log.Debug("reservation committed",
		zap.String("reservation_id", reservationID.String()),
		zap.Int64("committed_tokens", out.CommittedTokens),
		zap.Int64("released_tokens", out.ReleasedTokens),
	)
	return out, nil
}

// Release returns the full estimate to the available pool.
func (s *Service) Release(ctx context.Context, reservationID snowflake.ID, reason string, ref string, idempotencyKey *string) (int64, error) {
	var released int64
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		existing, err := s.findReplay(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := checkReplay(existing, domain.TransactionTypeRelease, reservationID.String()); err != nil {
				return err
			}
			released = existing.AmountTokens
			return nil
		}

		reservation, err := s.repo.FindReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Settled() {
			return &domain.ReservationNotActiveError{ReservationID: reservation.ID, State: reservation.State}
		}

		balance, err := s.repo.FindBalanceForUpdate(ctx, tx, reservation.UserID)
		if err != nil {
			return err
		}
		balance.ReservedTokens -= reservation.EstimatedTokens
		balance.AvailableTokens += reservation.EstimatedTokens
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}

		metadata := refMetadata(ref)
		if strings.TrimSpace(reason) != "" {
			if metadata == nil {
				metadata = datatypes.JSONMap{}
			}
			metadata["reason"] = strings.TrimSpace(reason)
		}

		txn := &domain.TokenTransaction{
			ID:                    s.genID.Generate(),
			UserID:                reservation.UserID,
			Type:                  domain.TransactionTypeRelease,
			AmountTokens:          reservation.EstimatedTokens,
			BalanceAfterAvailable: balance.AvailableTokens,
			RefID:                 reservation.ID.String(),
			IdempotencyKey:        idempotencyKey,
			Metadata:              metadata,
			CreatedAt:             s.clock.Now(),
		}
		if err := s.repo.AppendTransaction(ctx, tx, txn); err != nil {
			return err
		}

		reservation.State = domain.ReservationStateReleased
		if err := s.repo.UpdateReservation(ctx, tx, reservation); err != nil {
			return err
		}

		released = reservation.EstimatedTokens
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.obsMetrics.RecordRelease(ctx, reason)
	s.log.Debug("reservation released",
		zap.String("reservation_id", reservationID.String()),
		zap.Int64("released_tokens", released),
		zap.String("reason", reason),
	)
	return released, nil
}

// DeductTokens is the out-of-band adjustment path, independent of any
// reservation. The balance may go negative only when the policy
// allows it.
func (s *Service) DeductTokens(ctx context.Context, userID string, amountTokens int64, idempotencyKey *string, ref string, metadata map[string]any) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrInvalidUser
	}
	if amountTokens <= 0 {
		return domain.ErrInvalidAmount
	}

	cfg := s.billing.Get()

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		existing, err := s.findReplay(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			// A replay must match the stored deduction exactly. A reused
			// key with a different user, amount or ref is a conflict,
			// never a silent merge.
			if existing.Type == domain.TransactionTypeRefund &&
				existing.UserID == userID &&
				existing.AmountTokens == -amountTokens &&
				existing.RefID == strings.TrimSpace(ref) {
				return nil
			}
			return keyConflict(existing, strings.TrimSpace(ref))
		}

		balance, err := s.repo.FindBalanceForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if !cfg.AllowNegativeBalance && balance.AvailableTokens < amountTokens {
			return &domain.InsufficientAvailableTokensError{
				UserID:    userID,
				Available: balance.AvailableTokens,
				Requested: amountTokens,
				Shortfall: amountTokens - balance.AvailableTokens,
			}
		}

		balance.AvailableTokens -= amountTokens
		if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}

		txn := &domain.TokenTransaction{
			ID:                    s.genID.Generate(),
			UserID:                userID,
			Type:                  domain.TransactionTypeRefund,
			AmountTokens:          -amountTokens,
			BalanceAfterAvailable: balance.AvailableTokens,
			RefID:                 strings.TrimSpace(ref),
			IdempotencyKey:        idempotencyKey,
			Metadata:              datatypes.JSONMap(metadata),
			CreatedAt:             s.clock.Now(),
		}
		return s.repo.AppendTransaction(ctx, tx, txn)
	})
	if err != nil {
		return err
	}

	s.obsMetrics.RecordDeduction(ctx, "adjustment")
	s.cloud.RecordDeduction()
	s.log.Debug("tokens deducted",
		zap.String("user_id", userID),
		zap.Int64("amount_tokens", amountTokens),
	)
	return nil
}

// GetBalance returns the user's counters, creating the zeroed row on
// first access.
func (s *Service) GetBalance(ctx context.Context, userID string) (*domain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	var balance *domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.repo.FindBalanceForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// GetReservation loads a reservation's current state.
func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*domain.Reservation, error) {
	return s.repo.FindReservation(ctx, s.db, reservationID)
}

// ListTransactions pages through the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter, page pagination.Pagination) ([]*domain.TokenTransaction, *pagination.PageInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, domain.ErrInvalidUser
	}

	limit := page.PageSize
	if limit <= 0 {
		limit = 10
	}
	if limit > 250 {
		limit = 250
	}

	var cursorID snowflake.ID
	if strings.TrimSpace(page.PageToken) != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		if cursor.ID != "" {
			parsed, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return nil, nil, err
			}
			cursorID = parsed
		}
	}

	txns, err := s.repo.ListTransactions(ctx, s.db, userID, filter, limit+1, cursorID)
	if err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(txns, int32(limit), func(txn *domain.TokenTransaction) string {
		token, encodeErr := pagination.EncodeCursor(pagination.Cursor{
			ID:        txn.ID.String(),
			CreatedAt: txn.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if encodeErr != nil {
			return ""
		}
		return token
	})
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, pageInfo, nil
}

// ExpireReservations sweeps ACTIVE reservations past their TTL,
// returning held tokens to the available pool. Each swept row gets a
// keyless RELEASE ledger entry so conservation stays auditable.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	expired := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := s.repo.FindExpiredActive(ctx, tx, now, limit)
		if err != nil {
			return err
		}

		for _, reservation := range batch {
			balance, err := s.repo.FindBalanceForUpdate(ctx, tx, reservation.UserID)
			if err != nil {
				return err
			}
			balance.ReservedTokens -= reservation.EstimatedTokens
			balance.AvailableTokens += reservation.EstimatedTokens
			if err := s.repo.SaveBalance(ctx, tx, balance); err != nil {
				return err
			}

			txn := &domain.TokenTransaction{
				ID:                    s.genID.Generate(),
				UserID:                reservation.UserID,
				Type:                  domain.TransactionTypeRelease,
				AmountTokens:          reservation.EstimatedTokens,
				BalanceAfterAvailable: balance.AvailableTokens,
				RefID:                 reservation.ID.String(),
				Metadata:              datatypes.JSONMap{"reason": "expired"},
				CreatedAt:             s.clock.Now(),
			}
			if err := s.repo.AppendTransaction(ctx, tx, txn); err != nil {
				return err
			}

			reservation.State = domain.ReservationStateExpired
			if err := s.repo.UpdateReservation(ctx, tx, reservation); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		s.obsMetrics.RecordReservationExpired(ctx, int64(expired))
		s.cloud.RecordReservationsExpired(int64(expired))
		s.log.Info("expired reservations swept", zap.Int("count", expired))
	}
	return expired, nil
}

func refMetadata(ref string) datatypes.JSONMap {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	return datatypes.JSONMap{"ref": ref}
}
