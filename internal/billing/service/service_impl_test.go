package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/billing/repository"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, billingCfg config.BillingConfig) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&domain.Balance{},
		&domain.Reservation{},
		&domain.TokenTransaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.New(fc),
		Clock:   fc,
		Billing: config.NewStaticBillingConfigHolder(billingCfg),
	})

	return svc, db, fc
}

func seedBalance(t *testing.T, db *gorm.DB, userID string, available int64) {
	t.Helper()
	require.NoError(t, db.Create(&domain.Balance{
		UserID:          userID,
		AvailableTokens: available,
	}).Error)
}

func loadBalance(t *testing.T, db *gorm.DB, userID string) domain.Balance {
	t.Helper()
	var balance domain.Balance
	require.NoError(t, db.Where("user_id = ?", userID).First(&balance).Error)
	return balance
}

func countTransactions(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&domain.TokenTransaction{}).Where("user_id = ?", userID).Count(&count).Error)
	return count
}

func strPtr(s string) *string { return &s }

func TestReserveCommitSettlesRemainder(t *testing.T) {
	svc, db, fc := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStateActive, reservation.State)
	assert.Equal(t, int64(40), reservation.EstimatedTokens)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(60), balance.AvailableTokens)
	assert.Equal(t, int64(40), balance.ReservedTokens)
	assert.True(t, balance.UpdatedAt.Equal(fc.Now()))

	result, err := svc.Commit(ctx, reservation.ID, 30, "job-1", strPtr("key-commit"))
	require.NoError(t, err)
	assert.Equal(t, int64(30), result.CommittedTokens)
	assert.Equal(t, int64(10), result.ReleasedTokens)

	balance = loadBalance(t, db, "u1")
	assert.Equal(t, int64(70), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	settled, err := svc.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStateCommitted, settled.State)
	assert.Equal(t, int64(30), settled.CommittedTokens)

	// RESERVE, COMMIT and the automatic remainder RELEASE.
	assert.Equal(t, int64(3), countTransactions(t, db, "u1"))

	var remainderTxn domain.TokenTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", "u1", domain.TransactionTypeRelease).First(&remainderTxn).Error)
	assert.Equal(t, int64(10), remainderTxn.AmountTokens)
	assert.Nil(t, remainderTxn.IdempotencyKey)
}

func TestReserveReleaseRestoresBalance(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.NoError(t, err)

	released, err := svc.Release(ctx, reservation.ID, "generation_failed", "job-1", strPtr("key-release"))
	require.NoError(t, err)
	assert.Equal(t, int64(40), released)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(100), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	settled, err := svc.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStateReleased, settled.State)

	// Exactly one RESERVE and one RELEASE row, both for the full amount.
	var txns []domain.TokenTransaction
	require.NoError(t, db.Where("user_id = ?", "u1").Order("id ASC").Find(&txns).Error)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.TransactionTypeReserve, txns[0].Type)
	assert.Equal(t, domain.TransactionTypeRelease, txns[1].Type)
	assert.Equal(t, int64(40), txns[0].AmountTokens)
	assert.Equal(t, int64(40), txns[1].AmountTokens)
}

func TestReserveInsufficientTokensNoMutation(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 10)

	_, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientTokens)

	var insufficient *domain.InsufficientTokensError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(30), insufficient.Shortfall)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Equal(t, config.DefaultBillingConfig().RetryAfter, insufficient.RetryAfter)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(10), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)
	assert.Equal(t, int64(0), countTransactions(t, db, "u1"))
}

func TestReserveReplaySameKey(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	first, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.NoError(t, err)

	second, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Tokens moved exactly once.
	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(60), balance.AvailableTokens)
	assert.Equal(t, int64(40), balance.ReservedTokens)
	assert.Equal(t, int64(1), countTransactions(t, db, "u1"))
}

func TestCommitReplaySameKey(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("key-reserve"))
	require.NoError(t, err)

	first, err := svc.Commit(ctx, reservation.ID, 30, "job-1", strPtr("key-commit"))
	require.NoError(t, err)

	second, err := svc.Commit(ctx, reservation.ID, 30, "job-1", strPtr("key-commit"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(70), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)
	assert.Equal(t, int64(3), countTransactions(t, db, "u1"))
}

func TestCommitOnCommittedWithoutKeyIsBenign(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)

	first, err := svc.Commit(ctx, reservation.ID, 30, "job-1", nil)
	require.NoError(t, err)

	second, err := svc.Commit(ctx, reservation.ID, 30, "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(70), balance.AvailableTokens)
}

func TestCommitCapsAtEstimate(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)

	result, err := svc.Commit(ctx, reservation.ID, 55, "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(40), result.CommittedTokens)
	assert.Equal(t, int64(0), result.ReleasedTokens)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(60), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	// No remainder means no RELEASE row.
	assert.Equal(t, int64(2), countTransactions(t, db, "u1"))
}

func TestCommitExceedsReservedOnSettled(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)

	_, err = svc.Commit(ctx, reservation.ID, 40, "job-1", nil)
	require.NoError(t, err)

	_, err = svc.Commit(ctx, reservation.ID, 55, "job-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCommitExceedsReserved)
}

func TestReleaseOnSettledReservation(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)

	_, err = svc.Release(ctx, reservation.ID, "cancelled", "job-1", nil)
	require.NoError(t, err)

	_, err = svc.Release(ctx, reservation.ID, "cancelled", "job-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReservationNotActive)

	var notActive *domain.ReservationNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, domain.ReservationStateReleased, notActive.State)
}

func TestIdempotencyKeyConflict(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", strPtr("shared-key"))
	require.NoError(t, err)

	// Same key, different operation: conflict, never a merge.
	_, err = svc.Release(ctx, reservation.ID, "cancelled", "job-1", strPtr("shared-key"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	// The reservation stays untouched by the rejected call.
	current, err := svc.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStateActive, current.State)
}

func TestDeductTokensPolicy(t *testing.T) {
	t.Run("negative balance disallowed", func(t *testing.T) {
		svc, db, _ := newTestService(t, config.DefaultBillingConfig())
		ctx := context.Background()
		seedBalance(t, db, "u1", 10)

		err := svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInsufficientAvailableTokens)

		balance := loadBalance(t, db, "u1")
		assert.Equal(t, int64(10), balance.AvailableTokens)
	})

	t.Run("negative balance allowed", func(t *testing.T) {
		cfg := config.DefaultBillingConfig()
		cfg.AllowNegativeBalance = true
		svc, db, _ := newTestService(t, cfg)
		ctx := context.Background()
		seedBalance(t, db, "u1", 10)

		err := svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", map[string]any{"reason": "back-billing"})
		require.NoError(t, err)

		balance := loadBalance(t, db, "u1")
		assert.Equal(t, int64(-15), balance.AvailableTokens)

		var txn domain.TokenTransaction
		require.NoError(t, db.Where("user_id = ?", "u1").First(&txn).Error)
		assert.Equal(t, domain.TransactionTypeRefund, txn.Type)
		assert.Equal(t, int64(-25), txn.AmountTokens)
	})
}

func TestDeductReplaySameKey(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil))
	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil))

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(75), balance.AvailableTokens)
	assert.Equal(t, int64(1), countTransactions(t, db, "u1"))
}

func TestDeductKeyReusedForDifferentRef(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil))

	err := svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-2", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	var conflict *domain.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "adjustment-1", conflict.ExistingRefID)
	assert.Equal(t, "adjustment-2", conflict.RequestedRefID)

	// Only the first deduction landed.
	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(75), balance.AvailableTokens)
	assert.Equal(t, int64(1), countTransactions(t, db, "u1"))
}

func TestDeductKeyReusedForDifferentAmount(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil))

	err := svc.DeductTokens(ctx, "u1", 50, strPtr("key-deduct"), "adjustment-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(75), balance.AvailableTokens)
	assert.Equal(t, int64(1), countTransactions(t, db, "u1"))
}

func TestDeductKeyReusedForDifferentUser(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)
	seedBalance(t, db, "u2", 100)

	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-deduct"), "adjustment-1", nil))

	err := svc.DeductTokens(ctx, "u2", 25, strPtr("key-deduct"), "adjustment-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	balance := loadBalance(t, db, "u2")
	assert.Equal(t, int64(100), balance.AvailableTokens)
}

// blindFirstLookupRepo hides the stored key from the first lookup,
// reproducing the window where a concurrent delivery inserts the same
// key between the replay check and the append.
type blindFirstLookupRepo struct {
	domain.Repository
	skipped bool
}

func (r *blindFirstLookupRepo) FindTransactionByKey(ctx context.Context, tx *gorm.DB, key string) (*domain.TokenTransaction, error) {
	if !r.skipped {
		r.skipped = true
		return nil, nil
	}
	return r.Repository.FindTransactionByKey(ctx, tx, key)
}

func TestDeductConcurrentDeliveryResolvesToReplay(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Balance{},
		&domain.Reservation{},
		&domain.TokenTransaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    &blindFirstLookupRepo{Repository: repository.New(fc)},
		Clock:   fc,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	ctx := context.Background()

	// The concurrent delivery already settled this deduction.
	require.NoError(t, db.Create(&domain.Balance{
		UserID:          "u1",
		AvailableTokens: 75,
	}).Error)
	require.NoError(t, db.Create(&domain.TokenTransaction{
		ID:                    node.Generate(),
		UserID:                "u1",
		Type:                  domain.TransactionTypeRefund,
		AmountTokens:          -25,
		BalanceAfterAvailable: 75,
		RefID:                 "adjustment-1",
		IdempotencyKey:        strPtr("key-race"),
		CreatedAt:             fc.Now(),
	}).Error)

	// Losing the key insert race must resolve to the stored replay,
	// not a conflict, and must not double-charge.
	require.NoError(t, svc.DeductTokens(ctx, "u1", 25, strPtr("key-race"), "adjustment-1", nil))

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(75), balance.AvailableTokens)
	assert.Equal(t, int64(1), countTransactions(t, db, "u1"))
}

func TestGetBalanceLazyCreates(t *testing.T) {
	svc, db, fc := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()

	balance, err := svc.GetBalance(ctx, "fresh-user")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	stored := loadBalance(t, db, "fresh-user")
	assert.Equal(t, int64(0), stored.AvailableTokens)
	// Timestamps flow from the injected clock, never the wall clock.
	assert.True(t, stored.CreatedAt.Equal(fc.Now()))
	assert.True(t, stored.UpdatedAt.Equal(fc.Now()))
}

func TestExpireReservations(t *testing.T) {
	svc, db, fc := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)

	// Not yet expired.
	expired, err := svc.ExpireReservations(ctx, fc.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	fc.Advance(config.DefaultBillingConfig().ReservationTTL + time.Minute)

	expired, err = svc.ExpireReservations(ctx, fc.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	balance := loadBalance(t, db, "u1")
	assert.Equal(t, int64(100), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	swept, err := svc.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStateExpired, swept.State)

	var txn domain.TokenTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", "u1", domain.TransactionTypeRelease).First(&txn).Error)
	assert.Nil(t, txn.IdempotencyKey)
	assert.Equal(t, "expired", txn.Metadata["reason"])

	// Commit after expiry is rejected.
	_, err = svc.Commit(ctx, reservation.ID, 10, "job-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReservationNotActive)
}

func TestListTransactionsPagination(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 1000)

	for i := 0; i < 5; i++ {
		_, err := svc.Reserve(ctx, "u1", 10, fmt.Sprintf("job-%d", i), nil)
		require.NoError(t, err)
	}

	firstPage, pageInfo, err := svc.ListTransactions(ctx, "u1", domain.TransactionFilter{}, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, firstPage, 2)
	require.NotNil(t, pageInfo)
	assert.True(t, pageInfo.HasMore)

	secondPage, _, err := svc.ListTransactions(ctx, "u1", domain.TransactionFilter{}, pagination.Pagination{
		PageSize:  2,
		PageToken: pageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, secondPage, 2)

	// Newest first, no overlap across pages.
	assert.True(t, firstPage[0].ID > firstPage[1].ID)
	assert.True(t, firstPage[1].ID > secondPage[0].ID)
}

func TestListTransactionsTypeFilter(t *testing.T) {
	svc, db, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()
	seedBalance(t, db, "u1", 100)

	reservation, err := svc.Reserve(ctx, "u1", 40, "job-1", nil)
	require.NoError(t, err)
	_, err = svc.Commit(ctx, reservation.ID, 30, "job-1", nil)
	require.NoError(t, err)

	commits, _, err := svc.ListTransactions(ctx, "u1", domain.TransactionFilter{
		Type: domain.TransactionTypeCommit,
	}, pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, int64(30), commits[0].AmountTokens)
}

func TestReserveValidation(t *testing.T) {
	svc, _, _ := newTestService(t, config.DefaultBillingConfig())
	ctx := context.Background()

	_, err := svc.Reserve(ctx, "", 40, "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = svc.Reserve(ctx, "u1", 0, "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Reserve(ctx, "u1", -5, "job-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
