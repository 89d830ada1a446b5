package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generation/domain"
	"github.com/quizforge/quizforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -- Mocks --

type billingMock struct {
	mock.Mock
}

func (m *billingMock) Reserve(ctx context.Context, userID string, amountTokens int64, ref string, idempotencyKey *string) (*billingdomain.Reservation, error) {
	args := m.Called(ctx, userID, amountTokens, ref, idempotencyKey)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*billingdomain.Reservation), args.Error(1)
}

func (m *billingMock) Commit(ctx context.Context, reservationID snowflake.ID, actualTokens int64, ref string, idempotencyKey *string) (*billingdomain.CommitResult, error) {
	args := m.Called(ctx, reservationID, actualTokens, ref, idempotencyKey)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*billingdomain.CommitResult), args.Error(1)
}

func (m *billingMock) Release(ctx context.Context, reservationID snowflake.ID, reason string, ref string, idempotencyKey *string) (int64, error) {
	args := m.Called(ctx, reservationID, reason, ref, idempotencyKey)
	return args.Get(0).(int64), args.Error(1)
}

func (m *billingMock) DeductTokens(context.Context, string, int64, *string, string, map[string]any) error {
	return nil
}

func (m *billingMock) GetBalance(context.Context, string) (*billingdomain.Balance, error) {
	return nil, nil
}

func (m *billingMock) GetReservation(context.Context, snowflake.ID) (*billingdomain.Reservation, error) {
	return nil, nil
}

func (m *billingMock) ListTransactions(context.Context, string, billingdomain.TransactionFilter, pagination.Pagination) ([]*billingdomain.TokenTransaction, *pagination.PageInfo, error) {
	return nil, nil, nil
}

func (m *billingMock) ExpireReservations(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// -- Tests --

func newTestOrchestrator(t *testing.T, billingSvc billingdomain.Service, cfg config.BillingConfig) domain.Orchestrator {
	t.Helper()
	return New(Params{
		Log:        zap.NewNop(),
		BillingSvc: billingSvc,
		Billing:    config.NewStaticBillingConfigHolder(cfg),
		Clock:      clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func testReservation(estimated int64) *billingdomain.Reservation {
	node, _ := snowflake.NewNode(2)
	return &billingdomain.Reservation{
		ID:              node.Generate(),
		UserID:          "u1",
		EstimatedTokens: estimated,
		State:           billingdomain.ReservationStateActive,
	}
}

func TestRunCommitsActualUsage(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Commit", mock.Anything, reservation.ID, int64(320), mock.Anything, mock.Anything).
		Return(&billingdomain.CommitResult{CommittedTokens: 320, ReleasedTokens: 180}, nil).Once()

	orch := newTestOrchestrator(t, billingSvc, config.DefaultBillingConfig())

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{TokensUsed: 320, Started: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BillingStateCommitted, result.BillingState)
	assert.Equal(t, int64(320), result.CommittedTokens)
	assert.Equal(t, int64(180), result.ReleasedTokens)
	assert.Equal(t, reservation.ID, result.ReservationID)
	assert.NotEmpty(t, result.JobID)
	billingSvc.AssertExpectations(t)
}

func TestRunReleasesOnFailure(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)
	runErr := errors.New("model unavailable")

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Release", mock.Anything, reservation.ID, "generation_failed", mock.Anything, mock.Anything).
		Return(int64(500), nil).Once()

	orch := newTestOrchestrator(t, billingSvc, config.DefaultBillingConfig())

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{Started: true}, runErr
	})
	require.ErrorIs(t, err, runErr)
	assert.Equal(t, domain.BillingStateReleased, result.BillingState)
	assert.Equal(t, int64(500), result.ReleasedTokens)
	billingSvc.AssertExpectations(t)
}

func TestRunCancelCommitsMinimumStartFee(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	cfg := config.DefaultBillingConfig()
	cfg.CommitOnCancel = true
	cfg.MinStartFeeTokens = 100

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	// Usage so far (20) is below the floor, so the start fee applies.
	billingSvc.On("Commit", mock.Anything, reservation.ID, int64(100), mock.Anything, mock.Anything).
		Return(&billingdomain.CommitResult{CommittedTokens: 100, ReleasedTokens: 400}, nil).Once()

	orch := newTestOrchestrator(t, billingSvc, cfg)

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{TokensUsed: 20, Started: true}, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BillingStateCommitted, result.BillingState)
	assert.Equal(t, int64(100), result.CommittedTokens)
	billingSvc.AssertExpectations(t)
}

func TestRunCancelChargesUsageAboveFloor(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	cfg := config.DefaultBillingConfig()
	cfg.CommitOnCancel = true
	cfg.MinStartFeeTokens = 100

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Commit", mock.Anything, reservation.ID, int64(240), mock.Anything, mock.Anything).
		Return(&billingdomain.CommitResult{CommittedTokens: 240, ReleasedTokens: 260}, nil).Once()

	orch := newTestOrchestrator(t, billingSvc, cfg)

	_, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{TokensUsed: 240, Started: true}, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	billingSvc.AssertExpectations(t)
}

func TestRunCancelReleasesWhenNotStarted(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	cfg := config.DefaultBillingConfig()
	cfg.CommitOnCancel = true

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Release", mock.Anything, reservation.ID, "cancelled", mock.Anything, mock.Anything).
		Return(int64(500), nil).Once()

	orch := newTestOrchestrator(t, billingSvc, cfg)

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{Started: false}, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BillingStateReleased, result.BillingState)
	billingSvc.AssertExpectations(t)
}

func TestRunCancelReleasesWhenPolicyDisabled(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	cfg := config.DefaultBillingConfig()
	cfg.CommitOnCancel = false

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Release", mock.Anything, reservation.ID, "cancelled", mock.Anything, mock.Anything).
		Return(int64(500), nil).Once()

	orch := newTestOrchestrator(t, billingSvc, cfg)

	_, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{TokensUsed: 300, Started: true}, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	billingSvc.AssertExpectations(t)
}

func TestRunDoesNotRetryDomainErrors(t *testing.T) {
	billingSvc := &billingMock{}

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(nil, &billingdomain.InsufficientTokensError{
			UserID:    "u1",
			Estimated: 500,
			Available: 20,
			Shortfall: 480,
		}).Once()

	orch := newTestOrchestrator(t, billingSvc, config.DefaultBillingConfig())

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		t.Fatal("run function must not execute without a reservation")
		return domain.Usage{}, nil
	})
	require.ErrorIs(t, err, billingdomain.ErrInsufficientTokens)
	assert.Equal(t, domain.BillingStateNone, result.BillingState)
	billingSvc.AssertExpectations(t)
}

func TestRunRetriesTransientReserveErrors(t *testing.T) {
	billingSvc := &billingMock{}
	reservation := testReservation(500)

	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	billingSvc.On("Reserve", mock.Anything, "u1", int64(500), mock.Anything, mock.Anything).
		Return(reservation, nil).Once()
	billingSvc.On("Commit", mock.Anything, reservation.ID, int64(10), mock.Anything, mock.Anything).
		Return(&billingdomain.CommitResult{CommittedTokens: 10, ReleasedTokens: 490}, nil).Once()

	orch := newTestOrchestrator(t, billingSvc, config.DefaultBillingConfig())

	result, err := orch.Run(context.Background(), "u1", "quiz.generate", 500, func(ctx context.Context) (domain.Usage, error) {
		return domain.Usage{TokensUsed: 10, Started: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BillingStateCommitted, result.BillingState)
	billingSvc.AssertExpectations(t)
}

func TestDeriveIdempotencyKeyDeterministic(t *testing.T) {
	a := DeriveIdempotencyKey("job-1", "commit")
	b := DeriveIdempotencyKey("job-1", "commit")
	c := DeriveIdempotencyKey("job-1", "release")
	d := DeriveIdempotencyKey("job-2", "commit")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}
