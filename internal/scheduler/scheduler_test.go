package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	billingrepository "github.com/quizforge/quizforge/internal/billing/repository"
	billingservice "github.com/quizforge/quizforge/internal/billing/service"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSweepFixture(t *testing.T) (*Scheduler, billingdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&billingdomain.Balance{},
		&billingdomain.Reservation{},
		&billingdomain.TokenTransaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	billingSvc := billingservice.NewService(billingservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    billingrepository.New(fc),
		Clock:   fc,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})

	sched, err := New(Params{
		Log:        zap.NewNop(),
		BillingSvc: billingSvc,
		Clock:      fc,
		Config: Config{
			RunInterval: time.Minute,
			BatchSize:   2,
			JobTimeout:  5 * time.Second,
		},
	})
	require.NoError(t, err)

	return sched, billingSvc, db, fc
}

func TestRunOnceExpiresOverdueReservations(t *testing.T) {
	sched, billingSvc, db, fc := newSweepFixture(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&billingdomain.Balance{
		UserID:          "u1",
		AvailableTokens: 100,
	}).Error)

	var reservations []*billingdomain.Reservation
	for i := 0; i < 3; i++ {
		reservation, err := billingSvc.Reserve(ctx, "u1", 10, fmt.Sprintf("job-%d", i), nil)
		require.NoError(t, err)
		reservations = append(reservations, reservation)
	}

	var balance billingdomain.Balance
	require.NoError(t, db.Where("user_id = ?", "u1").First(&balance).Error)
	require.Equal(t, int64(70), balance.AvailableTokens)
	require.Equal(t, int64(30), balance.ReservedTokens)

	// Still inside the TTL: nothing to sweep.
	require.NoError(t, sched.RunOnce(ctx))
	require.NoError(t, db.Where("user_id = ?", "u1").First(&balance).Error)
	assert.Equal(t, int64(30), balance.ReservedTokens)

	fc.Advance(config.DefaultBillingConfig().ReservationTTL + time.Minute)

	// Batch size 2 forces multiple passes in one sweep.
	require.NoError(t, sched.RunOnce(ctx))

	require.NoError(t, db.Where("user_id = ?", "u1").First(&balance).Error)
	assert.Equal(t, int64(100), balance.AvailableTokens)
	assert.Equal(t, int64(0), balance.ReservedTokens)

	for _, reservation := range reservations {
		swept, err := billingSvc.GetReservation(ctx, reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, billingdomain.ReservationStateExpired, swept.State)
	}
}

func TestRunOnceSkipsActiveReservationsWithinTTL(t *testing.T) {
	sched, billingSvc, db, fc := newSweepFixture(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&billingdomain.Balance{
		UserID:          "u1",
		AvailableTokens: 100,
	}).Error)

	stale, err := billingSvc.Reserve(ctx, "u1", 10, "job-old", nil)
	require.NoError(t, err)

	fc.Advance(config.DefaultBillingConfig().ReservationTTL + time.Minute)

	fresh, err := billingSvc.Reserve(ctx, "u1", 10, "job-new", nil)
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(ctx))

	sweptStale, err := billingSvc.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.ReservationStateExpired, sweptStale.State)

	keptFresh, err := billingSvc.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.ReservationStateActive, keptFresh.State)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
}
