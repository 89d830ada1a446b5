package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quizforge/quizforge/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyReserveUser = "billing:reserve:user:%s"
	keySweepLeader = "billing:sweep:leader"
	sweepLeaderTTL = 2 * time.Minute
)

// ReserveLimiter throttles the reserve path per user so a runaway
// orchestrator cannot flood the ledger with reservations.
type ReserveLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	userRate  float64
	userBurst int
}

func NewReserveLimiter(cfg config.Config) (*ReserveLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ReserveUserRate <= 0 || limitCfg.ReserveUserBurst <= 0 {
		return nil, errors.New("reserve rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &ReserveLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		userRate:  limitCfg.ReserveUserRate,
		userBurst: limitCfg.ReserveUserBurst,
	}, nil
}

func (l *ReserveLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowReserve consumes one slot from the user's bucket.
func (l *ReserveLimiter) AllowReserve(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyReserveUser, strings.TrimSpace(userID)), l.userRate, l.userBurst)
}

// TryLockSweep claims sweep leadership so only one instance runs the
// TTL sweep at a time. The database SKIP LOCKED batches keep it
// correct either way; the lock just avoids duplicate work.
func (l *ReserveLimiter) TryLockSweep(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySweepLeader, sweepLeaderTTL)
}

// ReleaseSweep gives up sweep leadership.
func (l *ReserveLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySweepLeader, token)
}
