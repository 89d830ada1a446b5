package scheduler

import (
	"context"
	"errors"
	"time"

	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid scheduler configuration")

type Params struct {
	fx.In

	Log        *zap.Logger
	BillingSvc billingdomain.Service
	Clock      clock.Clock
	Limiter    *ratelimit.ReserveLimiter `optional:"true"`
	Config     Config                    `optional:"true"`
}

// Scheduler runs the reservation TTL sweep. Reservations left ACTIVE
// past their deadline are expired and their tokens returned.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	billingSvc billingdomain.Service
	clock      clock.Clock
	limiter    *ratelimit.ReserveLimiter
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.BillingSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		billingSvc: p.BillingSvc,
		clock:      p.Clock,
		limiter:    p.Limiter,
	}, nil
}

// RunOnce performs one full sweep, batching until no expired
// reservations remain.
func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	token, owner, err := s.limiter.TryLockSweep(ctx)
	if err != nil {
		s.log.Warn("sweep leadership check failed, proceeding", zap.Error(err))
		owner = true
	}
	if !owner {
		return nil
	}
	if token != "" {
		defer func() {
			if releaseErr := s.limiter.ReleaseSweep(context.WithoutCancel(ctx), token); releaseErr != nil {
				s.log.Warn("sweep leadership release failed", zap.Error(releaseErr))
			}
		}()
	}

	now := s.clock.Now()
	var jobErr error
	for {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		expired, err := s.billingSvc.ExpireReservations(ctx, now, s.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}
		if expired == 0 {
			break
		}
	}

	if jobErr != nil {
		if errors.Is(jobErr, context.DeadlineExceeded) || errors.Is(jobErr, context.Canceled) {
			s.log.Warn("sweep timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(jobErr))
			return nil
		}
	}
	return jobErr
}

// RunForever sweeps on a fixed interval until the context is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
