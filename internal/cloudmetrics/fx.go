package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quizforge/quizforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 30 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, pusher Pusher) *Recorder {
		if pusher == nil {
			return nil
		}
		return newRecorder(newMetrics(registry), cfg.Cloud.InstanceID)
	}),
	fx.Invoke(runBackgroundPusher),
)

func runBackgroundPusher(lc fx.Lifecycle, rec *Recorder, pusher Pusher, registry *prometheus.Registry, logger *zap.Logger, db *gorm.DB) {
	if rec == nil || pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting cloud metrics background worker")
			go func() {
				ticker := time.NewTicker(pushInterval)
				defer ticker.Stop()

				// Initial push
				updateSystemMetrics(rec)
				updateBalanceCount(ctx, rec, db)
				if err := pusher.Push(ctx, registry); err != nil {
					logger.Error("initial cloud metrics push failed", zap.Error(err))
				}

				for {
					select {
					case <-ticker.C:
						updateSystemMetrics(rec)
						updateBalanceCount(ctx, rec, db)
						if err := pusher.Push(ctx, registry); err != nil {
							logger.Error("periodic cloud metrics push failed", zap.Error(err))
						}
					case <-ctx.Done():
						logger.Info("stopping cloud metrics background worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func updateSystemMetrics(rec *Recorder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	rec.setMemoryBytes(m.Sys)
}

func updateBalanceCount(ctx context.Context, rec *Recorder, db *gorm.DB) {
	if db == nil {
		return
	}
	var count int64
	if err := db.WithContext(ctx).Table("balances").Count(&count).Error; err != nil {
		return
	}
	rec.setBalancesTotal(count)
}
