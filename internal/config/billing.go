package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the token accounting policy. It is hot-reloadable so
// operators can flip commit-on-cancel or adjust fees without a restart.
type BillingConfig struct {
	// AllowNegativeBalance permits direct deductions to push a balance
	// below zero (refund adjustments, back-billing).
	AllowNegativeBalance bool `mapstructure:"allowNegativeBalance"`

	// ReservationTTL is how long a reservation may stay ACTIVE before the
	// sweep marks it EXPIRED.
	ReservationTTL time.Duration `mapstructure:"reservationTTL"`

	// CommitOnCancel charges a cancelled-but-started generation job instead
	// of releasing the full reservation.
	CommitOnCancel bool `mapstructure:"commitOnCancel"`

	// MinStartFeeTokens is the floor charged by the commit-on-cancel path.
	MinStartFeeTokens int64 `mapstructure:"minStartFeeTokens"`

	// RetryAfter is the retry window suggested to callers rejected with
	// insufficient tokens.
	RetryAfter time.Duration `mapstructure:"retryAfter"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		AllowNegativeBalance: false,
		ReservationTTL:       30 * time.Minute,
		CommitOnCancel:       true,
		MinStartFeeTokens:    100,
		RetryAfter:           5 * time.Minute,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config; used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/quizforge/config") // Volume-mounted config
	v.AddConfigPath("/etc/quizforge")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("QUIZFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.allowNegativeBalance", defaults.AllowNegativeBalance)
	v.SetDefault("billing.reservationTTL", defaults.ReservationTTL)
	v.SetDefault("billing.commitOnCancel", defaults.CommitOnCancel)
	v.SetDefault("billing.minStartFeeTokens", defaults.MinStartFeeTokens)
	v.SetDefault("billing.retryAfter", defaults.RetryAfter)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.ReservationTTL <= 0 {
		return errors.New("billing.reservationTTL must be positive")
	}
	if cfg.MinStartFeeTokens < 0 {
		return errors.New("billing.minStartFeeTokens cannot be negative")
	}
	if cfg.RetryAfter <= 0 {
		return errors.New("billing.retryAfter must be positive")
	}
	return nil
}
