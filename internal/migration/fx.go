package migration

import (
	"strings"

	"github.com/quizforge/quizforge/internal/billing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run applies embedded SQL migrations on postgres and falls back to
// AutoMigrate on other dialects so local sqlite setups work untouched.
func Run(db *gorm.DB, log *zap.Logger) error {
	if strings.EqualFold(db.Dialector.Name(), "postgres") {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("database migrations applied")
		return nil
	}

	if err := db.AutoMigrate(
		&domain.Balance{},
		&domain.Reservation{},
		&domain.TokenTransaction{},
	); err != nil {
		return err
	}
	log.Info("database schema synced", zap.String("dialect", db.Dialector.Name()))
	return nil
}
