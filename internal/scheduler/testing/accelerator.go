// Package testing holds development helpers for exercising the sweep
// without waiting out real reservation TTLs. Never wire these into
// production paths.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"gorm.io/gorm"
)

// TimeAccelerator backdates reservation deadlines so the next sweep
// treats them as overdue.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// FastForwardReservation moves one active reservation past its TTL.
func (a *TimeAccelerator) FastForwardReservation(ctx context.Context, id snowflake.ID) error {
	result := a.db.WithContext(ctx).
		Model(&billingdomain.Reservation{}).
		Where("id = ? AND state = ?", id, billingdomain.ReservationStateActive).
		Update("expires_at", time.Now().UTC().Add(-time.Second))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrReservationNotFound
	}
	return nil
}

// FastForwardAllActive moves every active reservation past its TTL and
// returns how many rows were touched.
func (a *TimeAccelerator) FastForwardAllActive(ctx context.Context) (int64, error) {
	result := a.db.WithContext(ctx).
		Model(&billingdomain.Reservation{}).
		Where("state = ?", billingdomain.ReservationStateActive).
		Update("expires_at", time.Now().UTC().Add(-time.Second))
	return result.RowsAffected, result.Error
}
