package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReservationState tracks a reservation through its lifecycle.
type ReservationState string

const (
	ReservationStateActive    ReservationState = "ACTIVE"
	ReservationStateCommitted ReservationState = "COMMITTED"
	ReservationStateReleased  ReservationState = "RELEASED"
	ReservationStateExpired   ReservationState = "EXPIRED"
)

// TransactionType classifies ledger rows.
type TransactionType string

const (
	TransactionTypeReserve TransactionType = "RESERVE"
	TransactionTypeCommit  TransactionType = "COMMIT"
	TransactionTypeRelease TransactionType = "RELEASE"
	TransactionTypeRefund  TransactionType = "REFUND"
)

// Balance holds per-user token counters. One row per user, created
// lazily on first access and never deleted.
type Balance struct {
	UserID          string    `gorm:"primaryKey;type:text"`
	AvailableTokens int64     `gorm:"not null;default:0"`
	ReservedTokens  int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// Reservation is one row per reservation attempt. committed_tokens
// never exceeds estimated_tokens.
type Reservation struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	UserID          string           `gorm:"type:text;not null;index"`
	EstimatedTokens int64            `gorm:"not null"`
	CommittedTokens int64            `gorm:"not null;default:0"`
	State           ReservationState `gorm:"type:text;not null;index:idx_reservations_state_expires_at,priority:1"`
	CreatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt       time.Time        `gorm:"not null;index:idx_reservations_state_expires_at,priority:2"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

// TokenTransaction is the append-only audit and idempotency record.
// Sign convention: positive amounts are tokens held or returned to the
// available pool, negative amounts are tokens permanently removed.
type TokenTransaction struct {
	ID                    snowflake.ID      `gorm:"primaryKey"`
	UserID                string            `gorm:"type:text;not null;index:idx_token_transactions_user_created,priority:1"`
	Type                  TransactionType   `gorm:"type:text;not null"`
	AmountTokens          int64             `gorm:"not null"`
	BalanceAfterAvailable int64             `gorm:"not null"`
	RefID                 string            `gorm:"type:text;index"`
	IdempotencyKey        *string           `gorm:"type:text;uniqueIndex:uq_token_transactions_idempotency_key"`
	Metadata              datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt             time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_token_transactions_user_created,priority:2"`
}

// TableName sets the database table name.
func (TokenTransaction) TableName() string { return "token_transactions" }

// Settled reports whether the reservation can no longer be mutated.
func (r *Reservation) Settled() bool {
	return r.State != ReservationStateActive
}

// RemainderTokens is the unused portion of the estimate after commit.
func (r *Reservation) RemainderTokens() int64 {
	return r.EstimatedTokens - r.CommittedTokens
}
