package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository exposes the narrow store operations the engine needs.
// Mutating calls take the enclosing transaction handle so every
// operation stays a single atomic unit.
type Repository interface {
	FindBalanceForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error)
	SaveBalance(ctx context.Context, tx *gorm.DB, balance *Balance) error

	FindReservationForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Reservation, error)
	FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	CreateReservation(ctx context.Context, tx *gorm.DB, reservation *Reservation) error
	UpdateReservation(ctx context.Context, tx *gorm.DB, reservation *Reservation) error
	FindExpiredActive(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*Reservation, error)

	AppendTransaction(ctx context.Context, tx *gorm.DB, txn *TokenTransaction) error
	FindTransactionByKey(ctx context.Context, tx *gorm.DB, key string) (*TokenTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, filter TransactionFilter, limit int, cursorID snowflake.ID) ([]*TokenTransaction, error)
}
