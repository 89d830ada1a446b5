package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/clock"
	pkgdb "github.com/quizforge/quizforge/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the gorm-backed store for balances, reservations and
// the transaction log.
type Repository struct {
	clock clock.Clock
}

// New builds the billing repository.
func New(clk clock.Clock) domain.Repository {
	return &Repository{clock: clk}
}

// FindBalanceForUpdate loads the user's balance row under a row lock,
// creating a zeroed row on first access. The lock serializes every
// mutating operation for the same user.
func (r *Repository) FindBalanceForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*domain.Balance, error) {
	now := r.clock.Now().UTC()
	seed := domain.Balance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed balance: %w", err)
	}

	query := tx.WithContext(ctx)
	if supportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance domain.Balance
	if err := query.Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	return &balance, nil
}

// SaveBalance persists updated counters for an existing balance row.
func (r *Repository) SaveBalance(ctx context.Context, tx *gorm.DB, balance *domain.Balance) error {
	balance.UpdatedAt = r.clock.Now().UTC()
	result := tx.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]any{
			"available_tokens": balance.AvailableTokens,
			"reserved_tokens":  balance.ReservedTokens,
			"updated_at":       balance.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("save balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindReservationForUpdate loads a reservation under a row lock.
func (r *Repository) FindReservationForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	query := tx.WithContext(ctx)
	if supportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var reservation domain.Reservation
	if err := query.Where("id = ?", id).First(&reservation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	return &reservation, nil
}

// FindReservation loads a reservation without locking.
func (r *Repository) FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	var reservation domain.Reservation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&reservation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	return &reservation, nil
}

// CreateReservation inserts a new reservation row.
func (r *Repository) CreateReservation(ctx context.Context, tx *gorm.DB, reservation *domain.Reservation) error {
	if err := tx.WithContext(ctx).Create(reservation).Error; err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// UpdateReservation persists state and committed amount changes.
func (r *Repository) UpdateReservation(ctx context.Context, tx *gorm.DB, reservation *domain.Reservation) error {
	result := tx.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("id = ?", reservation.ID).
		Updates(map[string]any{
			"state":            reservation.State,
			"committed_tokens": reservation.CommittedTokens,
		})
	if result.Error != nil {
		return fmt.Errorf("update reservation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

// FindExpiredActive returns a batch of ACTIVE reservations past their
// TTL. Rows already claimed by a concurrent sweeper are skipped.
func (r *Repository) FindExpiredActive(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*domain.Reservation, error) {
	query := tx.WithContext(ctx)
	if supportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var reservations []*domain.Reservation
	if err := query.
		Where("state = ? AND expires_at <= ?", domain.ReservationStateActive, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("find expired reservations: %w", err)
	}
	return reservations, nil
}

// AppendTransaction appends one row to the transaction log. A unique
// index on idempotency_key backstops the in-transaction guard; a
// duplicate means a concurrent delivery won the insert race, and the
// caller re-runs the operation to pick up the stored outcome.
func (r *Repository) AppendTransaction(ctx context.Context, tx *gorm.DB, txn *domain.TokenTransaction) error {
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return fmt.Errorf("append transaction: %w", domain.ErrIdempotencyKeyRace)
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// FindTransactionByKey looks up the transaction recorded under an
// idempotency key, if any.
func (r *Repository) FindTransactionByKey(ctx context.Context, tx *gorm.DB, key string) (*domain.TokenTransaction, error) {
	var txn domain.TokenTransaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by key: %w", err)
	}
	return &txn, nil
}

// ListTransactions returns a page of the user's ledger, newest first,
// keyed by a descending id cursor. Callers pass limit+1 to detect the
// next page.
func (r *Repository) ListTransactions(ctx context.Context, db *gorm.DB, userID string, filter domain.TransactionFilter, limit int, cursorID snowflake.ID) ([]*domain.TokenTransaction, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if strings.TrimSpace(filter.RefID) != "" {
		query = query.Where("ref_id = ?", strings.TrimSpace(filter.RefID))
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if cursorID != 0 {
		query = query.Where("id < ?", cursorID)
	}

	var txns []*domain.TokenTransaction
	if err := query.Order("id DESC").Limit(limit).Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

func supportsRowLocks(db *gorm.DB) bool {
	return !strings.EqualFold(db.Dialector.Name(), "sqlite")
}
