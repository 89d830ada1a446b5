package service

import (
	"context"

	"github.com/quizforge/quizforge/internal/billing/domain"
	"gorm.io/gorm"
)

// findReplay looks up a prior transaction for the supplied key. A nil
// key means the caller opted out of deduplication.
func (s *Service) findReplay(ctx context.Context, tx *gorm.DB, idempotencyKey *string) (*domain.TokenTransaction, error) {
	if idempotencyKey == nil || *idempotencyKey == "" {
		return nil, nil
	}
	return s.repo.FindTransactionByKey(ctx, tx, *idempotencyKey)
}

// checkReplay decides whether an existing transaction is a replay of
// the same logical request or a key collision. A mismatched type or
// target is always a conflict, never a silent merge.
func checkReplay(existing *domain.TokenTransaction, wantType domain.TransactionType, wantRefID string) error {
	if existing.Type == wantType && existing.RefID == wantRefID {
		return nil
	}
	return keyConflict(existing, wantRefID)
}

// keyConflict reports a key collision against the stored transaction.
func keyConflict(existing *domain.TokenTransaction, wantRefID string) error {
	key := ""
	if existing.IdempotencyKey != nil {
		key = *existing.IdempotencyKey
	}
	return &domain.IdempotencyConflictError{
		Key:            key,
		ExistingRefID:  existing.RefID,
		RequestedRefID: wantRefID,
	}
}
