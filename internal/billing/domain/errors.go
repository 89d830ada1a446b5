package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrReservationNotFound = errors.New("reservation_not_found")

	// ErrIdempotencyKeyRace means a concurrent delivery inserted the
	// same idempotency key first. Re-running the operation resolves it
	// to the stored outcome (replay or genuine conflict).
	ErrIdempotencyKeyRace = errors.New("idempotency_key_race")

	ErrInsufficientTokens          = errors.New("insufficient_tokens")
	ErrInsufficientAvailableTokens = errors.New("insufficient_available_tokens")
	ErrReservationNotActive        = errors.New("reservation_not_active")
	ErrIdempotencyConflict         = errors.New("idempotency_conflict")
	ErrCommitExceedsReserved       = errors.New("commit_exceeds_reserved")
)

// InsufficientTokensError is raised by reserve when the available
// balance cannot cover the estimate. No mutation has happened.
type InsufficientTokensError struct {
	UserID     string
	Estimated  int64
	Available  int64
	Shortfall  int64
	RetryAfter time.Duration
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: estimated %d, available %d, shortfall %d", e.Estimated, e.Available, e.Shortfall)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }

// InsufficientAvailableTokensError is raised by deduct when negative
// balances are disallowed and the balance cannot cover the amount.
type InsufficientAvailableTokensError struct {
	UserID    string
	Available int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientAvailableTokensError) Error() string {
	return fmt.Sprintf("insufficient available tokens: available %d, requested %d, shortfall %d", e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientAvailableTokensError) Unwrap() error { return ErrInsufficientAvailableTokens }

// ReservationNotActiveError is raised on commit or release against a
// settled or expired reservation with no matching idempotent replay.
type ReservationNotActiveError struct {
	ReservationID snowflake.ID
	State         ReservationState
}

func (e *ReservationNotActiveError) Error() string {
	return fmt.Sprintf("reservation %s is %s, not ACTIVE", e.ReservationID, e.State)
}

func (e *ReservationNotActiveError) Unwrap() error { return ErrReservationNotActive }

// IdempotencyConflictError is raised when a key is reused for a
// different target. Callers must never retry with the same key.
type IdempotencyConflictError struct {
	Key            string
	ExistingRefID  string
	RequestedRefID string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key reused: key maps to ref %q, requested %q", e.ExistingRefID, e.RequestedRefID)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrIdempotencyConflict }

// CommitExceedsReservedError is raised when no valid capped
// interpretation of a commit exists.
type CommitExceedsReservedError struct {
	ReservationID snowflake.ID
	Estimated     int64
	Actual        int64
}

func (e *CommitExceedsReservedError) Error() string {
	return fmt.Sprintf("commit of %d tokens exceeds reserved %d on reservation %s", e.Actual, e.Estimated, e.ReservationID)
}

func (e *CommitExceedsReservedError) Unwrap() error { return ErrCommitExceedsReserved }
