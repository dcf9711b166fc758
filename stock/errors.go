/*
errors.go - Error taxonomy for the dispense engine

ERROR KINDS:
  NotFound         prescription, line, drug or stock record missing
  Validation       non-positive quantity, empty item list, malformed request
  PolicyViolation  a prescriber's daily category limit would be exceeded
  Conflict         insufficient stock, prescription not pending, lost race
  Internal         anything else (storage failures); details are logged only

USAGE:
  Structured errors carry context and unwrap to the kind's sentinel:

    var short *stock.InsufficientStockError
    if errors.As(err, &short) { ... short.Shortfall ... }

    if errors.Is(err, stock.ErrConflict) { ... }

    switch stock.KindOf(err) { ... }

  No kind triggers an automatic retry. The caller decides.
*/
package stock

import (
	"errors"
	"fmt"
	"math"
)

// =============================================================================
// KINDS & SENTINELS - Use with errors.Is()
// =============================================================================

type Kind string

const (
	KindNotFound        Kind = "NotFound"
	KindValidation      Kind = "Validation"
	KindPolicyViolation Kind = "PolicyViolation"
	KindConflict        Kind = "Conflict"
	KindInternal        Kind = "Internal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrPolicyViolation = errors.New("policy violation")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicyViolation
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// Internal hides err behind a generic message. The caller is expected to
// have logged err already.
func Internal(op string) error {
	return fmt.Errorf("%s: %w", op, ErrInternal)
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "prescription", "line", "drug", "stock record"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError describes a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports a deduction the record cannot cover.
type InsufficientStockError struct {
	DrugID    DrugID
	Location  Location
	Available int64
	Requested int64
	Shortfall int64
	// NoRecord is set when no stock record exists for (drug, location).
	NoRecord bool
}

func (e *InsufficientStockError) Error() string {
	if e.NoRecord {
		return fmt.Sprintf("no stock record for drug %s at %s", e.DrugID, e.Location)
	}
	return fmt.Sprintf("insufficient stock for drug %s at %s: available %d, requested %d, shortfall %d",
		e.DrugID, e.Location, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientStockError) Unwrap() error { return ErrConflict }

// LimitExceededError reports a breached prescriber daily limit.
type LimitExceededError struct {
	PrescriberID PrescriberID
	CategoryID   CategoryID
	Limit        int64
	Existing     int64
	Proposed     int64
}

// Attempted is the total the dispense would have reached, capped at
// math.MaxInt64.
func (e *LimitExceededError) Attempted() int64 {
	if e.Proposed > math.MaxInt64-e.Existing {
		return math.MaxInt64
	}
	return e.Existing + e.Proposed
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily limit exceeded for prescriber %s in category %s: allowed %d, attempted %d (already dispensed %d)",
		e.PrescriberID, e.CategoryID, e.Limit, e.Attempted(), e.Existing)
}

func (e *LimitExceededError) Unwrap() error { return ErrPolicyViolation }

// ConflictError is a state conflict other than insufficient stock.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// HELPERS
// =============================================================================

func notFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsClientError reports whether err was caused by the request rather than
// by the engine.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindPolicyViolation, KindConflict:
		return true
	}
	return false
}
