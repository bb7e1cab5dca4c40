package workflow

import (
	"errors"
	"fmt"
)

// ErrorCategory is the machine-readable failure class surfaced to callers and
// stamped on dead-lettered claims.
type ErrorCategory string

const (
	CategoryValidation   ErrorCategory = "validation"
	CategoryPolicy       ErrorCategory = "policy"
	CategoryPeriod       ErrorCategory = "period"
	CategoryConnectivity ErrorCategory = "connectivity"
	CategoryConflict     ErrorCategory = "conflict"
)

// ValidationError is a business-rule failure that retrying cannot fix: the
// claim is dead-lettered immediately and the gateway is never called.
type ValidationError struct {
	Rule     string
	Category ErrorCategory // validation or period
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func NewValidationError(rule, message string) *ValidationError {
	return &ValidationError{Rule: rule, Category: CategoryValidation, Message: message}
}

func NewPeriodError(rule, message string) *ValidationError {
	return &ValidationError{Rule: rule, Category: CategoryPeriod, Message: message}
}

// PolicyBlockedError is an accounting-policy reject. Non-retriable.
type PolicyBlockedError struct {
	Rule    string
	Message string
}

func (e *PolicyBlockedError) Error() string {
	return fmt.Sprintf("policy blocked (%s): %s", e.Rule, e.Message)
}

// TransientGatewayError wraps a failure that is worth retrying with backoff:
// network errors, timeouts, rate limiting, lost claim races.
type TransientGatewayError struct {
	Op  string
	Err error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error { return e.Err }

// ConflictError signals a requestHash mismatch against an existing claim. It
// is not auto-dead-lettered; a human must decide whether the changed document
// supersedes the earlier posting.
type ConflictError struct {
	CompanyId string
	JobId     int
	Message   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("posting conflict for job %d: %s", e.JobId, e.Message)
}

// Categorize maps any pipeline error to its caller-facing category.
func Categorize(err error) ErrorCategory {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Category
	}
	var pe *PolicyBlockedError
	if errors.As(err, &pe) {
		return CategoryPolicy
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return CategoryConflict
	}
	return CategoryConnectivity
}

// IsRetriable reports whether a failure should go through wait_retry rather
// than straight to dead_letter.
func IsRetriable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var pe *PolicyBlockedError
	if errors.As(err, &pe) {
		return false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false
	}
	return true
}
