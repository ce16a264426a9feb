// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes following domain-driven design
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"
	CodeTimeout  = "TIMEOUT_ERROR"

	// Validation errors (400)
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidInput = "INVALID_INPUT"

	// Business rule violations (422)
	CodeBusinessRule      = "BUSINESS_RULE_VIOLATION"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeStateConflict     = "STATE_CONFLICT"

	// Contention (409, retryable)
	CodeLockConflict = "LOCK_CONFLICT"

	// Idempotency (409, fetch existing instead of retrying)
	CodeDuplicateReference = "DUPLICATE_REFERENCE"

	// Upstream ERP failures
	CodeUpstreamTransient = "UPSTREAM_TRANSIENT"
	CodeUpstreamPermanent = "UPSTREAM_PERMANENT"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict = "CONFLICT"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, quantities, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInsufficientStock creates a stock shortage error.
// requested/available/shortfall are decimal strings in inventory UoM.
func NewInsufficientStock(itemCode, warehouseCode string, requested, available, shortfall string) *AppError {
	return &AppError{
		Code:       CodeInsufficientStock,
		Message:    "Insufficient stock",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"item_code":      itemCode,
			"warehouse_code": warehouseCode,
			"requested":      requested,
			"available":      available,
			"shortfall":      shortfall,
			"remediation":    "check current availability, reduce the requested quantity, or wait for replenishment",
		},
	}
}

// NewLockConflict signals that another request holds a lock on one of the
// requested stock keys. Retryable after a short delay.
func NewLockConflict(keys []string) *AppError {
	return &AppError{
		Code:       CodeLockConflict,
		Message:    "Stock is being modified by another request. Retry shortly.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"resource_keys": keys, "retryable": true},
	}
}

// NewDuplicateReference signals an idempotency hit on an external reference id.
// The caller should fetch the existing record instead of retrying.
func NewDuplicateReference(externalRef string) *AppError {
	return &AppError{
		Code:       CodeDuplicateReference,
		Message:    "A record with this external reference already exists",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"external_ref": externalRef},
	}
}

// NewStateConflict is returned when a state-machine transition is not allowed
// from the current status (e.g. cancelling a completed queue item).
func NewStateConflict(entity, current, attempted string) *AppError {
	return &AppError{
		Code:       CodeStateConflict,
		Message:    fmt.Sprintf("%s cannot transition from %s via %s", entity, current, attempted),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"entity": entity, "status": current, "transition": attempted},
	}
}

// NewUpstreamTransient wraps an ERP timeout/network/5xx failure.
// Safe to retry; the posting queue retries these automatically.
func NewUpstreamTransient(err error) *AppError {
	return &AppError{
		Code:       CodeUpstreamTransient,
		Message:    "Upstream ERP is temporarily unavailable",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"retryable": true},
		Err:        err,
	}
}

// NewUpstreamPermanent wraps an ERP rejection (validation failure on their side).
// Never retried; the linked reservation is cancelled.
func NewUpstreamPermanent(message string) *AppError {
	return &AppError{
		Code:       CodeUpstreamPermanent,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"retryable": false},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsCode checks if error carries the given code.
func IsCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsLockConflict checks if error is CodeLockConflict
func IsLockConflict(err error) bool {
	return IsCode(err, CodeLockConflict)
}

// IsDuplicateReference checks if error is CodeDuplicateReference
func IsDuplicateReference(err error) bool {
	return IsCode(err, CodeDuplicateReference)
}

// IsInsufficientStock checks if error is CodeInsufficientStock
func IsInsufficientStock(err error) bool {
	return IsCode(err, CodeInsufficientStock)
}

// IsRetryable reports whether the failure is expected to clear on its own
// (lock contention, ERP hiccup, timeout). Permanent rejections are not.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		switch appErr.Code {
		case CodeLockConflict, CodeUpstreamTransient, CodeTimeout:
			return true
		}
	}
	return false
}
