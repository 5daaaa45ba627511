package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components MUST use these instead of hardcoded strings.
const (
	// Validation
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidPlan   ErrorCode = "validation_invalid_plan_schedule"
	ErrCodeValidationInvalidSource ErrorCode = "validation_invalid_content_source"

	// Run-aborting conditions
	ErrCodeContentEmpty         ErrorCode = "content_empty"
	ErrCodeStoreUnavailable     ErrorCode = "store_unavailable"
	ErrCodeMissingCredentials   ErrorCode = "config_missing_credentials"
	ErrCodeRetryBudgetExhausted ErrorCode = "dispatch_retry_budget_exhausted"
	ErrCodeLockUnavailable      ErrorCode = "lock_unavailable"

	// Internal/Upstream
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamAuthRejected  ErrorCode = "upstream_auth_rejected"
	ErrCodeEmailBlocked          ErrorCode = "email_blocked"
)

// Detail keys used in AppError.Details.
const (
	// DetailStage names the run stage that produced a fatal error.
	DetailStage = "stage"
	// DetailRetryAfter carries the provider-supplied backoff as a time.Duration.
	DetailRetryAfter = "retry_after"
)

// Run stages reported on fatal errors.
const (
	StageWindow      = "window"
	StageLock        = "lock"
	StageContent     = "content"
	StageSubscribers = "subscribers"
	StagePersonalize = "personalize"
	StageDispatch    = "dispatch"
)

// AppError is the standard application error type used throughout the service.
// Domain and adapter errors should be expressed as AppError so callers can
// classify failures by Code while keeping the error chain intact.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same Code. This lets
// package-level sentinels such as ErrEmptyContent match wrapped instances.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitedError builds the throttling error returned by mail transports.
// retryAfter is zero when the provider did not supply a backoff.
func NewRateLimitedError(message string, retryAfter time.Duration, err error) *AppError {
	appErr := NewAppError(ErrCodeUpstreamRateLimited, message, err)
	if retryAfter > 0 {
		appErr.Details = map[string]any{DetailRetryAfter: retryAfter}
	}
	return appErr
}

// Sentinel errors for run-aborting conditions. Compare with errors.Is.
var (
	ErrEmptyContent         = NewAppError(ErrCodeContentEmpty, "content set is empty", nil)
	ErrStoreUnavailable     = NewAppError(ErrCodeStoreUnavailable, "subscriber store unavailable", nil)
	ErrMissingCredentials   = NewAppError(ErrCodeMissingCredentials, "mail transport credentials missing", nil)
	ErrRetryBudgetExhausted = NewAppError(ErrCodeRetryBudgetExhausted, "throttle retry budget exhausted", nil)
)

// CodeOf returns the ErrorCode of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRateLimited reports whether err signals provider throttling.
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrCodeUpstreamRateLimited
}

// RetryAfterFrom extracts the provider-supplied backoff from a throttling
// error. ok is false when err is not throttling or carries no backoff.
func RetryAfterFrom(err error) (time.Duration, bool) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != ErrCodeUpstreamRateLimited {
		return 0, false
	}
	d, ok := appErr.Details[DetailRetryAfter].(time.Duration)
	if !ok || d <= 0 {
		return 0, false
	}
	return d, true
}

// StageOf returns the run stage recorded on a fatal error, or "".
func StageOf(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ""
	}
	stage, _ := appErr.Details[DetailStage].(string)
	return stage
}

// AtStage wraps err with the run stage that produced it. Errors that are not
// AppErrors are wrapped as internal_unexpected_error.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = NewAppError(ErrCodeInternalUnexpected, "unexpected failure", err)
	}
	return appErr.WithDetails(map[string]any{DetailStage: stage})
}
