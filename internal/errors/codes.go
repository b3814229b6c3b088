package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for teaching operations.
type ErrorCode string

const (
	// ErrCodeConstraintViolation indicates a screen constraint blocked the action.
	ErrCodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	// ErrCodeScreenLocked indicates the screen's prerequisites are not completed.
	ErrCodeScreenLocked ErrorCode = "SCREEN_LOCKED"
	// ErrCodeScreenNotActive indicates the screen is not in the active state.
	ErrCodeScreenNotActive ErrorCode = "SCREEN_NOT_ACTIVE"
	// ErrCodeSessionNotActive indicates the session is paused, completed or abandoned.
	ErrCodeSessionNotActive ErrorCode = "SESSION_NOT_ACTIVE"
	// ErrCodeAlreadyActive indicates another screen is already active in the session.
	ErrCodeAlreadyActive ErrorCode = "ALREADY_ACTIVE"
	// ErrCodeRateLimitExceeded indicates the per-screen rate limit was hit.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeCooldownActive indicates the cooldown since the last attempt has not elapsed.
	ErrCodeCooldownActive ErrorCode = "COOLDOWN_ACTIVE"
	// ErrCodeMaxAttemptsReached indicates the attempt budget is exhausted.
	ErrCodeMaxAttemptsReached ErrorCode = "MAX_ATTEMPTS_REACHED"
	// ErrCodeMinTimeNotMet indicates the minimum time on screen has not elapsed.
	ErrCodeMinTimeNotMet ErrorCode = "MIN_TIME_NOT_MET"
	// ErrCodeNoHintsRemaining indicates the hint budget is exhausted.
	ErrCodeNoHintsRemaining ErrorCode = "NO_HINTS_REMAINING"
	// ErrCodeRequirementsNotMet indicates completion requirements are unsatisfied.
	ErrCodeRequirementsNotMet ErrorCode = "REQUIREMENTS_NOT_MET"
	// ErrCodeGenerationFailed indicates the generation port failed permanently.
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	// ErrCodeValidationRejected indicates the response was rejected after retries.
	ErrCodeValidationRejected ErrorCode = "VALIDATION_REJECTED"
	// ErrCodeSuperseded indicates a newer submission displaced this interaction.
	ErrCodeSuperseded ErrorCode = "SUPERSEDED"
	// ErrCodeStorageFailed indicates a storage write or read failed. Retryable.
	ErrCodeStorageFailed ErrorCode = "STORAGE_FAILED"
	// ErrCodeTimeout indicates the operation exceeded its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeNotFound indicates the referenced entity does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// TeachingError represents a structured error for teaching operations.
type TeachingError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// RetryAfter is set for recoverable constraint violations (rate limit,
	// cooldown) so the caller can surface an actionable message.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *TeachingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TeachingError) Unwrap() error {
	return e.Cause
}

// WithRetryAfter attaches a retry-after duration to the error.
func (e *TeachingError) WithRetryAfter(d time.Duration) *TeachingError {
	e.RetryAfter = d
	return e
}

// Convenience constructors for common error types.

// ScreenLocked creates a screen locked error.
func ScreenLocked(screenID string) *TeachingError {
	return &TeachingError{Code: ErrCodeScreenLocked, Message: fmt.Sprintf("screen %s is locked", screenID)}
}

// ScreenNotActive creates a screen not active error.
func ScreenNotActive(screenID string) *TeachingError {
	return &TeachingError{Code: ErrCodeScreenNotActive, Message: fmt.Sprintf("screen %s is not active", screenID)}
}

// SessionNotActive creates a session not active error.
func SessionNotActive(sessionID string) *TeachingError {
	return &TeachingError{Code: ErrCodeSessionNotActive, Message: fmt.Sprintf("session %s is not active", sessionID)}
}

// AlreadyActive creates an already active error.
func AlreadyActive(screenID string) *TeachingError {
	return &TeachingError{Code: ErrCodeAlreadyActive, Message: fmt.Sprintf("another screen is active; cannot start %s", screenID)}
}

// RateLimitExceeded creates a rate limit error with a retry hint.
func RateLimitExceeded(retryAfter time.Duration) *TeachingError {
	return &TeachingError{
		Code:       ErrCodeRateLimitExceeded,
		Message:    "rate limit exceeded: please wait before submitting again",
		RetryAfter: retryAfter,
	}
}

// CooldownActive creates a cooldown error with the remaining wait.
func CooldownActive(remaining time.Duration) *TeachingError {
	return &TeachingError{
		Code:       ErrCodeCooldownActive,
		Message:    fmt.Sprintf("cooldown active: %s remaining", remaining.Round(time.Second)),
		RetryAfter: remaining,
	}
}

// MaxAttemptsReached creates a max attempts error.
func MaxAttemptsReached(max int) *TeachingError {
	return &TeachingError{Code: ErrCodeMaxAttemptsReached, Message: fmt.Sprintf("maximum of %d attempts reached", max)}
}

// MinTimeNotMet creates a minimum time-on-screen error.
func MinTimeNotMet(remaining time.Duration) *TeachingError {
	return &TeachingError{
		Code:       ErrCodeMinTimeNotMet,
		Message:    fmt.Sprintf("minimum time on screen not met: %s remaining", remaining.Round(time.Second)),
		RetryAfter: remaining,
	}
}

// NoHintsRemaining creates a hint budget exhausted error.
func NoHintsRemaining(max int) *TeachingError {
	return &TeachingError{Code: ErrCodeNoHintsRemaining, Message: fmt.Sprintf("all %d hints used for this screen", max)}
}

// RequirementsNotMet creates a completion requirements error.
func RequirementsNotMet(msg string) *TeachingError {
	return &TeachingError{Code: ErrCodeRequirementsNotMet, Message: msg}
}

// GenerationFailed creates a generation failure error.
func GenerationFailed(cause error) *TeachingError {
	return &TeachingError{Code: ErrCodeGenerationFailed, Message: "instructor response generation failed", Cause: cause}
}

// ValidationRejected creates a validation rejection error.
func ValidationRejected(msg string) *TeachingError {
	return &TeachingError{Code: ErrCodeValidationRejected, Message: msg}
}

// StorageFailed wraps a storage layer failure.
func StorageFailed(cause error) *TeachingError {
	return &TeachingError{Code: ErrCodeStorageFailed, Message: "storage operation failed", Cause: cause}
}

// Timeout creates a timeout error.
func Timeout(msg string) *TeachingError {
	return &TeachingError{Code: ErrCodeTimeout, Message: msg}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *TeachingError {
	return &TeachingError{Code: ErrCodeInvalidArgument, Message: msg}
}

// NotFound creates a not found error.
func NotFound(kind, id string) *TeachingError {
	return &TeachingError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code ErrorCode) bool {
	var te *TeachingError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a TeachingError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var te *TeachingError
	if errors.As(err, &te) {
		return te.Code
	}
	return defaultCode
}
