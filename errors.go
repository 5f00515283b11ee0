package passgate

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrEmailAlreadyExists is returned by Register when the email is taken.
	ErrEmailAlreadyExists = errors.New("email already registered")
	// ErrRateLimitExceeded is returned when a client IP has exhausted its
	// request budget for an action.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidToken is returned when a verification token is unknown,
	// already consumed, or purged.
	ErrInvalidToken = errors.New("invalid verification token")
	// ErrTokenExpired is returned on the first verification attempt after a
	// token's expiry; the token is deleted and later attempts report
	// [ErrInvalidToken].
	ErrTokenExpired = errors.New("verification token expired")
	// ErrInvalidOTP is returned when no valid code exists or the submitted
	// code does not match.
	ErrInvalidOTP = errors.New("invalid or expired otp")
	// ErrAccountLocked is returned while an account is under lockout.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountNotFound is returned for lookups of unknown accounts.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountNotVerified is returned by RequestOTP before the email has
	// been verified.
	ErrAccountNotVerified = errors.New("account not verified")
	// ErrAccountAlreadyVerified is returned by ResendVerification for
	// accounts that are already enabled.
	ErrAccountAlreadyVerified = errors.New("account already verified")
	// ErrValidationFailed is returned for malformed request input.
	ErrValidationFailed = errors.New("validation failed")
	// ErrInternal wraps unexpected backend failures. The wrapped cause is
	// logged server-side and must not be shown to clients.
	ErrInternal = errors.New("internal error")
	// ErrEngineNotReady is returned when a required collaborator was not
	// wired through the builder.
	ErrEngineNotReady = errors.New("engine not ready")
)

// RateLimitError carries a retry hint alongside [ErrRateLimitExceeded].
// errors.Is(err, ErrRateLimitExceeded) matches it.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Unwrap exposes the sentinel so callers can match with errors.Is.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// Code is a stable, client-facing error identifier.
type Code string

const (
	CodeEmailAlreadyExists     Code = "EMAIL_ALREADY_EXISTS"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidToken           Code = "INVALID_TOKEN"
	CodeTokenExpired           Code = "TOKEN_EXPIRED"
	CodeInvalidOTP             Code = "INVALID_OTP"
	CodeAccountLocked          Code = "ACCOUNT_LOCKED"
	CodeResourceNotFound       Code = "RESOURCE_NOT_FOUND"
	CodeAccountNotVerified     Code = "ACCOUNT_NOT_VERIFIED"
	CodeAccountAlreadyVerified Code = "ACCOUNT_ALREADY_VERIFIED"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeInternalError          Code = "INTERNAL_ERROR"
)

// ErrorCode maps an engine error to its client-facing code. Unrecognized
// errors map to CodeInternalError so backend detail never leaks.
func ErrorCode(err error) Code {
	switch {
	case errors.Is(err, ErrEmailAlreadyExists):
		return CodeEmailAlreadyExists
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrInvalidOTP):
		return CodeInvalidOTP
	case errors.Is(err, ErrAccountLocked):
		return CodeAccountLocked
	case errors.Is(err, ErrAccountNotFound):
		return CodeResourceNotFound
	case errors.Is(err, ErrAccountNotVerified):
		return CodeAccountNotVerified
	case errors.Is(err, ErrAccountAlreadyVerified):
		return CodeAccountAlreadyVerified
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	default:
		return CodeInternalError
	}
}

// HTTPStatus returns the status code conventionally paired with an engine
// error: 409 conflict, 429 too many requests, 400 bad request, 423 locked,
// 404 not found, 403 forbidden, 500 otherwise.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeEmailAlreadyExists, CodeAccountAlreadyVerified:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeInvalidToken, CodeTokenExpired, CodeInvalidOTP, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeAccountLocked:
		return http.StatusLocked
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeAccountNotVerified:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
