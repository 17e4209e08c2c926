package services

import (
	"errors"
	"fmt"
	"time"
)

// Kind groups error codes by how callers should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindIntegrity   Kind = "integrity"
	KindRateLimit   Kind = "rate_limit"
	KindBanned      Kind = "banned"
	KindPersistence Kind = "persistence"
)

type Code string

const (
	CodeSessionNotFound     Code = "session_not_found"
	CodeSessionInactive     Code = "session_inactive"
	CodeUserMismatch        Code = "user_mismatch"
	CodeInvalidToken        Code = "invalid_token"
	CodeSessionExpired      Code = "session_expired"
	CodeIllegalTransition   Code = "illegal_transition"
	CodeInsufficientGold    Code = "insufficient_gold"
	CodeUnknownAction       Code = "unknown_action"
	CodeInvalidPayload      Code = "invalid_payload"
	CodeLevelJumpTooLarge   Code = "level_jump_too_large"
	CodeRegressionTooLarge  Code = "regression_too_large"
	CodeProgressionTooFast  Code = "progression_too_fast"
	CodeNegativeProgression Code = "negative_progression"
	CodeRateLimited         Code = "rate_limited"
	CodeUserBanned          Code = "user_banned"
	CodePersistenceFailed   Code = "persistence_failed"
)

// Error is the error type returned by the game core. Two errors match under
// errors.Is when their codes are equal.
type Error struct {
	Kind       Kind
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Code, e.Message, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrSessionNotFound     = &Error{Kind: KindValidation, Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionInactive     = &Error{Kind: KindValidation, Code: CodeSessionInactive, Message: "session is no longer active"}
	ErrUserMismatch        = &Error{Kind: KindValidation, Code: CodeUserMismatch, Message: "session belongs to another user"}
	ErrInvalidToken        = &Error{Kind: KindValidation, Code: CodeInvalidToken, Message: "invalid security token"}
	ErrSessionExpired      = &Error{Kind: KindValidation, Code: CodeSessionExpired, Message: "session expired"}
	ErrIllegalTransition   = &Error{Kind: KindValidation, Code: CodeIllegalTransition, Message: "action not allowed in the current state"}
	ErrInsufficientGold    = &Error{Kind: KindValidation, Code: CodeInsufficientGold, Message: "not enough gold"}
	ErrUnknownAction       = &Error{Kind: KindValidation, Code: CodeUnknownAction, Message: "unknown action"}
	ErrInvalidPayload      = &Error{Kind: KindValidation, Code: CodeInvalidPayload, Message: "invalid payload"}
	ErrLevelJumpTooLarge   = &Error{Kind: KindIntegrity, Code: CodeLevelJumpTooLarge, Message: "level jump too large"}
	ErrRegressionTooLarge  = &Error{Kind: KindIntegrity, Code: CodeRegressionTooLarge, Message: "progress regressed beyond tolerance"}
	ErrProgressionTooFast  = &Error{Kind: KindIntegrity, Code: CodeProgressionTooFast, Message: "progression too fast"}
	ErrNegativeProgression = &Error{Kind: KindIntegrity, Code: CodeNegativeProgression, Message: "level decreased"}
	ErrRateLimited         = &Error{Kind: KindRateLimit, Code: CodeRateLimited, Message: "too many requests"}
	ErrUserBanned          = &Error{Kind: KindBanned, Code: CodeUserBanned, Message: "user is temporarily banned"}
	ErrPersistenceFailed   = &Error{Kind: KindPersistence, Code: CodePersistenceFailed, Message: "storage unavailable"}
)

// withMessage copies base with a more specific message.
func withMessage(base *Error, format string, args ...any) *Error {
	e := *base
	e.Message = fmt.Sprintf(format, args...)
	return &e
}

func withRetry(base *Error, retry time.Duration, format string, args ...any) *Error {
	e := withMessage(base, format, args...)
	e.RetryAfter = retry
	return e
}

// KindOf returns the kind of a core error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of a core error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// InvalidPayload reports a request body that could not be decoded.
func InvalidPayload(reason string) error {
	return withMessage(ErrInvalidPayload, "%s", reason)
}

func UnknownMessage(msgType string) error {
	return withMessage(ErrUnknownAction, "unknown message type %q", msgType)
}
