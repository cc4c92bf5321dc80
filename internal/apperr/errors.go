// Package apperr defines the error taxonomy returned by the escrow core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidState        Kind = "invalid_state"
	KindValidation          Kind = "validation_error"
	KindInsufficientEscrow  Kind = "insufficient_escrow"
	KindCollaboratorFailure Kind = "collaborator_failure"
	KindConflict            Kind = "conflict"
)

// Stable codes surfaced to callers.
const (
	CodeNotFound            = "not_found"
	CodeBookingNotFound     = "booking_not_found"
	CodeStageNotFound       = "stage_not_found"
	CodePackageNotFound     = "package_not_found"
	CodeServiceNotFound     = "service_not_found"
	CodePackageInactive     = "package_inactive"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidState        = "invalid_state"
	CodeStagesAlreadyExist  = "stages_already_exist"
	CodeStagesIncomplete    = "stages_incomplete"
	CodeValidation          = "validation_error"
	CodeAmountExceedsEscrow = "amount_exceeds_escrow"
	CodeMissingReason       = "missing_reason"
	CodeInsufficientEscrow  = "insufficient_escrow"
	CodeRailFailure         = "payment_rail_failure"
	CodeIdentityFailure     = "identity_provider_failure"
	CodeRequestInFlight     = "request_in_flight"
	CodeConcurrentUpdate    = "concurrent_update"
	CodeIdempotencyMismatch = "idempotency_key_mismatch"
)

// Error is the single error type produced by the core.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports a match against the kind sentinels below, so callers can write
// errors.Is(err, apperr.ErrInvalidState) without caring about the code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithDetails returns a copy of the error carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Kind sentinels. They carry no code and match every error of their kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientEscrow  = &Error{Kind: KindInsufficientEscrow}
	ErrCollaboratorFailure = &Error{Kind: KindCollaboratorFailure}
	ErrConflict            = &Error{Kind: KindConflict}
)

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, CodeUnauthorized, format, args...)
}

// InvalidState describes the current and required lifecycle state.
func InvalidState(code string, current, required any, op string) *Error {
	if code == "" {
		code = CodeInvalidState
	}
	return &Error{
		Kind:    KindInvalidState,
		Code:    code,
		Message: fmt.Sprintf("%s not allowed: current state %v, required %v", op, current, required),
		Details: map[string]string{
			"current":  fmt.Sprint(current),
			"required": fmt.Sprint(required),
		},
	}
}

func Validation(code, format string, args ...any) *Error {
	if code == "" {
		code = CodeValidation
	}
	return New(KindValidation, code, format, args...)
}

// Collaborator wraps a failure of the payment rail or identity provider.
// Callers retry these with the same idempotency key.
func Collaborator(code string, cause error, format string, args ...any) *Error {
	e := New(KindCollaboratorFailure, code, format, args...)
	e.cause = cause
	return e
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientEscrow:
		return http.StatusUnprocessableEntity
	case KindCollaboratorFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry with the same idempotency key.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindCollaboratorFailure || k == KindConflict
}
