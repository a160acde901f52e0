// Package errors defines the closed error taxonomy shared by every core
// component. Components never return bare fmt.Errorf strings across a
// package boundary; they return *Error so the network layer can map a
// failure to an HTTP status without inspecting message text.
package errors

import "net/http"

// Kind is a closed enumeration of error categories.
type Kind string

// Recognized error kinds.
const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindGuardFailed       Kind = "guard_failed"
	KindCycleDetected     Kind = "cycle_detected"
	KindIntegrity         Kind = "integrity"
	KindProvenanceInvalid Kind = "provenance_invalid"
	KindUnauthorized      Kind = "unauthorized"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal"
)

// Error is the concrete error type returned by every core package.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Context carries structured key/value pairs useful for logging
	// (e.g. "urn", "manifestId", "cycle") without encoding them into Message.
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap enables errors.Is / errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with optional structured context.
func New(kind Kind, message string, cause error, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: context}
}

// Constructors, one per kind, mirroring the teacher's NewXError convention.

// NewValidationError builds a validation-kind error.
func NewValidationError(message string, cause error) *Error {
	return New(KindValidation, message, cause, nil)
}

// NewNotFoundError builds a not_found-kind error.
func NewNotFoundError(message string, cause error) *Error {
	return New(KindNotFound, message, cause, nil)
}

// NewConflictError builds a conflict-kind error.
func NewConflictError(message string, cause error) *Error {
	return New(KindConflict, message, cause, nil)
}

// NewGuardFailedError builds a guard_failed-kind error.
func NewGuardFailedError(message string, cause error) *Error {
	return New(KindGuardFailed, message, cause, nil)
}

// NewCycleDetectedError builds a cycle_detected-kind error.
func NewCycleDetectedError(message string, cause error) *Error {
	return New(KindCycleDetected, message, cause, nil)
}

// NewIntegrityError builds an integrity-kind error.
func NewIntegrityError(message string, cause error) *Error {
	return New(KindIntegrity, message, cause, nil)
}

// NewProvenanceInvalidError builds a provenance_invalid-kind error.
func NewProvenanceInvalidError(message string, cause error) *Error {
	return New(KindProvenanceInvalid, message, cause, nil)
}

// NewUnauthorizedError builds an unauthorized-kind error.
func NewUnauthorizedError(message string, cause error) *Error {
	return New(KindUnauthorized, message, cause, nil)
}

// NewRateLimitedError builds a rate_limited-kind error.
func NewRateLimitedError(message string, cause error) *Error {
	return New(KindRateLimited, message, cause, nil)
}

// NewInternalError builds an internal-kind error.
func NewInternalError(message string, cause error) *Error {
	return New(KindInternal, message, cause, nil)
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if err == nil {
		return "", false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else if as, ok := err.(interface{ Unwrap() error }); ok {
		return kindOf(as.Unwrap())
	} else {
		return "", false
	}
	return e.Kind, true
}

// Is<Kind> predicates, one per kind.

// IsValidation reports whether err (or a wrapped cause) is a validation error.
func IsValidation(err error) bool { k, ok := kindOf(err); return ok && k == KindValidation }

// IsNotFound reports whether err (or a wrapped cause) is a not_found error.
func IsNotFound(err error) bool { k, ok := kindOf(err); return ok && k == KindNotFound }

// IsConflict reports whether err (or a wrapped cause) is a conflict error.
func IsConflict(err error) bool { k, ok := kindOf(err); return ok && k == KindConflict }

// IsGuardFailed reports whether err (or a wrapped cause) is a guard_failed error.
func IsGuardFailed(err error) bool { k, ok := kindOf(err); return ok && k == KindGuardFailed }

// IsCycleDetected reports whether err (or a wrapped cause) is a cycle_detected error.
func IsCycleDetected(err error) bool { k, ok := kindOf(err); return ok && k == KindCycleDetected }

// IsIntegrity reports whether err (or a wrapped cause) is an integrity error.
func IsIntegrity(err error) bool { k, ok := kindOf(err); return ok && k == KindIntegrity }

// IsProvenanceInvalid reports whether err (or a wrapped cause) is a provenance_invalid error.
func IsProvenanceInvalid(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindProvenanceInvalid
}

// IsUnauthorized reports whether err (or a wrapped cause) is an unauthorized error.
func IsUnauthorized(err error) bool { k, ok := kindOf(err); return ok && k == KindUnauthorized }

// IsRateLimited reports whether err (or a wrapped cause) is a rate_limited error.
func IsRateLimited(err error) bool { k, ok := kindOf(err); return ok && k == KindRateLimited }

// IsInternal reports whether err (or a wrapped cause) is an internal error; it is false for errors that are not an *Error.
func IsInternal(err error) bool {
	k, ok := kindOf(err)
	if !ok {
		return false
	}
	return k == KindInternal
}

// HTTPStatus maps an error's Kind to an HTTP status code. This is the only
// place in the codebase that translates the taxonomy into wire status —
// core packages never import net/http.
func HTTPStatus(err error) int {
	k, ok := kindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGuardFailed:
		return http.StatusUnprocessableEntity
	case KindCycleDetected:
		return http.StatusInternalServerError
	case KindIntegrity:
		return http.StatusInternalServerError
	case KindProvenanceInvalid:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code is an alias for HTTPStatus kept for call-site brevity at the API
// boundary, matching the teacher's errors.Code(err) convention.
func Code(err error) int {
	return HTTPStatus(err)
}
