// Package relayerr defines the typed error kinds the credential plane uses
// to cross the boundary between internal components and the HTTP transport,
// per spec §7 (error handling design).
package relayerr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	KindInvalidInstanceID       Kind = "invalid_instance_id"
	KindInstanceNotFound        Kind = "instance_not_found"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindInstanceInactive        Kind = "instance_inactive"
	KindInstanceExpired         Kind = "instance_expired"
	KindInvalidCredentialsShape Kind = "invalid_credentials_shape"
	KindReauthRequired          Kind = "reauthentication_required"
	KindOAuthTransientFailure   Kind = "oauth_transient_failure"
	KindActiveLimitReached      Kind = "active_limit_reached"
	KindConflict                Kind = "conflict"
	KindNotFound                Kind = "not_found"
	KindIntegrityViolation      Kind = "integrity_violation"
	KindUnavailable             Kind = "unavailable"
	KindInternal                Kind = "internal_error"
)

// httpStatus maps each kind to its default HTTP status code.
var httpStatus = map[Kind]int{
	KindInvalidInstanceID:       http.StatusBadRequest,
	KindInstanceNotFound:        http.StatusNotFound,
	KindServiceUnavailable:      http.StatusServiceUnavailable,
	KindInstanceInactive:        http.StatusConflict,
	KindInstanceExpired:         http.StatusConflict,
	KindInvalidCredentialsShape: http.StatusInternalServerError,
	KindReauthRequired:          http.StatusUnauthorized,
	KindOAuthTransientFailure:   http.StatusServiceUnavailable,
	KindActiveLimitReached:      http.StatusConflict,
	KindConflict:                http.StatusConflict,
	KindNotFound:                http.StatusNotFound,
	KindIntegrityViolation:      http.StatusUnprocessableEntity,
	KindUnavailable:             http.StatusServiceUnavailable,
	KindInternal:                http.StatusInternalServerError,
}

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code associated with the error's kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with details attached.
func Newf(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap annotates an underlying error with a kind, preserving it for Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// As extracts a *Error from err, if present anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's kind (if it is or wraps an *Error) equals kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
