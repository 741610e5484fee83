// Package onerr defines the error taxonomy shared by every Oneiric
// component: a small set of Kind values grouped by category, each
// carrying a stable HTTP status for the orchestrator's HTTP surface.
package onerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a category of failure. Values are strings prefixed by
// their category (RESOLUTION_, SECURITY_, LIFECYCLE_, REMOTE_, ACTIVITY_,
// SYSTEM_), so new kinds can be added without changing existing ones.
type Kind string

const (
	// Resolution errors
	KindNoCandidate         Kind = "RESOLUTION_NO_CANDIDATE"
	KindOverrideUnsatisfied Kind = "RESOLUTION_OVERRIDE_UNSATISFIED"

	// Security errors
	KindFactoryDenied  Kind = "SECURITY_FACTORY_DENIED"
	KindSignatureInvalid Kind = "SECURITY_SIGNATURE_INVALID"
	KindDigestMismatch Kind = "SECURITY_DIGEST_MISMATCH"
	KindPathEscape     Kind = "SECURITY_PATH_ESCAPE"

	// Lifecycle errors
	KindActivationFailed Kind = "LIFECYCLE_ACTIVATION_FAILED"
	KindHealthTimeout    Kind = "LIFECYCLE_HEALTH_TIMEOUT"
	KindSwapFailed       Kind = "LIFECYCLE_SWAP_FAILED"
	KindAlreadyActive    Kind = "LIFECYCLE_ALREADY_ACTIVE"
	KindNotReady         Kind = "LIFECYCLE_NOT_READY"

	// Remote errors
	KindFetchFailed      Kind = "REMOTE_FETCH_FAILED"
	KindParseFailed      Kind = "REMOTE_PARSE_FAILED"
	KindIntegrityFailure Kind = "REMOTE_INTEGRITY_FAILURE"
	KindCircuitOpen      Kind = "REMOTE_CIRCUIT_OPEN"

	// Activity errors
	KindPaused   Kind = "ACTIVITY_PAUSED"
	KindDraining Kind = "ACTIVITY_DRAINING"

	// System errors
	KindCancelled Kind = "SYSTEM_CANCELLED"
	KindTimeout   Kind = "SYSTEM_TIMEOUT"
	KindInternal  Kind = "SYSTEM_INTERNAL"
)

// httpStatus maps each kind to the stable status code the HTTP surface
// must report (spec §7: "the HTTP surface maps error kinds to stable
// status codes").
var httpStatus = map[Kind]int{
	KindNoCandidate:         http.StatusNotFound,
	KindOverrideUnsatisfied: http.StatusNotFound,

	KindFactoryDenied:    http.StatusForbidden,
	KindSignatureInvalid: http.StatusForbidden,
	KindDigestMismatch:   http.StatusForbidden,
	KindPathEscape:       http.StatusForbidden,

	KindActivationFailed: http.StatusInternalServerError,
	KindHealthTimeout:    http.StatusGatewayTimeout,
	KindSwapFailed:       http.StatusConflict,
	KindAlreadyActive:    http.StatusConflict,
	KindNotReady:         http.StatusServiceUnavailable,

	KindFetchFailed:      http.StatusBadGateway,
	KindParseFailed:      http.StatusUnprocessableEntity,
	KindIntegrityFailure: http.StatusForbidden,
	KindCircuitOpen:      http.StatusServiceUnavailable,

	KindPaused:   http.StatusConflict,
	KindDraining: http.StatusConflict,

	KindCancelled: http.StatusRequestTimeout,
	KindTimeout:   http.StatusGatewayTimeout,
	KindInternal:  http.StatusInternalServerError,
}

// Error is the error type returned by every Oneiric component. It
// carries enough structure for the CLI's --json output and the HTTP
// surface's status mapping without either needing to re-derive it.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with an additional detail key set.
func (e *Error) WithDetails(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New constructs an Error for kind with a status looked up from the
// stable table above.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: statusFor(kind)}
}

// Wrap constructs an Error for kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: statusFor(kind), Err: err}
}

func statusFor(kind Kind) int {
	if s, ok := httpStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
