// Package apierr defines the closed set of error kinds the run orchestrator
// surfaces, and maps each to an HTTP status code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindIllegalTransition    Kind = "illegal_transition"
	KindConflict             Kind = "conflict"
	KindNotConfirmable       Kind = "not_confirmable"
	KindNotDiscardable       Kind = "not_discardable"
	KindPermissionDenied     Kind = "permission_denied"
	KindUnauthenticated      Kind = "unauthenticated"
	KindValidation           Kind = "validation_error"
	KindEncryptionKeyMissing    Kind = "encryption_key_missing"
	KindCorruptCiphertext       Kind = "corrupt_ciphertext"
	KindEncryptionNotConfigured Kind = "encryption_not_configured"
	KindUpstreamFailure         Kind = "upstream_failure"
)

// kindToStatus is the closed kind→status table from the error handling design.
var kindToStatus = map[Kind]int{
	KindNotFound:             http.StatusNotFound,
	KindIllegalTransition:    http.StatusConflict,
	KindConflict:             http.StatusConflict,
	KindNotConfirmable:       http.StatusConflict,
	KindNotDiscardable:       http.StatusConflict,
	KindPermissionDenied:     http.StatusForbidden,
	KindUnauthenticated:      http.StatusUnauthorized,
	KindValidation:           http.StatusUnprocessableEntity,
	KindEncryptionKeyMissing:    http.StatusInternalServerError,
	KindCorruptCiphertext:       http.StatusInternalServerError,
	KindEncryptionNotConfigured: http.StatusInternalServerError,
	KindUpstreamFailure:         http.StatusBadGateway,
}

// Error is a typed application error carrying a closed Kind and a message
// safe to return to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause, not exposed to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that carries an underlying cause, for logging.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound is a convenience constructor for the common not_found case.
func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

// Status returns the HTTP status code for an error, unwrapping to find an
// *Error if necessary. Unrecognized errors map to 500.
func Status(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		if status, ok := kindToStatus[ae.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
