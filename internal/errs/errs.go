// Package errs defines the error taxonomy shared by the lifecycle engine, the
// contract coordinator and the payment reconciler.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindInternal           Kind = "INTERNAL"
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindForbidden          Kind = "FORBIDDEN"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	KindConflict           Kind = "CONFLICT"
	KindExternalFailure    Kind = "EXTERNAL_FAILURE"
)

// HTTPStatus maps a kind to the status the API reports it with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the lower-case wire code used in API error envelopes.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindConflict:
		return "conflict"
	case KindExternalFailure:
		return "external_failure"
	default:
		return "internal_error"
	}
}

// Error is a classified error with optional metadata and cause.
type Error struct {
	Kind     Kind
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, errs.Conflict) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	Validation         = &Error{Kind: KindValidation, Message: "validation error"}
	NotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	Forbidden          = &Error{Kind: KindForbidden, Message: "forbidden"}
	InvalidTransition  = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	PreconditionFailed = &Error{Kind: KindPreconditionFailed, Message: "precondition failed"}
	Conflict           = &Error{Kind: KindConflict, Message: "conflict"}
	ExternalFailure    = &Error{Kind: KindExternalFailure, Message: "external failure"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WithMetadata(kind Kind, message string, metadata map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Metadata: metadata}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MetadataOf returns the metadata of the first *Error in err's chain.
func MetadataOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}
