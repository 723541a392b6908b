// Package apierr defines the error kinds shared across the dispatcher core
// and the HTTP boundary's {error,message,code,details} envelope.
package apierr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Kind is a coarse classification of an error, shared between internal
// component error handling and the external HTTP envelope.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidOperation  Kind = "INVALID_OPERATION"
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindOAuthError        Kind = "OAUTH_ERROR"
	KindServerError       Kind = "SERVER_ERROR"

	// Internal kinds, used for error handling between components.
	// WriteError does not remap them: one that reaches an HTTP handler
	// (e.g. a TRANSIENT token-endpoint failure returned by
	// AuthCore.Callback) is written with its own name and the status
	// defaultStatus gives it.
	KindAuthExpired    Kind = "AUTH_EXPIRED"
	KindAuthRejected   Kind = "AUTH_REJECTED"
	KindAuthNonce      Kind = "AUTH_NONCE"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindTransient      Kind = "TRANSIENT"
	KindPermanent      Kind = "PERMANENT"
	KindCryptoFailure  Kind = "CRYPTO_FAILURE"
	KindCancelled      Kind = "CANCELLED"
	KindAlreadyClaimed Kind = "ALREADY_CLAIMED"
)

// Error is a typed, classified error that knows how it should be surfaced
// at the HTTP boundary.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Details any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New builds an Error of the given kind with the default HTTP status for
// that kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: defaultStatus(kind)}
}

// Wrap builds an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Status: defaultStatus(kind), Wrapped: cause}
}

// WithDetails attaches arbitrary structured detail to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized, KindAuthRejected, KindAuthExpired, KindAuthNonce:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidOperation:
		return http.StatusUnprocessableEntity
	case KindRateLimitExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindOAuthError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type envelope struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Details any    `json:"details,omitempty"`
}

// WriteError translates err into the {error,message,code,details} envelope
// and writes it as the HTTP response. Unrecognized errors are logged with
// full detail but surfaced to the caller only as SERVER_ERROR, never
// leaking internals.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := As(err)
	if !ok {
		slog.Error("unrecognized error reached the HTTP boundary", "error", err)
		apiErr = New(KindServerError, "An internal error occurred")
	}
	write(w, apiErr)
}

func write(w http.ResponseWriter, apiErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if err := json.NewEncoder(w).Encode(envelope{
		Error:   apiErr.Kind,
		Message: apiErr.Message,
		Code:    apiErr.Status,
		Details: apiErr.Details,
	}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Kind == kind
}
