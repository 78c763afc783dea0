package server

import "net/http"

// Reason classifies why a verification step rejected its input.
type Reason string

const (
	ReasonMalformedToken      Reason = "malformed_token"
	ReasonVerificationTimeout Reason = "verification_timeout"
	ReasonVerificationFailed  Reason = "verification_failed"
	ReasonProviderUnavailable Reason = "provider_unavailable"
	ReasonExpired             Reason = "expired"
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonMissingSubject      Reason = "missing_subject"
	ReasonInternalError       Reason = "internal_error"
)

// Status returns the HTTP status designated for the reason.
func (r Reason) Status() int {
	switch r {
	case ReasonMalformedToken:
		return http.StatusBadRequest
	case ReasonVerificationTimeout:
		return http.StatusRequestTimeout
	case ReasonVerificationFailed, ReasonExpired, ReasonInvalidSignature, ReasonMissingSubject:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is the result of a verification step: either a valid value or a
// rejection carrying its reason, status and a human readable message.
type Outcome[T any] struct {
	Value   T
	Reason  Reason
	Status  int
	Message string
	valid   bool
}

// Valid wraps a successful result.
func Valid[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, Status: http.StatusOK, valid: true}
}

// Invalid builds a rejection using the reason's designated status.
func Invalid[T any](reason Reason, message string) Outcome[T] {
	return Outcome[T]{Reason: reason, Status: reason.Status(), Message: message}
}

// OK reports whether the outcome is valid.
func (o Outcome[T]) OK() bool {
	return o.valid
}

// Reject converts a rejection of one value type into another, keeping reason,
// status and message.
func Reject[T, U any](o Outcome[U]) Outcome[T] {
	return Outcome[T]{Reason: o.Reason, Status: o.Status, Message: o.Message}
}
