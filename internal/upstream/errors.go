// errors.go defines the behavioral error taxonomy shared by the order
// engine, pool and reconciler. Classification drives the retry predicate:
// rate-limit and transient errors retry and feed circuit breakers;
// validation, auth and permanent errors fail fast.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an upstream failure by required behavior.
type Kind string

const (
	KindValidation Kind = "validation_error" // bad input, never retried
	KindAuth       Kind = "auth_error"       // invalid/revoked credentials, closes session
	KindRateLimit  Kind = "rate_limit_error" // 429, retryable, feeds breaker
	KindTransient  Kind = "upstream_transient_error"
	KindPermanent  Kind = "upstream_permanent_error"
	KindInternal   Kind = "internal_error"
)

// Error is a classified upstream failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the failing operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind; unclassified errors are internal.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindInternal
}

// Retryable reports whether the order engine should retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	}
	// Raw network and timeout errors that escaped classification.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// FeedsBreaker reports whether err counts against a circuit breaker.
// Validation and auth failures are the caller's problem, not the
// dependency's.
func FeedsBreaker(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient, KindPermanent, KindInternal:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to a kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindPermanent
	}
}
