package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

var (
	// ErrUnknownPlatform is returned by the registry for unregistered platforms.
	ErrUnknownPlatform = errors.New("gateway: unknown platform")
	// ErrCopyUnsupported is returned when a gateway cannot read campaign copy.
	ErrCopyUnsupported = errors.New("gateway: campaign copy not supported")
	// ErrAccountNotFound marks an account the platform no longer knows.
	ErrAccountNotFound = errors.New("gateway: account not found")
)

// Error is a classified failure of a gateway call.
type Error struct {
	Kind       domain.ErrorType
	Op         string
	Account    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure should be retried on a later tick.
func (e *Error) Retryable() bool {
	return IsRetryableKind(e.Kind)
}

// IsRetryableKind returns true for transport failures and unclassified errors.
func IsRetryableKind(k domain.ErrorType) bool {
	switch k {
	case domain.ErrorConnection, domain.ErrorTimeout, domain.ErrorUnknown:
		return true
	}
	return false
}

// NewError builds a classified error.
func NewError(kind domain.ErrorType, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError builds an error from an HTTP response status.
func StatusError(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindForStatus(statusCode), Op: op, StatusCode: statusCode, Err: err}
}

// KindForStatus maps an HTTP status to an error kind. Throttling and
// gateway errors are transient and map to connection errors.
func KindForStatus(statusCode int) domain.ErrorType {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.ErrorAuthentication
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return domain.ErrorTimeout
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable:
		return domain.ErrorConnection
	case statusCode >= 500:
		return domain.ErrorServer
	case statusCode >= 400:
		return domain.ErrorAPI
	}
	return domain.ErrorUnknown
}

// Classify returns err as a *Error, deriving the kind when err is not
// already classified. A nil err returns nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: domain.ErrorTimeout, Err: err}
	}
	if errors.Is(err, ErrAccountNotFound) {
		return &Error{Kind: domain.ErrorConnection, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: domain.ErrorTimeout, Err: err}
		}
		return &Error{Kind: domain.ErrorConnection, Err: err}
	}
	return &Error{Kind: domain.ErrorUnknown, Err: err}
}
