package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies remote failures.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
)

// ErrNotFound matches any Error of KindNotFound via errors.Is.
var ErrNotFound = errors.New("remote item not found")

// Error is returned by every Backend call that fails.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// KindOf returns the classification of err. Unclassified network and
// deadline errors count as transient; anything else is empty.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return ""
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// KindForStatus maps an HTTP status code onto the taxonomy.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound:
		return KindNotFound
	case code >= 500, code == http.StatusRequestTimeout:
		return KindTransient
	default:
		return KindValidation
	}
}
