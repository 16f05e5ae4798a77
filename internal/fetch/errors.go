package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies fetch failures for retry decisions and callers.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindHTTPStatus  Kind = "http-status"
	KindInvalidJSON Kind = "invalid-json"
	KindNotGeoJSON  Kind = "not-geojson"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

type Error struct {
	Kind   Kind
	URL    string
	Status int
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	case e.cause != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.cause)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, url string, cause error) *Error {
	return &Error{Kind: kind, URL: url, cause: cause}
}

// KindOf extracts the classification, KindInternal when the error is not
// a fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Retryable reports whether a failed attempt may be retried: transport
// faults, timeouts, server-side statuses, and 429.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindHTTPStatus:
		return fe.Status >= http.StatusInternalServerError || fe.Status == http.StatusTooManyRequests
	default:
		return false
	}
}
