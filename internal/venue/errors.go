package venue

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so callers can branch on behavior
// instead of matching strings.
type ErrorKind int

const (
	// KindTransient covers timeouts, 5xx responses and rate limits. The
	// adapter retries these internally; the kind only surfaces once the
	// adapter's own retry budget is exhausted.
	KindTransient ErrorKind = iota
	// KindNotFound covers not-found / already-cancelled answers to cancel
	// or status calls. Cancel paths treat it as success.
	KindNotFound
	// KindRejected covers orders the venue refused outright.
	KindRejected
	// KindBreakerOpen marks calls short-circuited by the circuit breaker.
	KindBreakerOpen
	// KindInvariant marks keeper-side invariant violations. These abort
	// the operation loudly and are never retried.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	case KindBreakerOpen:
		return "breaker_open"
	case KindInvariant:
		return "invariant"
	}
	return "unknown"
}

// Error wraps an adapter failure with its venue, operation and kind.
type Error struct {
	Kind  ErrorKind
	Venue ID
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified venue error.
func NewError(kind ErrorKind, v ID, op string, err error) *Error {
	return &Error{Kind: kind, Venue: v, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for unclassified
// failures (the conservative assumption for network-facing code).
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err means the order no longer exists on the
// venue. Cancelling an already-gone order is success.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsBreakerOpen reports whether err came from an open circuit breaker.
func IsBreakerOpen(err error) bool {
	return err != nil && KindOf(err) == KindBreakerOpen
}
