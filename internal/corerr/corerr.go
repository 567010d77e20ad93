// Package corerr enumerates the error taxonomy the device façade uses on
// its control-plane and session protocols: not-found, invalid-argument,
// transient I/O, resource-exhaustion, and fatal.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError for callers that need to branch on it
// (e.g. the control plane deciding whether to reply Error vs exit).
type Kind int

// Error kinds, matching the taxonomy used throughout the device façade.
const (
	// KindNotFound: request references an unknown DeviceId. Never fatal.
	KindNotFound Kind = iota
	// KindInvalidArgument: malformed JSON or an impossible config.
	KindInvalidArgument
	// KindTransientIO: a per-consumer write failure. Device unaffected.
	KindTransientIO
	// KindResourceExhaustion: cannot bind socket / write sysfs / allocate id.
	KindResourceExhaustion
	// KindFatal: lock or listener bind failure at startup.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindTransientIO:
		return "transient-io"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CoreError is the structured error type surfaced on the control plane and
// logged internally. Wrap an underlying cause with New so errors.Is/As
// still sees it.
type CoreError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New constructs a CoreError of the given kind.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap constructs a CoreError of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *CoreError,
// defaulting to KindTransientIO when the error carries no explicit kind.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransientIO
}
